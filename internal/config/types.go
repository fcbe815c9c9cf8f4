package config

// Config is the file-backed application configuration.
//
// Domain data (monitored groups, keywords, the notification channel
// selection) lives in the store, not here; this file only carries the
// knobs an operator sets before the process starts.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig   `json:"telegram"`
	Logging   LoggingConfig    `json:"logging"`
	Storage   StorageConfig    `json:"storage"`
	API       *APIConfig       `json:"api,omitempty"`
	OCR       OCRConfig        `json:"ocr"`
	Notify    NotifyConfig     `json:"notify"`
	Retention *RetentionConfig `json:"retention,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// APIURL points at a self-hosted Bot API server. Group joining needs
	// one running in user mode; the hosted API does not expose it.
	APIURL string `json:"api_url,omitempty"`

	// PollTimeout is the long-poll timeout (default "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// APIConfig controls the operator HTTP API.
//
// Security note: prefer binding to localhost (e.g. "127.0.0.1:8480").
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8480"
}

// OCRConfig controls image text extraction.
//
// Binary is the tesseract executable; Languages is passed to its -l flag.
type OCRConfig struct {
	Enabled   bool   `json:"enabled"`
	Binary    string `json:"binary,omitempty"`    // default: "tesseract"
	Languages string `json:"languages,omitempty"` // default: "chi_sim+eng"
	Timeout   string `json:"timeout,omitempty"`   // default: "30s"
	TempDir   string `json:"temp_dir,omitempty"`  // default: os.TempDir()
}

type NotifyConfig struct {
	// RatePerSec caps outbound webhook sends (default 3).
	RatePerSec int `json:"rate_per_sec,omitempty"`

	// Timeout bounds a single webhook call (default "10s").
	Timeout string `json:"timeout,omitempty"`
}

// RetentionConfig prunes old match records on a schedule.
type RetentionConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron expression, default "@daily"
	MaxAge   string `json:"max_age,omitempty"`  // default "720h" (30 days)
}
