package store

import "time"

// Config configures the SQLite database.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Group is a chat under watch, together with its assigned keywords.
type Group struct {
	ID         int64
	Identifier string
	Name       string
	LogoPath   string
	Keywords   []string
}

// Keyword is a single watched pattern.
type Keyword struct {
	ID   int64
	Text string
}

// Notification channel types.
const (
	NotifyNone     = "none"
	NotifyDingTalk = "dingtalk"
	NotifyWeCom    = "wecom"
)

// NotificationSettings is the singleton webhook configuration row.
type NotificationSettings struct {
	Type            string
	DingTalkWebhook string
	DingTalkSecret  string
	WeComWebhook    string
}

// Match is a persisted keyword hit.
type Match struct {
	ID        int64
	GroupName string
	Content   string
	Sender    string
	Date      time.Time
	Keyword   string
}
