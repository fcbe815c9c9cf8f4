// Package telegram implements transport.Session on top of telebot.
//
// Group joining and user-session semantics require a self-hosted Bot API
// server running in user mode (e.g. tdlight); the hosted api.telegram.org
// does not expose joinChat. Point telegram.api_url at the local server.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"keywatch/internal/transport"
	logx "keywatch/pkg/logx"
)

type Config struct {
	Token       string
	APIURL      string // custom Bot API server; empty means api.telegram.org
	PollTimeout time.Duration
}

type Session struct {
	cfg Config
	log logx.Logger

	mu  sync.Mutex
	bot *tele.Bot

	out atomic.Value // stores chan<- transport.Message

	// dropped counts messages dropped because the consumer was slower than
	// the poll loop. Logged on Run exit to avoid per-message spam.
	dropped uint64
}

func New(cfg Config, log logx.Logger) *Session {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	s := &Session{cfg: cfg, log: log}
	var nilOut chan<- transport.Message
	s.out.Store(nilOut)
	return s
}

// Connect constructs the bot without touching the network; Authorize
// performs the actual credential check. Split so the supervisor can report
// the connecting and authenticating phases separately.
func (s *Session) Connect(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.Token) == "" {
		return errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   s.cfg.Token,
		URL:     s.cfg.APIURL,
		Poller:  &tele.LongPoller{Timeout: s.cfg.PollTimeout},
		Offline: true, // defer getMe to Authorize
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.bot = b
	s.mu.Unlock()
	s.registerHandlers(b)
	return nil
}

func (s *Session) Authorize(ctx context.Context) error {
	b := s.current()
	if b == nil {
		return errors.New("not connected")
	}
	if _, err := b.Raw("getMe", nil); err != nil {
		return fmt.Errorf("authorize: %w", err)
	}
	return nil
}

func (s *Session) current() *tele.Bot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bot
}

func (s *Session) registerHandlers(b *tele.Bot) {
	b.Handle(tele.OnText, func(c tele.Context) error {
		s.push(c.Message(), "")
		return nil
	})
	b.Handle(tele.OnPhoto, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Photo == nil {
			return nil
		}
		s.push(m, m.Photo.FileID)
		return nil
	})
}

func (s *Session) push(m *tele.Message, photoID string) {
	if m == nil || m.Chat == nil {
		return
	}
	v := s.out.Load()
	out, _ := v.(chan<- transport.Message)
	if out == nil {
		return
	}

	text := m.Text
	if text == "" {
		text = m.Caption
	}
	msg := transport.Message{
		ChatID:     m.Chat.ID,
		ChatIdent:  chatIdent(m.Chat),
		ChatTitle:  m.Chat.Title,
		SenderName: senderName(m),
		Text:       text,
		IsGroup:    m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup || m.Chat.Type == tele.ChatChannel,
	}
	if photoID != "" {
		msg.Photo = &transport.PhotoRef{FileID: photoID}
	}

	select {
	case out <- msg:
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
}

func chatIdent(c *tele.Chat) string {
	if c.Username != "" {
		return c.Username
	}
	return strconv.FormatInt(c.ID, 10)
}

// senderName mirrors the fallback chain username -> "first last" -> chat title.
func senderName(m *tele.Message) string {
	if m.Sender != nil {
		if m.Sender.Username != "" {
			return m.Sender.Username
		}
		if n := strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName); n != "" {
			return n
		}
	}
	if m.Chat != nil {
		return m.Chat.Title
	}
	return ""
}

// watchStop calls stop when ctx ends. The returned release frees the
// watcher once the poller has returned on its own, e.g. after an
// explicit Disconnect.
func watchStop(ctx context.Context, stop func()) (release func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		// Both may be ready at once; never stop a poller that already
		// returned.
		select {
		case <-done:
		default:
			stop()
		}
	}()
	return func() { close(done) }
}

// Run pumps inbound messages into out until the poller stops.
func (s *Session) Run(ctx context.Context, out chan<- transport.Message) error {
	b := s.current()
	if b == nil {
		return errors.New("not connected")
	}
	s.out.Store(out)

	release := watchStop(ctx, b.Stop)

	s.log.Info("polling started")
	b.Start() // blocks until Stop()
	release()
	s.log.Info("polling stopped")

	var nilOut chan<- transport.Message
	s.out.Store(nilOut)
	if n := atomic.SwapUint64(&s.dropped, 0); n > 0 {
		s.log.Warn("inbound messages dropped (channel full)", logx.Uint64("count", n))
	}
	return ctx.Err()
}

func (s *Session) Disconnect(ctx context.Context) error {
	b := s.current()
	if b == nil {
		return nil
	}
	b.Stop()
	return nil
}

func (s *Session) ResolveGroup(ctx context.Context, identifier string) (transport.GroupInfo, error) {
	b := s.current()
	if b == nil {
		return transport.GroupInfo{}, errors.New("not connected")
	}
	ident := identifierFromLink(identifier)
	if ident == "" {
		return transport.GroupInfo{}, transport.ErrGroupNotFound
	}

	chat, err := s.chatByIdent(ident)
	if err != nil {
		return transport.GroupInfo{}, classifyChatError(err)
	}

	info := transport.GroupInfo{
		Identifier: strconv.FormatInt(chat.ID, 10),
		Title:      chat.Title,
	}
	if chat.Photo != nil && chat.Photo.SmallFileID != "" {
		if p, err := s.downloadFile(chat.Photo.SmallFileID, os.TempDir(), fmt.Sprintf("logo-%d.jpg", chat.ID)); err == nil {
			info.LogoPath = p
		}
	}
	return info, nil
}

func (s *Session) JoinGroup(ctx context.Context, link string) (transport.GroupInfo, error) {
	b := s.current()
	if b == nil {
		return transport.GroupInfo{}, errors.New("not connected")
	}
	ident := identifierFromLink(link)
	if ident == "" {
		return transport.GroupInfo{}, transport.ErrGroupNotFound
	}

	chat, err := s.chatByIdent(ident)
	if err != nil {
		return transport.GroupInfo{}, classifyChatError(err)
	}

	// joinChat is a user-mode extension method (see package doc).
	if _, err := b.Raw("joinChat", map[string]any{"chat_id": chat.ID}); err != nil {
		return transport.GroupInfo{}, classifyJoinError(err)
	}
	return transport.GroupInfo{
		Identifier: strconv.FormatInt(chat.ID, 10),
		Title:      chat.Title,
	}, nil
}

func (s *Session) chatByIdent(ident string) (*tele.Chat, error) {
	b := s.current()
	if id, err := strconv.ParseInt(ident, 10, 64); err == nil {
		return b.ChatByID(id)
	}
	return b.ChatByUsername("@" + strings.TrimPrefix(ident, "@"))
}

func (s *Session) DownloadPhoto(ctx context.Context, ref transport.PhotoRef, dir string) (string, error) {
	if ref.FileID == "" {
		return "", errors.New("empty file id")
	}
	name := fmt.Sprintf("photo-%d-%s", time.Now().UnixNano(), sanitize(ref.FileID))
	return s.downloadFile(ref.FileID, dir, name)
}

func (s *Session) downloadFile(fileID, dir, name string) (string, error) {
	b := s.current()
	if b == nil {
		return "", errors.New("not connected")
	}
	rc, err := b.File(&tele.File{FileID: fileID})
	if err != nil {
		return "", err
	}
	defer func() { _ = rc.Close() }()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// identifierFromLink accepts a username, a numeric id, or a t.me link and
// returns the bare identifier ("" when the input is unusable).
func identifierFromLink(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "/") {
		return strings.TrimPrefix(raw, "@")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return ""
	}
	parts := strings.Split(path, "/")
	return parts[len(parts)-1]
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// Telegram reports join failures as description text; classify by substring.
func classifyJoinError(err error) error {
	if err == nil {
		return nil
	}
	desc := strings.ToUpper(err.Error())
	switch {
	case strings.Contains(desc, "CHANNELS_TOO_MUCH"):
		return transport.ErrQuotaExceeded
	case strings.Contains(desc, "ALREADY_PARTICIPANT"):
		return transport.ErrAlreadyMember
	case strings.Contains(desc, "CHANNEL_PRIVATE"), strings.Contains(desc, "BANNED"):
		return transport.ErrGroupPrivate
	case strings.Contains(desc, "USERNAME_NOT_OCCUPIED"), strings.Contains(desc, "USERNAME_INVALID"), strings.Contains(desc, "NOT FOUND"):
		return transport.ErrGroupNotFound
	default:
		return err
	}
}

func classifyChatError(err error) error {
	if err == nil {
		return nil
	}
	desc := strings.ToUpper(err.Error())
	switch {
	case strings.Contains(desc, "NOT FOUND"), strings.Contains(desc, "USERNAME_NOT_OCCUPIED"), strings.Contains(desc, "USERNAME_INVALID"):
		return transport.ErrGroupNotFound
	case strings.Contains(desc, "CHANNEL_PRIVATE"):
		return transport.ErrGroupPrivate
	default:
		return err
	}
}
