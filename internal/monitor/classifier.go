package monitor

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"keywatch/internal/feed"
	"keywatch/internal/matcher"
	"keywatch/internal/notify"
	"keywatch/internal/ocr"
	"keywatch/internal/store"
	"keywatch/internal/transport"
	logx "keywatch/pkg/logx"
)

const (
	feedDateFormat = "2006-01-02 15:04:05"
	feedMaxRunes   = 200
)

type alertSender interface {
	Send(ctx context.Context, st notify.Settings, m notify.Message) error
}

type imageQueue interface {
	Submit(job ocr.Job) bool
}

// Classifier decides what every incoming message means: unmonitored
// chats are dropped, monitored ones run through the group's cached
// matcher, and hits fan out to storage, the live feed and the
// notification channel.
type Classifier struct {
	store  *store.Store
	cache  *matcher.Cache
	disp   alertSender
	feed   feed.Publisher
	images imageQueue
	log    logx.Logger

	now func() time.Time
}

func NewClassifier(st *store.Store, cache *matcher.Cache, disp alertSender, pub feed.Publisher, log logx.Logger) *Classifier {
	if pub == nil {
		pub = feed.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Classifier{
		store: st,
		cache: cache,
		disp:  disp,
		feed:  pub,
		log:   log,
		now:   time.Now,
	}
}

// SetImageQueue wires the OCR pool. Without one, photos are ignored.
func (c *Classifier) SetImageQueue(q imageQueue) { c.images = q }

// Handle classifies one incoming message.
func (c *Classifier) Handle(ctx context.Context, msg transport.Message) {
	group, ok, err := c.store.GroupByIdentifiers(ctx, identifierCandidates(msg)...)
	if err != nil {
		c.log.Error("group lookup failed", logx.Err(err))
		return
	}
	if !ok {
		c.log.Debug("chat not monitored",
			logx.Int64("chat_id", msg.ChatID),
			logx.String("title", msg.ChatTitle))
		return
	}
	if len(group.Keywords) == 0 {
		c.log.Info("monitored group has no keywords",
			logx.String("group", displayName(group, msg)))
		return
	}

	m := c.cache.Lookup(group.ID, func() *matcher.Matcher {
		return matcher.New(group.Keywords)
	})
	name := displayName(group, msg)

	if kw, hit := m.FindFirst(msg.Text); hit {
		c.record(ctx, name, msg.SenderName, msg.Text, kw, false)
	}

	if msg.Photo != nil && c.images != nil {
		c.images.Submit(ocr.Job{
			Photo:        *msg.Photo,
			Matcher:      m,
			GroupName:    name,
			Sender:       msg.SenderName,
			OriginalText: msg.Text,
		})
	}
}

// HandleImageText consumes OCR output. It matches against the matcher
// snapshot captured when the image was submitted, not the current one.
func (c *Classifier) HandleImageText(ctx context.Context, job ocr.Job, text string) {
	combined := "[image text]: " + strings.TrimSpace(text)
	if job.OriginalText != "" {
		combined = job.OriginalText + "\n" + combined
	}

	kw, hit := job.Matcher.FindFirst(combined)
	if !hit {
		c.log.Debug("no keyword in image text", logx.String("group", job.GroupName))
		return
	}
	c.record(ctx, job.GroupName, job.Sender, combined, kw, true)
}

func (c *Classifier) record(ctx context.Context, groupName, sender, content, keyword string, isImage bool) {
	now := c.now()
	c.log.Info("keyword matched",
		logx.String("group", groupName),
		logx.String("keyword", keyword),
		logx.Bool("image", isImage))

	if err := c.store.InsertMatch(ctx, store.Match{
		GroupName: groupName,
		Content:   content,
		Sender:    sender,
		Date:      now,
		Keyword:   keyword,
	}); err != nil {
		c.log.Error("persist match failed", logx.Err(err))
	}

	feedSender := sender
	if feedSender == "" {
		feedSender = "N/A"
	}
	c.feed.Publish(feed.Event{
		GroupName: groupName,
		Sender:    feedSender,
		Keyword:   keyword,
		Content:   truncate(content, feedMaxRunes),
		Date:      now.Format(feedDateFormat),
		IsImage:   isImage,
	})

	settings, err := c.store.NotificationSettings(ctx)
	if err != nil {
		c.log.Error("load notification settings failed", logx.Err(err))
		return
	}
	msg := notify.BuildMessage(notify.Alert{
		GroupName: groupName,
		Sender:    sender,
		Keyword:   keyword,
		Content:   content,
		IsImage:   isImage,
	})
	err = c.disp.Send(ctx, notify.Settings{
		Type:            settings.Type,
		DingTalkWebhook: settings.DingTalkWebhook,
		DingTalkSecret:  settings.DingTalkSecret,
		WeComWebhook:    settings.WeComWebhook,
	}, msg)
	if err != nil && !errors.Is(err, notify.ErrNotConfigured) {
		c.log.Warn("alert delivery failed", logx.Err(err))
	}
}

func displayName(g store.Group, msg transport.Message) string {
	if g.Name != "" {
		return g.Name
	}
	if msg.ChatTitle != "" {
		return msg.ChatTitle
	}
	return g.Identifier
}

// identifierCandidates lists the stored identifiers an incoming chat may
// appear under: its username with and without the @ prefix, and its
// numeric id with and without the supergroup -100 prefix.
func identifierCandidates(msg transport.Message) []string {
	var out []string
	id := strconv.FormatInt(msg.ChatID, 10)
	if msg.ChatIdent != "" && msg.ChatIdent != id {
		ident := strings.TrimPrefix(msg.ChatIdent, "@")
		out = append(out, ident, "@"+ident)
	}
	out = append(out, id)
	if rest, found := strings.CutPrefix(id, "-100"); found {
		out = append(out, rest)
	} else if !strings.HasPrefix(id, "-") {
		out = append(out, "-100"+id)
	}
	return out
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
