// Package store persists watch lists, notification settings and matched
// messages in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "keywatch/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the SQLite database.
type Store struct {
	db  *sql.DB
	log logx.Logger

	invalidate func(groupIDs ...int64)
}

// Open opens (and if needed creates) the database at cfg.Path.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &Store{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetInvalidate registers the callback invoked with the group ids whose
// keyword sets changed. Mutations fire it after the write commits.
func (s *Store) SetInvalidate(fn func(groupIDs ...int64)) {
	s.invalidate = fn
}

func (s *Store) fireInvalidate(ids []int64) {
	if s.invalidate == nil || len(ids) == 0 {
		return
	}
	s.invalidate(ids...)
}

// Groups returns all monitored groups with their keyword lists.
func (s *Store) Groups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, group_identifier, COALESCE(group_name,''), COALESCE(logo_path,'')
		 FROM monitored_group ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Identifier, &g.Name, &g.LogoPath); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		kws, err := s.GroupKeywords(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Keywords = kws
	}
	return out, nil
}

// GroupByIdentifiers returns the first group whose identifier matches one
// of the candidates, in candidate order.
func (s *Store) GroupByIdentifiers(ctx context.Context, idents ...string) (Group, bool, error) {
	for _, ident := range idents {
		if strings.TrimSpace(ident) == "" {
			continue
		}
		var g Group
		err := s.db.QueryRowContext(ctx,
			`SELECT id, group_identifier, COALESCE(group_name,''), COALESCE(logo_path,'')
			 FROM monitored_group WHERE group_identifier = ?`, ident).
			Scan(&g.ID, &g.Identifier, &g.Name, &g.LogoPath)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return Group{}, false, err
		}
		kws, err := s.GroupKeywords(ctx, g.ID)
		if err != nil {
			return Group{}, false, err
		}
		g.Keywords = kws
		return g, true, nil
	}
	return Group{}, false, nil
}

// GroupKeywords returns the keyword texts assigned to a group.
func (s *Store) GroupKeywords(ctx context.Context, groupID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT k.text FROM keyword k
		 JOIN group_keyword_association a ON a.keyword_id = k.id
		 WHERE a.group_id = ? ORDER BY k.id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertGroup inserts a group or refreshes its name and logo.
func (s *Store) UpsertGroup(ctx context.Context, identifier, name, logoPath string) (Group, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return Group{}, errors.New("group identifier is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO monitored_group(group_identifier, group_name, logo_path) VALUES(?,?,?)
		 ON CONFLICT(group_identifier) DO UPDATE SET
		   group_name = excluded.group_name,
		   logo_path  = COALESCE(NULLIF(excluded.logo_path,''), monitored_group.logo_path)`,
		identifier, nullStr(name), nullStr(logoPath))
	if err != nil {
		return Group{}, err
	}
	g, ok, err := s.GroupByIdentifiers(ctx, identifier)
	if err != nil {
		return Group{}, err
	}
	if !ok {
		return Group{}, ErrNotFound
	}
	return g, nil
}

// DeleteGroup removes a group and its keyword associations.
func (s *Store) DeleteGroup(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM monitored_group WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.fireInvalidate([]int64{id})
	return nil
}

// Keywords returns all keywords.
func (s *Store) Keywords(ctx context.Context) ([]Keyword, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, text FROM keyword ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Keyword
	for rows.Next() {
		var k Keyword
		if err := rows.Scan(&k.ID, &k.Text); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// AddKeyword inserts a keyword. Existing text is returned unchanged.
func (s *Store) AddKeyword(ctx context.Context, text string) (Keyword, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Keyword{}, errors.New("keyword text is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO keyword(text) VALUES(?) ON CONFLICT(text) DO NOTHING`, text)
	if err != nil {
		return Keyword{}, err
	}
	var k Keyword
	err = s.db.QueryRowContext(ctx, `SELECT id, text FROM keyword WHERE text = ?`, text).
		Scan(&k.ID, &k.Text)
	return k, err
}

// UpdateKeyword changes a keyword's text and invalidates every group
// that carries it.
func (s *Store) UpdateKeyword(ctx context.Context, id int64, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("keyword text is required")
	}
	affected, err := s.groupIDsForKeyword(ctx, id)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE keyword SET text = ? WHERE id = ?`, text, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.fireInvalidate(affected)
	return nil
}

// DeleteKeyword removes a keyword everywhere it is assigned.
func (s *Store) DeleteKeyword(ctx context.Context, id int64) error {
	affected, err := s.groupIDsForKeyword(ctx, id)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM keyword WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.fireInvalidate(affected)
	return nil
}

// AssignKeyword attaches a keyword to a group.
func (s *Store) AssignKeyword(ctx context.Context, groupID, keywordID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_keyword_association(group_id, keyword_id) VALUES(?,?)
		 ON CONFLICT(group_id, keyword_id) DO NOTHING`, groupID, keywordID)
	if err != nil {
		return err
	}
	s.fireInvalidate([]int64{groupID})
	return nil
}

// UnassignKeyword detaches a keyword from a group.
func (s *Store) UnassignKeyword(ctx context.Context, groupID, keywordID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM group_keyword_association WHERE group_id = ? AND keyword_id = ?`,
		groupID, keywordID)
	if err != nil {
		return err
	}
	s.fireInvalidate([]int64{groupID})
	return nil
}

func (s *Store) groupIDsForKeyword(ctx context.Context, keywordID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id FROM group_keyword_association WHERE keyword_id = ?`, keywordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// NotificationSettings returns the singleton webhook configuration.
func (s *Store) NotificationSettings(ctx context.Context) (NotificationSettings, error) {
	var n NotificationSettings
	err := s.db.QueryRowContext(ctx,
		`SELECT notification_type, COALESCE(dingtalk_webhook,''), COALESCE(dingtalk_secret,''),
		        COALESCE(wecom_webhook,'')
		 FROM config WHERE id = 1`).
		Scan(&n.Type, &n.DingTalkWebhook, &n.DingTalkSecret, &n.WeComWebhook)
	if errors.Is(err, sql.ErrNoRows) {
		return NotificationSettings{Type: NotifyNone}, nil
	}
	return n, err
}

// SaveNotificationSettings replaces the singleton webhook configuration.
func (s *Store) SaveNotificationSettings(ctx context.Context, n NotificationSettings) error {
	switch n.Type {
	case NotifyNone, NotifyDingTalk, NotifyWeCom:
	default:
		return fmt.Errorf("unknown notification type %q", n.Type)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE config SET notification_type = ?, dingtalk_webhook = ?, dingtalk_secret = ?,
		        wecom_webhook = ?
		 WHERE id = 1`,
		n.Type, nullStr(n.DingTalkWebhook), nullStr(n.DingTalkSecret), nullStr(n.WeComWebhook))
	return err
}

// InsertMatch persists a keyword hit.
func (s *Store) InsertMatch(ctx context.Context, m Match) error {
	if m.Date.IsZero() {
		m.Date = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO matched_message(group_name, message_content, sender, message_date, matched_keyword)
		 VALUES(?,?,?,?,?)`,
		m.GroupName, m.Content, nullStr(m.Sender), m.Date.UTC().Format(time.RFC3339Nano), m.Keyword)
	return err
}

// RecentMatches returns the newest matches, capped at limit.
func (s *Store) RecentMatches(ctx context.Context, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, group_name, message_content, COALESCE(sender,''), message_date, matched_keyword
		 FROM matched_message ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		var date string
		if err := rows.Scan(&m.ID, &m.GroupName, &m.Content, &m.Sender, &date, &m.Keyword); err != nil {
			return nil, err
		}
		if t, perr := time.Parse(time.RFC3339Nano, date); perr == nil {
			m.Date = t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PruneMatches deletes matches recorded before the cutoff and reports
// how many rows went away.
func (s *Store) PruneMatches(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM matched_message WHERE message_date < ?`,
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
