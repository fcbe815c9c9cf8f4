package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"keywatch/internal/notify"
	"keywatch/internal/store"
	"keywatch/internal/transport"
	logx "keywatch/pkg/logx"

	"github.com/go-chi/chi/v5"
)

type groupJSON struct {
	ID         int64    `json:"id"`
	Identifier string   `json:"identifier"`
	Name       string   `json:"name,omitempty"`
	LogoPath   string   `json:"logo_path,omitempty"`
	Keywords   []string `json:"keywords"`
}

func toGroupJSON(g store.Group) groupJSON {
	kws := g.Keywords
	if kws == nil {
		kws = []string{}
	}
	return groupJSON{ID: g.ID, Identifier: g.Identifier, Name: g.Name, LogoPath: g.LogoPath, Keywords: kws}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connection":      s.deps.Conn.State().String(),
		"cached_matchers": s.deps.Cache.Len(),
		"time":            time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	matches, err := s.deps.Store.RecentMatches(r.Context(), limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		out = append(out, map[string]any{
			"id":              m.ID,
			"group_name":      m.GroupName,
			"message_content": m.Content,
			"sender":          m.Sender,
			"message_date":    m.Date.Format("2006-01-02 15:04:05"),
			"matched_keyword": m.Keyword,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.deps.Store.Groups(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]groupJSON, 0, len(groups))
	for _, g := range groups {
		out = append(out, toGroupJSON(g))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAddGroup resolves the identifier against the live session before
// storing it, so typos surface immediately.
func (s *Server) handleAddGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Identifier == "" {
		writeErr(w, http.StatusBadRequest, "identifier is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	var info transport.GroupInfo
	err := s.deps.Conn.Do(ctx, func(ctx context.Context, sess transport.Session) error {
		g, err := sess.ResolveGroup(ctx, req.Identifier)
		info = g
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, transport.ErrGroupNotFound):
			writeErr(w, http.StatusNotFound, "group not found, check the link or username")
		case errors.Is(err, transport.ErrGroupPrivate):
			writeErr(w, http.StatusForbidden, "group is private or inaccessible")
		default:
			writeErr(w, http.StatusBadGateway, "resolve failed: "+err.Error())
		}
		return
	}

	g, err := s.deps.Store.UpsertGroup(r.Context(), info.Identifier, info.Title, info.LogoPath)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toGroupJSON(g))
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad group id")
		return
	}
	if err := s.deps.Store.DeleteGroup(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "no such group")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "deleted"})
}

func (s *Server) handleListKeywords(w http.ResponseWriter, r *http.Request) {
	kws, err := s.deps.Store.Keywords(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	type kwJSON struct {
		ID   int64  `json:"id"`
		Text string `json:"text"`
	}
	out := make([]kwJSON, 0, len(kws))
	for _, k := range kws {
		out = append(out, kwJSON{k.ID, k.Text})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddKeyword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Text == "" {
		writeErr(w, http.StatusBadRequest, "text is required")
		return
	}
	k, err := s.deps.Store.AddKeyword(r.Context(), req.Text)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": k.ID, "text": k.Text})
}

func (s *Server) handleRenameKeyword(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad keyword id")
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Text == "" {
		writeErr(w, http.StatusBadRequest, "text is required")
		return
	}
	if err := s.deps.Store.UpdateKeyword(r.Context(), id, req.Text); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "no such keyword")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "updated"})
}

func (s *Server) handleDeleteKeyword(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad keyword id")
		return
	}
	if err := s.deps.Store.DeleteKeyword(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "no such keyword")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "deleted"})
}

func (s *Server) assignArgs(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	gid, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad group id")
		return 0, 0, false
	}
	kid, err := strconv.ParseInt(chi.URLParam(r, "kid"), 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad keyword id")
		return 0, 0, false
	}
	return gid, kid, true
}

func (s *Server) handleAssignKeyword(w http.ResponseWriter, r *http.Request) {
	gid, kid, ok := s.assignArgs(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.AssignKeyword(r.Context(), gid, kid); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "assigned"})
}

func (s *Server) handleUnassignKeyword(w http.ResponseWriter, r *http.Request) {
	gid, kid, ok := s.assignArgs(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.UnassignKeyword(r.Context(), gid, kid); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "unassigned"})
}

type notifyJSON struct {
	Type            string `json:"notification_type"`
	DingTalkWebhook string `json:"dingtalk_webhook,omitempty"`
	DingTalkSecret  string `json:"dingtalk_secret,omitempty"`
	WeComWebhook    string `json:"wecom_webhook,omitempty"`
}

func (s *Server) handleGetNotify(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Store.NotificationSettings(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	// The secret stays server-side.
	writeJSON(w, http.StatusOK, notifyJSON{
		Type:            n.Type,
		DingTalkWebhook: n.DingTalkWebhook,
		WeComWebhook:    n.WeComWebhook,
	})
}

func (s *Server) handleSaveNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyJSON
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad request body")
		return
	}
	err := s.deps.Store.SaveNotificationSettings(r.Context(), store.NotificationSettings{
		Type:            req.Type,
		DingTalkWebhook: req.DingTalkWebhook,
		DingTalkSecret:  req.DingTalkSecret,
		WeComWebhook:    req.WeComWebhook,
	})
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "saved"})
}

// handleTestNotify probes the channel with the submitted settings, or
// the stored ones when the body is empty.
func (s *Server) handleTestNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyJSON
	if err := decodeJSON(r, &req); err != nil || req.Type == "" {
		stored, serr := s.deps.Store.NotificationSettings(r.Context())
		if serr != nil {
			writeErr(w, http.StatusInternalServerError, serr.Error())
			return
		}
		req = notifyJSON{
			Type:            stored.Type,
			DingTalkWebhook: stored.DingTalkWebhook,
			DingTalkSecret:  stored.DingTalkSecret,
			WeComWebhook:    stored.WeComWebhook,
		}
	}
	result := s.deps.Tester.Test(r.Context(), notify.Settings{
		Type:            req.Type,
		DingTalkWebhook: req.DingTalkWebhook,
		DingTalkSecret:  req.DingTalkSecret,
		WeComWebhook:    req.WeComWebhook,
	})
	writeJSON(w, http.StatusOK, map[string]string{"result": result})
}

func (s *Server) handleBatchSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Links        []string `json:"links"`
		DelaySeconds int      `json:"delay_seconds"`
	}
	if err := decodeJSON(r, &req); err != nil || len(req.Links) == 0 {
		writeErr(w, http.StatusBadRequest, "links are required")
		return
	}
	id, err := s.deps.Batch.Submit(req.Links, time.Duration(req.DelaySeconds)*time.Second)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("batch join submitted",
		logx.String("task_id", id),
		logx.Int("links", len(req.Links)))
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.deps.Batch.Status(chi.URLParam(r, "id"))
	if !ok {
		writeErr(w, http.StatusNotFound, "no such task")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleBatchStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.deps.Batch.Stop(id) {
		writeErr(w, http.StatusConflict, "task already finished or unknown")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "stopping"})
}
