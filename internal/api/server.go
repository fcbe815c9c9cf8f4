// Package api exposes the operator HTTP surface: runtime status, group
// and keyword management, batch-join control, notification settings and
// the live match feed.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"keywatch/internal/batch"
	"keywatch/internal/feed"
	"keywatch/internal/matcher"
	"keywatch/internal/monitor"
	"keywatch/internal/notify"
	"keywatch/internal/store"
	"keywatch/internal/transport"
	logx "keywatch/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Conn is the slice of the connection supervisor the API needs.
type Conn interface {
	State() monitor.State
	Do(ctx context.Context, fn func(ctx context.Context, sess transport.Session) error) error
}

// Tester probes a notification channel.
type Tester interface {
	Test(ctx context.Context, st notify.Settings) string
}

type Config struct {
	Addr string
}

type Deps struct {
	Store  *store.Store
	Conn   Conn
	Batch  *batch.Service
	Tester Tester
	Feed   *feed.Bus
	Cache  *matcher.Cache
	Log    logx.Logger
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	srv  *http.Server
}

func New(cfg Config, deps Deps) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8480"
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, deps: deps, log: log}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route table. Exported for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/matches", s.handleMatches)
		r.Get("/feed", s.handleFeed)

		r.Get("/groups", s.handleListGroups)
		r.Post("/groups", s.handleAddGroup)
		r.Delete("/groups/{id}", s.handleDeleteGroup)
		r.Post("/groups/{id}/keywords/{kid}", s.handleAssignKeyword)
		r.Delete("/groups/{id}/keywords/{kid}", s.handleUnassignKeyword)

		r.Get("/keywords", s.handleListKeywords)
		r.Post("/keywords", s.handleAddKeyword)
		r.Put("/keywords/{id}", s.handleRenameKeyword)
		r.Delete("/keywords/{id}", s.handleDeleteKeyword)

		r.Get("/notify", s.handleGetNotify)
		r.Put("/notify", s.handleSaveNotify)
		r.Post("/notify/test", s.handleTestNotify)

		r.Post("/batch-join", s.handleBatchSubmit)
		r.Get("/batch-join/{id}", s.handleBatchStatus)
		r.Post("/batch-join/{id}/stop", s.handleBatchStop)
	})
	return r
}

// Run serves until ctx ends, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()
	s.log.Info("api listening", logx.String("addr", s.cfg.Addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(sctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
