// Package retention prunes old matched messages on a schedule.
package retention

import (
	"context"
	"fmt"
	"time"

	"keywatch/internal/store"
	logx "keywatch/pkg/logx"

	"github.com/robfig/cron/v3"
)

type Config struct {
	Schedule string        // cron spec or descriptor like @daily
	MaxAge   time.Duration // rows older than this are removed
}

// Service runs the prune job under a cron scheduler.
type Service struct {
	cfg Config
	st  *store.Store
	log logx.Logger

	c       *cron.Cron
	baseCtx context.Context
}

func New(cfg Config, st *store.Store, log logx.Logger) (*Service, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@daily"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	s := &Service{cfg: cfg, st: st, log: log}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", cfg.Schedule, err)
	}
	s.c = cron.New(cron.WithParser(parser))
	if _, err := s.c.AddFunc(cfg.Schedule, s.prune); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) Start(ctx context.Context) {
	s.baseCtx = ctx
	s.c.Start()
	s.log.Info("retention scheduled",
		logx.String("schedule", s.cfg.Schedule),
		logx.Duration("max_age", s.cfg.MaxAge))
}

// Stop halts the scheduler, waiting for a running prune to finish.
func (s *Service) Stop(ctx context.Context) error {
	done := s.c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) prune() {
	base := s.baseCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.cfg.MaxAge)
	n, err := s.st.PruneMatches(ctx, cutoff)
	if err != nil {
		s.log.Error("match prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("old matches pruned",
			logx.Int64("removed", n),
			logx.Time("cutoff", cutoff))
	}
}
