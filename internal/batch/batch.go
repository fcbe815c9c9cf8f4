// Package batch runs sequential group-join campaigns with a paced delay
// between attempts, tracked as in-memory tasks the operator can poll
// and stop.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	rtsup "keywatch/internal/runtime/supervisor"
	"keywatch/internal/transport"
	logx "keywatch/pkg/logx"

	"github.com/google/uuid"
)

// minDelay is the floor between join attempts. Faster pacing risks the
// account being flagged upstream.
const minDelay = 20 * time.Second

// riskThreshold is the batch size above which a warning lands in the log.
const riskThreshold = 20

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusError     Status = "error"
)

// Runner executes a function against the live chat session.
type Runner interface {
	Do(ctx context.Context, fn func(ctx context.Context, sess transport.Session) error) error
}

// Snapshot is the operator-visible view of a task.
type Snapshot struct {
	ID      string   `json:"task_id"`
	Status  Status   `json:"status"`
	Current int      `json:"current"`
	Total   int      `json:"total"`
	Log     []string `json:"log"`
}

type task struct {
	id      string
	status  Status
	current int
	total   int
	log     []string
	stop    bool
}

// Service owns the task table. One goroutine per campaign.
type Service struct {
	runner Runner
	log    logx.Logger

	mu    sync.Mutex
	tasks map[string]*task
	sup   *rtsup.Supervisor

	// overridable in tests
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

func New(runner Runner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		runner: runner,
		log:    log,
		tasks:  map[string]*task{},
		sleep:  sleepCtx,
		newID:  uuid.NewString,
	}
}

// Start binds campaign goroutines to ctx. Must be called before Submit.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup == nil {
		s.sup = rtsup.New(ctx,
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(false),
		)
	}
}

// Shutdown waits for running campaigns to notice cancellation.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	return sup.Wait(ctx)
}

// Submit starts a campaign over links and returns its task id.
func (s *Service) Submit(links []string, delay time.Duration) (string, error) {
	if len(links) == 0 {
		return "", errors.New("batch: no links given")
	}
	if delay <= 0 {
		delay = 60 * time.Second
	}

	t := &task{
		id:     s.newID(),
		status: StatusPending,
		total:  len(links),
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return "", errors.New("batch: service not started")
	}
	s.tasks[t.id] = t
	sup := s.sup
	s.mu.Unlock()

	sup.Go0("batch.task."+t.id, func(ctx context.Context) {
		s.run(ctx, t, links, delay)
	})
	return t.id, nil
}

// Status returns a copy of the task state.
func (s *Service) Status(id string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		ID:      t.id,
		Status:  t.status,
		Current: t.current,
		Total:   t.total,
		Log:     append([]string(nil), t.log...),
	}, true
}

// Stop requests a pending or running task to halt before its next attempt.
func (s *Service) Stop(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || (t.status != StatusPending && t.status != StatusRunning) {
		return false
	}
	t.stop = true
	t.log = append(t.log, "[INFO] stop requested, halting after the current attempt")
	return true
}

func (s *Service) run(ctx context.Context, t *task, links []string, delay time.Duration) {
	s.update(t, func(t *task) {
		t.status = StatusRunning
		t.log = append(t.log, fmt.Sprintf("[INFO] task started, %d group links", len(links)))
		if len(links) > riskThreshold {
			t.log = append(t.log, fmt.Sprintf("[WARN] %d groups in one batch exceeds %d; mass joins may put the account at risk", len(links), riskThreshold))
		}
		if delay < minDelay {
			t.log = append(t.log, fmt.Sprintf("[WARN] delay below the safe threshold, forcing %s", minDelay))
			delay = minDelay
		}
	})

	for i, link := range links {
		if s.stopRequested(t) {
			s.update(t, func(t *task) {
				t.status = StatusStopped
				t.log = append(t.log, "[INFO] stop signal seen, task halted")
			})
			return
		}
		s.update(t, func(t *task) {
			t.current = i + 1
			t.log = append(t.log, fmt.Sprintf("[ATTEMPT] (%d/%d) joining: %s", i+1, len(links), link))
		})

		var info transport.GroupInfo
		err := s.runner.Do(ctx, func(ctx context.Context, sess transport.Session) error {
			g, err := sess.JoinGroup(ctx, link)
			info = g
			return err
		})

		abort := false
		s.update(t, func(t *task) {
			switch {
			case err == nil:
				name := info.Title
				if name == "" {
					name = link
				}
				t.log = append(t.log, fmt.Sprintf("[SUCCESS] joined group: %s", name))
			case errors.Is(err, transport.ErrQuotaExceeded):
				t.log = append(t.log, "[ERROR] join failed: too many joined groups, task halted")
				t.status = StatusError
				abort = true
			case errors.Is(err, transport.ErrAlreadyMember):
				t.log = append(t.log, "[INFO] already a member of this group, skipping")
			case errors.Is(err, transport.ErrGroupPrivate):
				t.log = append(t.log, "[ERROR] join failed: group is private or the account is banned from it")
			case errors.Is(err, transport.ErrGroupNotFound):
				t.log = append(t.log, fmt.Sprintf("[ERROR] group not found for %q, check the link", link))
			default:
				t.log = append(t.log, fmt.Sprintf("[ERROR] unexpected failure: %v", err))
			}
		})
		if abort {
			return
		}

		if i < len(links)-1 {
			s.update(t, func(t *task) {
				t.log = append(t.log, fmt.Sprintf("[WAIT] pausing for %s", delay))
			})
			if err := s.sleep(ctx, delay); err != nil {
				s.update(t, func(t *task) {
					t.status = StatusStopped
					t.log = append(t.log, "[INFO] shutdown during pause, task halted")
				})
				return
			}
		}
	}

	s.update(t, func(t *task) {
		if t.status == StatusRunning {
			t.status = StatusCompleted
			t.log = append(t.log, "[INFO] all links processed, task complete")
		}
	})
}

func (s *Service) update(t *task, fn func(*task)) {
	s.mu.Lock()
	fn(t)
	s.mu.Unlock()
}

func (s *Service) stopRequested(t *task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.stop
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
