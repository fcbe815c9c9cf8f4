package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func waitAll(t *testing.T, s *Supervisor) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.Wait(ctx)
}

func TestGoRestartRetriesUntilCleanExit(t *testing.T) {
	s := New(context.Background())

	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	if err := waitAll(t, s); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
	if s.Err() != nil {
		t.Fatalf("restart failures should not surface by default, got %v", s.Err())
	}
}

func TestGoRestartRecoversPanic(t *testing.T) {
	s := New(context.Background())

	var runs atomic.Int32
	s.GoRestart("panicky", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	if err := waitAll(t, s); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2", got)
	}
}

func TestGoRestartStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx)

	started := make(chan struct{}, 1)
	s.GoRestart("always-failing", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		return errors.New("still broken")
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	<-started
	cancel()

	if err := waitAll(t, s); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestGoRestartPublishFirstError(t *testing.T) {
	s := New(context.Background())

	var runs atomic.Int32
	s.GoRestart("reporting", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("first failure")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	err := waitAll(t, s)
	if err == nil {
		t.Fatal("expected the first error to surface through Wait")
	}
	if !strings.Contains(err.Error(), "first failure") {
		t.Fatalf("err = %v", err)
	}
}
