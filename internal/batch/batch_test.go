package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"keywatch/internal/transport"
	logx "keywatch/pkg/logx"
)

type joinFunc func(link string) (transport.GroupInfo, error)

// fakeRunner hands commands a session whose JoinGroup is scripted.
type fakeRunner struct {
	mu    sync.Mutex
	join  joinFunc
	links []string
}

func (f *fakeRunner) Do(ctx context.Context, fn func(ctx context.Context, sess transport.Session) error) error {
	return fn(ctx, &fakeJoinSession{r: f})
}

func (f *fakeRunner) record(link string) joinFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links = append(f.links, link)
	return f.join
}

func (f *fakeRunner) joined() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.links...)
}

type fakeJoinSession struct {
	transport.Session
	r *fakeRunner
}

func (s *fakeJoinSession) JoinGroup(_ context.Context, link string) (transport.GroupInfo, error) {
	join := s.r.record(link)
	if join == nil {
		return transport.GroupInfo{Identifier: link, Title: "t:" + link}, nil
	}
	return join(link)
}

func newTestService(t *testing.T, runner Runner) (*Service, *[]time.Duration) {
	t.Helper()
	s := New(runner, logx.Nop())

	var mu sync.Mutex
	var pauses []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		pauses = append(pauses, d)
		mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = s.Shutdown(sctx)
	})
	return s, &pauses
}

func waitTerminal(t *testing.T, s *Service, id string) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := s.Status(id)
		if !ok {
			t.Fatalf("task %s vanished", id)
		}
		switch snap.Status {
		case StatusCompleted, StatusStopped, StatusError:
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("task never reached a terminal state")
	return Snapshot{}
}

func hasEntry(log []string, substr string) bool {
	for _, l := range log {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func TestSubmitCoercesUnsafeDelay(t *testing.T) {
	runner := &fakeRunner{}
	s, pauses := newTestService(t, runner)

	id, err := s.Submit([]string{"https://t.me/a", "https://t.me/b"}, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	snap := waitTerminal(t, s, id)

	if snap.Status != StatusCompleted {
		t.Fatalf("status = %s", snap.Status)
	}
	if !hasEntry(snap.Log, "forcing 20s") {
		t.Fatalf("no coercion warning in %v", snap.Log)
	}
	if len(*pauses) != 1 || (*pauses)[0] != 20*time.Second {
		t.Fatalf("pauses = %v, want one 20s pause", *pauses)
	}
}

func TestNoPauseAfterLastLink(t *testing.T) {
	runner := &fakeRunner{}
	s, pauses := newTestService(t, runner)

	id, _ := s.Submit([]string{"a", "b", "c"}, 30*time.Second)
	waitTerminal(t, s, id)

	if len(*pauses) != 2 {
		t.Fatalf("paused %d times for 3 links, want 2", len(*pauses))
	}
}

func TestStopHaltsBeforeNextAttempt(t *testing.T) {
	runner := &fakeRunner{}
	s, _ := newTestService(t, runner)

	var id string
	var once sync.Once
	runner.join = func(link string) (transport.GroupInfo, error) {
		// First join stops the task mid-flight; the attempt itself
		// still finishes.
		once.Do(func() { s.Stop(id) })
		return transport.GroupInfo{Title: link}, nil
	}

	var err error
	id, err = s.Submit([]string{"a", "b", "c"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	snap := waitTerminal(t, s, id)

	if snap.Status != StatusStopped {
		t.Fatalf("status = %s, want stopped", snap.Status)
	}
	if got := runner.joined(); len(got) != 1 {
		t.Fatalf("attempted %v, want only the first link", got)
	}
	if !hasEntry(snap.Log, "task halted") {
		t.Fatalf("log = %v", snap.Log)
	}
}

func TestStopAcceptedWhileStillPending(t *testing.T) {
	runner := &fakeRunner{}
	s, _ := newTestService(t, runner)

	tk := &task{id: "t-pending", status: StatusPending, total: 1}
	s.mu.Lock()
	s.tasks[tk.id] = tk
	s.mu.Unlock()

	if !s.Stop(tk.id) {
		t.Fatal("stop rejected for a pending task")
	}

	s.run(context.Background(), tk, []string{"a"}, time.Minute)

	snap, ok := s.Status(tk.id)
	if !ok || snap.Status != StatusStopped {
		t.Fatalf("status = %s, want stopped", snap.Status)
	}
	if got := runner.joined(); len(got) != 0 {
		t.Fatalf("attempted %v, want no joins at all", got)
	}
	if !hasEntry(snap.Log, "task halted") {
		t.Fatalf("log = %v", snap.Log)
	}
}

func TestQuotaErrorAbortsRemaining(t *testing.T) {
	runner := &fakeRunner{}
	runner.join = func(link string) (transport.GroupInfo, error) {
		if link == "b" {
			return transport.GroupInfo{}, fmt.Errorf("join: %w", transport.ErrQuotaExceeded)
		}
		return transport.GroupInfo{Title: link}, nil
	}
	s, _ := newTestService(t, runner)

	id, _ := s.Submit([]string{"a", "b", "c"}, time.Minute)
	snap := waitTerminal(t, s, id)

	if snap.Status != StatusError {
		t.Fatalf("status = %s, want error", snap.Status)
	}
	if snap.Current != 2 {
		t.Fatalf("current = %d, want 2", snap.Current)
	}
	if got := runner.joined(); len(got) != 2 {
		t.Fatalf("attempted %v, c must be skipped", got)
	}
}

func TestSkippableFailuresContinue(t *testing.T) {
	runner := &fakeRunner{}
	runner.join = func(link string) (transport.GroupInfo, error) {
		switch link {
		case "private":
			return transport.GroupInfo{}, transport.ErrGroupPrivate
		case "member":
			return transport.GroupInfo{}, transport.ErrAlreadyMember
		case "ghost":
			return transport.GroupInfo{}, transport.ErrGroupNotFound
		}
		return transport.GroupInfo{Title: link}, nil
	}
	s, _ := newTestService(t, runner)

	id, _ := s.Submit([]string{"private", "member", "ghost", "ok"}, time.Minute)
	snap := waitTerminal(t, s, id)

	if snap.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", snap.Status)
	}
	if !hasEntry(snap.Log, "private") || !hasEntry(snap.Log, "already a member") ||
		!hasEntry(snap.Log, "not found") || !hasEntry(snap.Log, "[SUCCESS] joined group: ok") {
		t.Fatalf("log = %v", snap.Log)
	}
}

func TestLargeBatchWarns(t *testing.T) {
	runner := &fakeRunner{}
	s, _ := newTestService(t, runner)

	links := make([]string, 21)
	for i := range links {
		links[i] = fmt.Sprintf("g%d", i)
	}
	id, _ := s.Submit(links, time.Minute)
	snap := waitTerminal(t, s, id)

	if !hasEntry(snap.Log, "at risk") {
		t.Fatalf("no risk warning for %d links", len(links))
	}
}

func TestSubmitValidation(t *testing.T) {
	s, _ := newTestService(t, &fakeRunner{})
	if _, err := s.Submit(nil, time.Minute); err == nil {
		t.Fatal("empty link list must be rejected")
	}

	unstarted := New(&fakeRunner{}, logx.Nop())
	if _, err := unstarted.Submit([]string{"a"}, time.Minute); err == nil {
		t.Fatal("submit before Start must fail")
	}
}
