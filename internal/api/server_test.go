package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"keywatch/internal/batch"
	"keywatch/internal/feed"
	"keywatch/internal/matcher"
	"keywatch/internal/monitor"
	"keywatch/internal/notify"
	"keywatch/internal/store"
	"keywatch/internal/transport"
	logx "keywatch/pkg/logx"
)

type fakeConn struct {
	state monitor.State
	sess  transport.Session
}

func (f *fakeConn) State() monitor.State { return f.state }

func (f *fakeConn) Do(ctx context.Context, fn func(ctx context.Context, sess transport.Session) error) error {
	return fn(ctx, f.sess)
}

type fakeResolveSession struct {
	transport.Session
	resolve func(identifier string) (transport.GroupInfo, error)
	join    func(link string) (transport.GroupInfo, error)
}

func (s *fakeResolveSession) ResolveGroup(_ context.Context, identifier string) (transport.GroupInfo, error) {
	if s.resolve == nil {
		return transport.GroupInfo{Identifier: identifier, Title: "resolved"}, nil
	}
	return s.resolve(identifier)
}

func (s *fakeResolveSession) JoinGroup(_ context.Context, link string) (transport.GroupInfo, error) {
	if s.join == nil {
		return transport.GroupInfo{Identifier: link, Title: link}, nil
	}
	return s.join(link)
}

type fakeTester struct {
	got notify.Settings
}

func (f *fakeTester) Test(_ context.Context, st notify.Settings) string {
	f.got = st
	return "test message sent"
}

type testEnv struct {
	srv    *httptest.Server
	store  *store.Store
	tester *fakeTester
	bus    *feed.Bus
	batch  *batch.Service
}

func newEnv(t *testing.T, sess transport.Session) *testEnv {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "api.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	conn := &fakeConn{state: monitor.StateReady, sess: sess}
	b := batch.New(conn, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	t.Cleanup(cancel)

	tester := &fakeTester{}
	bus := feed.NewBus()
	s := New(Config{}, Deps{
		Store:  st,
		Conn:   conn,
		Batch:  b,
		Tester: tester,
		Feed:   bus,
		Cache:  matcher.NewCache(),
		Log:    logx.Nop(),
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st, tester: tester, bus: bus, batch: b}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestStatusEndpoint(t *testing.T) {
	e := newEnv(t, &fakeResolveSession{})
	resp, body := e.do(t, http.MethodGet, "/api/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got["connection"] != "ready" {
		t.Fatalf("connection = %v", got["connection"])
	}
}

func TestAddGroupResolvesFirst(t *testing.T) {
	sess := &fakeResolveSession{
		resolve: func(identifier string) (transport.GroupInfo, error) {
			if identifier == "ghost" {
				return transport.GroupInfo{}, transport.ErrGroupNotFound
			}
			return transport.GroupInfo{Identifier: "12345", Title: "Deals"}, nil
		},
	}
	e := newEnv(t, sess)

	resp, body := e.do(t, http.MethodPost, "/api/groups", map[string]string{"identifier": "https://t.me/deals"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var g groupJSON
	if err := json.Unmarshal(body, &g); err != nil {
		t.Fatal(err)
	}
	if g.Identifier != "12345" || g.Name != "Deals" {
		t.Fatalf("group = %+v", g)
	}

	resp, _ = e.do(t, http.MethodPost, "/api/groups", map[string]string{"identifier": "ghost"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unresolvable group: status %d", resp.StatusCode)
	}
}

func TestKeywordLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t, &fakeResolveSession{})
	ctx := context.Background()

	g, err := e.store.UpsertGroup(ctx, "123", "G", "")
	if err != nil {
		t.Fatal(err)
	}

	resp, body := e.do(t, http.MethodPost, "/api/keywords", map[string]string{"text": "urgent"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add keyword: %d %s", resp.StatusCode, body)
	}
	var kw struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &kw); err != nil {
		t.Fatal(err)
	}

	path := fmt.Sprintf("/api/groups/%d/keywords/%d", g.ID, kw.ID)
	if resp, _ := e.do(t, http.MethodPost, path, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("assign: %d", resp.StatusCode)
	}
	if kws, _ := e.store.GroupKeywords(ctx, g.ID); len(kws) != 1 || kws[0] != "urgent" {
		t.Fatalf("keywords = %v", kws)
	}

	if resp, _ := e.do(t, http.MethodPut, fmt.Sprintf("/api/keywords/%d", kw.ID), map[string]string{"text": "scam"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("rename: %d", resp.StatusCode)
	}
	if resp, _ := e.do(t, http.MethodDelete, fmt.Sprintf("/api/keywords/%d", kw.ID), nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	if resp, _ := e.do(t, http.MethodDelete, fmt.Sprintf("/api/keywords/%d", kw.ID), nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("double delete: %d", resp.StatusCode)
	}
}

func TestNotifyTestUsesSubmittedSettings(t *testing.T) {
	e := newEnv(t, &fakeResolveSession{})

	resp, body := e.do(t, http.MethodPost, "/api/notify/test", notifyJSON{
		Type:         "wecom",
		WeComWebhook: "https://qyapi.weixin.qq.com/x",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	if e.tester.got.Type != "wecom" {
		t.Fatalf("tester saw %+v", e.tester.got)
	}
}

func TestNotifyTestFallsBackToStored(t *testing.T) {
	e := newEnv(t, &fakeResolveSession{})
	err := e.store.SaveNotificationSettings(context.Background(), store.NotificationSettings{
		Type:            store.NotifyDingTalk,
		DingTalkWebhook: "https://oapi.dingtalk.com/robot/send?access_token=x",
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, _ := e.do(t, http.MethodPost, "/api/notify/test", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if e.tester.got.Type != "dingtalk" {
		t.Fatalf("tester saw %+v, want stored settings", e.tester.got)
	}
}

func TestBatchJoinFlow(t *testing.T) {
	e := newEnv(t, &fakeResolveSession{})

	resp, body := e.do(t, http.MethodPost, "/api/batch-join", map[string]any{
		"links":         []string{"https://t.me/a"},
		"delay_seconds": 25,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: %d %s", resp.StatusCode, body)
	}
	var submitted struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(body, &submitted); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, body = e.do(t, http.MethodGet, "/api/batch-join/"+submitted.TaskID, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status: %d", resp.StatusCode)
		}
		var snap batch.Snapshot
		if err := json.Unmarshal(body, &snap); err != nil {
			t.Fatal(err)
		}
		if snap.Status == batch.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task stuck in %s", snap.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if resp, _ := e.do(t, http.MethodGet, "/api/batch-join/nope", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown task: %d", resp.StatusCode)
	}
	if resp, _ := e.do(t, http.MethodPost, "/api/batch-join/"+submitted.TaskID+"/stop", nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("stop of finished task: %d", resp.StatusCode)
	}
}

func TestFeedStreamsEvents(t *testing.T) {
	e := newEnv(t, &fakeResolveSession{})

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/api/feed", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	// Give the subscription a moment to land before publishing.
	time.Sleep(50 * time.Millisecond)
	e.bus.Publish(feed.Event{GroupName: "Deals", Keyword: "urgent", Content: "hit"})

	r := bufio.NewReader(resp.Body)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			var got feed.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &got); err != nil {
				t.Fatal(err)
			}
			if got.Keyword != "urgent" {
				t.Fatalf("event = %+v", got)
			}
			return
		}
	}
	t.Fatal("no event arrived on the stream")
}
