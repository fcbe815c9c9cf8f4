package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	logx "keywatch/pkg/logx"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func okResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{},
	}
}

func TestSignDingTalk_KnownVector(t *testing.T) {
	got := signDingTalk("abc", 1700000000000)
	want := "op8PfVzJL3l7ytCWjPLUMemWOtOBySrLOe22d7A7me4%3D"
	if got != want {
		t.Fatalf("sign = %q, want %q", got, want)
	}
}

func TestDingTalkRequest_SignedURLAndPayload(t *testing.T) {
	st := Settings{
		Type:            "dingtalk",
		DingTalkWebhook: "https://oapi.dingtalk.com/robot/send?access_token=tok",
		DingTalkSecret:  "abc",
	}
	d := New(Config{}, logx.Nop())

	var gotURL string
	var gotBody []byte
	d.SetTransport(roundTripFunc(func(r *http.Request) (*http.Response, error) {
		gotURL = r.URL.String()
		gotBody, _ = io.ReadAll(r.Body)
		if ct := r.Header.Get("Content-Type"); ct != "application/json;charset=utf-8" {
			t.Errorf("content type = %q", ct)
		}
		return okResponse(`{"errcode":0,"errmsg":"ok"}`), nil
	}))

	err := d.Send(context.Background(), st, Message{Title: "t", Body: "b"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(gotURL, "access_token=tok") ||
		!strings.Contains(gotURL, "&timestamp=") ||
		!strings.Contains(gotURL, "&sign=") {
		t.Fatalf("url missing signature params: %s", gotURL)
	}

	var payload struct {
		MsgType  string `json:"msgtype"`
		Markdown struct {
			Title string `json:"title"`
			Text  string `json:"text"`
		} `json:"markdown"`
	}
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.MsgType != "markdown" || payload.Markdown.Title != "t" || payload.Markdown.Text != "b" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestWeComRequest_Payload(t *testing.T) {
	st := Settings{
		Type:         "wecom",
		WeComWebhook: "https://qyapi.weixin.qq.com/cgi-bin/webhook/send?key=k",
	}
	d := New(Config{}, logx.Nop())

	var gotBody []byte
	d.SetTransport(roundTripFunc(func(r *http.Request) (*http.Response, error) {
		gotBody, _ = io.ReadAll(r.Body)
		return okResponse(`{"errcode":0}`), nil
	}))

	if err := d.Send(context.Background(), st, Message{Title: "Alert", Body: "hit"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	var payload struct {
		MsgType  string `json:"msgtype"`
		Markdown struct {
			Content string `json:"content"`
		} `json:"markdown"`
	}
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.MsgType != "markdown" || payload.Markdown.Content != "### Alert\nhit" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestSend_RefusesForeignHosts(t *testing.T) {
	d := New(Config{}, logx.Nop())
	d.SetTransport(roundTripFunc(func(r *http.Request) (*http.Response, error) {
		t.Fatal("no request may leave the process for a disallowed host")
		return nil, nil
	}))

	cases := []Settings{
		{Type: "dingtalk", DingTalkWebhook: "https://evil.example.com/robot/send?access_token=x"},
		{Type: "wecom", WeComWebhook: "https://oapi.dingtalk.com/cgi-bin/webhook/send?key=x"},
		{Type: "dingtalk", DingTalkWebhook: "ftp://oapi.dingtalk.com/robot/send"},
	}
	for _, st := range cases {
		if err := d.Send(context.Background(), st, Message{Title: "t", Body: "b"}); !errors.Is(err, ErrUnsafeURL) {
			t.Fatalf("settings %+v: err = %v, want ErrUnsafeURL", st, err)
		}
	}
}

func TestSend_ErrcodeRejection(t *testing.T) {
	st := Settings{
		Type:            "dingtalk",
		DingTalkWebhook: "https://oapi.dingtalk.com/robot/send?access_token=tok",
	}
	d := New(Config{}, logx.Nop())
	d.SetTransport(roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return okResponse(`{"errcode":310000,"errmsg":"sign not match"}`), nil
	}))

	err := d.Send(context.Background(), st, Message{Title: "t", Body: "b"})
	if err == nil || !strings.Contains(err.Error(), "sign not match") {
		t.Fatalf("err = %v, want errcode rejection", err)
	}
}

func TestSend_NoneTypeIsNoop(t *testing.T) {
	d := New(Config{}, logx.Nop())
	d.SetTransport(roundTripFunc(func(r *http.Request) (*http.Response, error) {
		t.Fatal("type none must not send")
		return nil, nil
	}))
	if err := d.Send(context.Background(), Settings{Type: "none"}, Message{}); err != nil {
		t.Fatalf("err = %v", err)
	}
}

func TestTest_HumanReadableResults(t *testing.T) {
	d := New(Config{}, logx.Nop())
	d.SetTransport(roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return okResponse(`{"errcode":0}`), nil
	}))

	if got := d.Test(context.Background(), Settings{Type: "none"}); !strings.Contains(got, "no notification channel") {
		t.Fatalf("got %q", got)
	}
	if got := d.Test(context.Background(), Settings{Type: "dingtalk"}); !strings.Contains(got, "failed") {
		t.Fatalf("unconfigured webhook: got %q", got)
	}
	ok := d.Test(context.Background(), Settings{
		Type:         "wecom",
		WeComWebhook: "https://qyapi.weixin.qq.com/cgi-bin/webhook/send?key=k",
	})
	if !strings.Contains(ok, "sent") {
		t.Fatalf("got %q", ok)
	}
}

func TestBuildMessage(t *testing.T) {
	m := BuildMessage(Alert{GroupName: "g", Keyword: "k", Content: "c"})
	if m.Title != "Keyword 'k' triggered" {
		t.Fatalf("title = %q", m.Title)
	}
	if !strings.Contains(m.Body, "> **Sender**: N/A") {
		t.Fatalf("empty sender must render as N/A: %q", m.Body)
	}

	img := BuildMessage(Alert{GroupName: "g", Sender: "alice", Keyword: "k", Content: "c", IsImage: true})
	if !strings.Contains(img.Body, "image text") || !strings.Contains(img.Body, "> **Sender**: alice") {
		t.Fatalf("body = %q", img.Body)
	}
}
