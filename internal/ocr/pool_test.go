package ocr

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"keywatch/internal/transport"
	logx "keywatch/pkg/logx"
)

type fakeDownloader struct {
	dir string
	err error
}

func (f *fakeDownloader) DownloadPhoto(_ context.Context, ref transport.PhotoRef, dir string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	path := filepath.Join(f.dir, ref.FileID+".jpg")
	if err := os.WriteFile(path, []byte("img"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

type fakeExtractor struct {
	text string
	err  error
}

func (f *fakeExtractor) ExtractText(context.Context, string) (string, error) {
	return f.text, f.err
}

func runPool(t *testing.T, dl Downloader, ex Extractor, sink Sink) *Pool {
	t.Helper()
	p := NewPool(Config{Workers: 1, Queue: 4}, dl, ex, sink, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = p.Stop(sctx)
	})
	return p
}

func TestPoolExtractsAndCleansUp(t *testing.T) {
	dl := &fakeDownloader{dir: t.TempDir()}
	done := make(chan struct{})

	var gotText string
	var gotJob Job
	p := runPool(t, dl, &fakeExtractor{text: "found words"}, func(_ context.Context, j Job, text string) {
		gotJob = j
		gotText = text
		close(done)
	})

	if !p.Submit(Job{Photo: transport.PhotoRef{FileID: "p1"}, GroupName: "g"}) {
		t.Fatal("submit refused")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never called")
	}
	if gotText != "found words" || gotJob.GroupName != "g" {
		t.Fatalf("sink got (%q, %+v)", gotText, gotJob)
	}

	// The downloaded file must be gone once processing finished.
	path := filepath.Join(dl.dir, "p1.jpg")
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("temp file survived processing")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPoolSilentOnEmptyOrFailedExtraction(t *testing.T) {
	cases := []struct {
		name string
		dl   Downloader
		ex   Extractor
	}{
		{"empty text", &fakeDownloader{}, &fakeExtractor{text: "  \n "}},
		{"extract error", &fakeDownloader{}, &fakeExtractor{err: errors.New("boom")}},
		{"download error", &fakeDownloader{err: errors.New("offline")}, &fakeExtractor{text: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if d, ok := tc.dl.(*fakeDownloader); ok && d.dir == "" {
				d.dir = t.TempDir()
			}
			called := make(chan struct{}, 1)
			p := runPool(t, tc.dl, tc.ex, func(context.Context, Job, string) {
				called <- struct{}{}
			})
			p.Submit(Job{Photo: transport.PhotoRef{FileID: "p"}})
			select {
			case <-called:
				t.Fatal("sink called for a silent outcome")
			case <-time.After(100 * time.Millisecond):
			}
		})
	}
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	// No workers started: the queue fills up and stays full.
	p := NewPool(Config{Workers: 1, Queue: 1}, &fakeDownloader{dir: t.TempDir()}, &fakeExtractor{}, func(context.Context, Job, string) {}, logx.Nop())

	if !p.Submit(Job{}) {
		t.Fatal("first submit must fit")
	}
	if p.Submit(Job{}) {
		t.Fatal("second submit must be dropped")
	}
}
