// Package ocr extracts text from chat images off the message hot path.
//
// Jobs carry a snapshot of the group's matcher taken at submit time, so
// a keyword change mid-flight never affects an already queued image.
package ocr

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"keywatch/internal/matcher"
	rtsup "keywatch/internal/runtime/supervisor"
	"keywatch/internal/transport"
	logx "keywatch/pkg/logx"
)

// Downloader fetches a photo to local disk. Safe from any goroutine.
type Downloader interface {
	DownloadPhoto(ctx context.Context, ref transport.PhotoRef, dir string) (string, error)
}

// Extractor turns an image file into text.
type Extractor interface {
	ExtractText(ctx context.Context, path string) (string, error)
}

// Job is one image to process.
type Job struct {
	Photo        transport.PhotoRef
	Matcher      *matcher.Matcher
	GroupName    string
	Sender       string
	OriginalText string
}

// Sink receives the extracted text of a job. Never called for empty or
// failed extractions.
type Sink func(ctx context.Context, job Job, text string)

type Config struct {
	Workers int
	Queue   int
	TempDir string
}

// Pool runs a small fixed set of extraction workers. Submit never
// blocks; images beyond queue capacity are dropped.
type Pool struct {
	cfg  Config
	dl   Downloader
	ex   Extractor
	sink Sink
	log  logx.Logger

	queue   chan Job
	sup     *rtsup.Supervisor
	dropped atomic.Uint64
}

func NewPool(cfg Config, dl Downloader, ex Extractor, sink Sink, log logx.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 32
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:   cfg,
		dl:    dl,
		ex:    ex,
		sink:  sink,
		log:   log,
		queue: make(chan Job, cfg.Queue),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.sup = rtsup.New(ctx,
		rtsup.WithLogger(p.log),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < p.cfg.Workers; i++ {
		p.sup.Go(fmt.Sprintf("ocr.worker.%d", i), p.worker)
	}
}

// Stop waits for in-flight jobs to finish or ctx to end. Queued but
// unstarted jobs are abandoned.
func (p *Pool) Stop(ctx context.Context) error {
	if p.sup == nil {
		return nil
	}
	p.sup.Cancel()
	return p.sup.Wait(ctx)
}

// Submit enqueues a job. Reports false when the queue is full.
func (p *Pool) Submit(job Job) bool {
	select {
	case p.queue <- job:
		return true
	default:
		n := p.dropped.Add(1)
		p.log.Warn("image dropped, queue full",
			logx.String("group", job.GroupName),
			logx.Uint64("dropped_total", n))
		return false
	}
}

func (p *Pool) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-p.queue:
			p.process(ctx, job)
		}
	}
}

func (p *Pool) process(ctx context.Context, job Job) {
	path, err := p.dl.DownloadPhoto(ctx, job.Photo, p.cfg.TempDir)
	if err != nil {
		p.log.Warn("photo download failed",
			logx.String("group", job.GroupName), logx.Err(err))
		return
	}
	defer os.Remove(path)

	text, err := p.ex.ExtractText(ctx, path)
	if err != nil {
		p.log.Warn("text extraction failed",
			logx.String("group", job.GroupName), logx.Err(err))
		return
	}
	if strings.TrimSpace(text) == "" {
		p.log.Debug("image carried no text", logx.String("group", job.GroupName))
		return
	}
	p.sink(ctx, job, text)
}
