package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"keywatch/internal/api"
	"keywatch/internal/batch"
	"keywatch/internal/config"
	"keywatch/internal/feed"
	"keywatch/internal/matcher"
	"keywatch/internal/monitor"
	"keywatch/internal/notify"
	"keywatch/internal/ocr"
	"keywatch/internal/retention"
	rtsup "keywatch/internal/runtime/supervisor"
	"keywatch/internal/store"
	"keywatch/internal/transport/telegram"
	logx "keywatch/pkg/logx"
)

// readyTimeout bounds the first connect. Past it we assume the token or
// API URL is wrong and bail instead of retrying forever in the dark.
const readyTimeout = 60 * time.Second

// App wires every component together and owns their lifecycles.
type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	st    *store.Store
	cache *matcher.Cache
	bus   *feed.Bus
	disp  *notify.Dispatcher
	sess  *telegram.Session
	class *monitor.Classifier
	conn  *monitor.Conn
	pool  *ocr.Pool
	batch *batch.Service
	ret   *retention.Service
	api   *api.Server

	sup *rtsup.Supervisor
}

// New loads the config at cfgPath and constructs all components.
// Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(validateConfig)

	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logs, root := logx.New(logCfg(cfg.Logging))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, logs: logs, log: log}

	busy, _ := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	dbPath := strings.TrimSpace(cfg.Storage.Path)
	if dbPath == "" {
		dbPath = "./keywatch.db"
	}
	st, err := store.Open(store.Config{Path: dbPath, BusyTimeout: busy}, root.With(logx.String("comp", "store")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.st = st

	a.cache = matcher.NewCache()
	st.SetInvalidate(a.cache.Evict)

	a.bus = feed.NewBus()

	notifyTimeout, _ := config.ParseDurationOrDefault("notify.timeout", cfg.Notify.Timeout, 10*time.Second)
	a.disp = notify.New(notify.Config{
		RatePerSec: cfg.Notify.RatePerSec,
		Timeout:    notifyTimeout,
	}, root.With(logx.String("comp", "notify")))

	pollTimeout, _ := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	a.sess = telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		APIURL:      cfg.Telegram.APIURL,
		PollTimeout: pollTimeout,
	}, root.With(logx.String("comp", "telegram")))

	a.class = monitor.NewClassifier(st, a.cache, a.disp, a.bus, root.With(logx.String("comp", "classifier")))
	a.conn = monitor.New(a.sess, a.class.Handle, root.With(logx.String("comp", "monitor")))

	if cfg.OCR.Enabled {
		ocrTimeout, _ := config.ParseDurationOrDefault("ocr.timeout", cfg.OCR.Timeout, 30*time.Second)
		ex := ocr.Tesseract{
			Binary:    cfg.OCR.Binary,
			Languages: cfg.OCR.Languages,
			Timeout:   ocrTimeout,
		}
		a.pool = ocr.NewPool(ocr.Config{TempDir: cfg.OCR.TempDir}, a.sess, ex, a.class.HandleImageText,
			root.With(logx.String("comp", "ocr")))
		a.class.SetImageQueue(a.pool)
	}

	a.batch = batch.New(a.conn, root.With(logx.String("comp", "batch")))

	if cfg.Retention != nil && cfg.Retention.Enabled {
		maxAge, _ := config.ParseDurationOrDefault("retention.max_age", cfg.Retention.MaxAge, 30*24*time.Hour)
		ret, err := retention.New(retention.Config{
			Schedule: cfg.Retention.Schedule,
			MaxAge:   maxAge,
		}, st, root.With(logx.String("comp", "retention")))
		if err != nil {
			_ = st.Close()
			_ = logs.Close()
			return nil, err
		}
		a.ret = ret
	}

	if cfg.API != nil && cfg.API.Enabled {
		a.api = api.New(api.Config{Addr: cfg.API.Addr}, api.Deps{
			Store:  st,
			Conn:   a.conn,
			Batch:  a.batch,
			Tester: a.disp,
			Feed:   a.bus,
			Cache:  a.cache,
			Log:    root.With(logx.String("comp", "api")),
		})
	}

	return a, nil
}

// Start launches all background work. It blocks until the chat session
// reports ready once, then returns; reconnects after that are handled
// internally.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		rtsup.WithCancelOnError(true),
	)
	runCtx := a.sup.Context()

	a.batch.Start(runCtx)
	if a.pool != nil {
		a.pool.Start(runCtx)
	}
	if a.ret != nil {
		a.ret.Start(runCtx)
	}

	a.sup.Go("monitor.conn", a.conn.Run)

	wctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if err := a.conn.WaitReady(wctx); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("session not ready within %s, check telegram.token and telegram.api_url: %w", readyTimeout, err)
	}

	if a.api != nil {
		a.sup.GoRestart("api.serve", a.api.Run,
			rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}

	updates := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
			drain:
				for {
					select {
					case next, ok := <-updates:
						if !ok {
							break drain
						}
						cfg = next
					default:
						break drain
					}
				}
				if cfg == nil {
					continue
				}
				// Only logging applies live. Transport, storage and API
				// settings are read once at startup.
				a.logs.Apply(logCfg(cfg.Logging))
				a.log.Info("configuration reloaded",
					logx.String("log_level", cfg.Logging.Level))
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	a.log.Info("started",
		logx.Bool("ocr", a.pool != nil),
		logx.Bool("api", a.api != nil),
		logx.Bool("retention", a.ret != nil))
	return nil
}

// Stop shuts components down in reverse dependency order. Each step gets
// its own bounded slice of ctx so one slow component cannot eat the
// whole shutdown budget.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")

	step := func(name string, max time.Duration, fn func(ctx context.Context) error) {
		sctx := ctx
		var cancel context.CancelFunc
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
			sctx, cancel = context.WithTimeout(ctx, max)
		}
		if cancel != nil {
			defer cancel()
		}
		if err := fn(sctx); err != nil {
			a.log.Warn("shutdown step failed",
				logx.String("step", name), logx.Err(err))
		}
	}

	if a.sup != nil {
		a.sup.Cancel()
	}

	if a.ret != nil {
		step("retention", 5*time.Second, a.ret.Stop)
	}
	step("batch", 5*time.Second, a.batch.Shutdown)
	if a.pool != nil {
		step("ocr", 10*time.Second, a.pool.Stop)
	}

	if a.sup != nil {
		step("supervisor", 15*time.Second, a.sup.Wait)
		if n := a.sup.Active(); n > 0 {
			a.log.Warn("goroutines still running after shutdown",
				logx.Int64("active", n))
		}
	}

	step("store", 5*time.Second, func(context.Context) error { return a.st.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

func logCfg(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func validateConfig(_ context.Context, cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if _, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second); err != nil {
		return err
	}
	if _, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second); err != nil {
		return err
	}
	if _, err := config.ParseDurationOrDefault("notify.timeout", cfg.Notify.Timeout, 10*time.Second); err != nil {
		return err
	}
	if cfg.OCR.Enabled {
		if _, err := config.ParseDurationOrDefault("ocr.timeout", cfg.OCR.Timeout, 30*time.Second); err != nil {
			return err
		}
	}
	if cfg.Retention != nil && cfg.Retention.Enabled {
		if _, err := config.ParseDurationOrDefault("retention.max_age", cfg.Retention.MaxAge, 30*24*time.Hour); err != nil {
			return err
		}
	}
	return nil
}
