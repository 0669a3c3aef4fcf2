package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"jobkit/internal/config"
	"jobkit/internal/eventbus"
	"jobkit/internal/httpapi"
	"jobkit/internal/metrics"
	"jobkit/internal/runtime/supervisor"
	"jobkit/internal/storage"
	"jobkit/pkg/jobkit"
	logx "jobkit/pkg/logx"
	"jobkit/pkg/supervisable"
)

const (
	storeWriterBuffer = 1024
	openStoreTimeout  = 10 * time.Second
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log    logx.Logger
	logs   *logx.Service
	bus    *eventbus.MemBus
	store  storage.Store
	writer *storage.Writer

	metrics  *metrics.Collector
	engine   *jobkit.Engine
	services *commandServices
	http     *httpapi.Server

	shutdownTimeout atomic.Int64
	stopOnce        sync.Once
}

// NewApp loads the config and builds every component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))

	bus := eventbus.New()
	bridge := eventbus.NewBridge(bus)

	openCtx, cancel := context.WithTimeout(context.Background(), openStoreTimeout)
	store, err := storage.Open(openCtx, cfg.Storage, log)
	cancel()
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	var writer *storage.Writer
	if store != nil {
		writer = storage.NewWriter(store, storeWriterBuffer, log)
	}

	// The spool source is bound after the engine exists.
	var eng *jobkit.Engine
	collector := metrics.NewCollector(
		metrics.WithSpoolSource(func() []jobkit.SpoolSnapshot {
			if eng == nil {
				return nil
			}
			return eng.Spooler().Snapshot()
		}),
		metrics.WithRuntimeMetrics(),
	)

	consumers := []supervisable.Consumer{collector, bridge}
	if writer != nil {
		consumers = append(consumers, writer)
	}
	manager := supervisable.NewManager(log.With(logx.String("comp", "supervisable")), supervisable.WithConsumers(consumers...))

	opts := []jobkit.Option{
		jobkit.WithLogger(log.With(logx.String("comp", "engine"))),
		jobkit.WithSupervisableManager(manager),
		jobkit.WithExecutionEvent(collector),
		jobkit.WithExecutionEvent(bridge),
		jobkit.WithBackgroundServiceEvent(collector),
		jobkit.WithBackgroundServiceEvent(bridge),
		jobkit.WithWatchdogEvents(collector),
		jobkit.WithWatchdogEvents(bridge),
	}
	if writer != nil {
		opts = append(opts, jobkit.WithWatchdogEvents(writer))
	}
	if watchdogEnabled(cfg) {
		opts = append(opts, jobkit.WithPolicies(mapPolicies(cfg)...))
	} else {
		opts = append(opts, jobkit.WithoutWatchdog())
	}
	eng = jobkit.New(opts...)

	services := newCommandServices(eng, log)

	httpSrv := httpapi.NewServer(httpapi.FromConfig(cfg.HTTP), httpapi.Deps{
		Runner:     eng,
		Spools:     eng.Spooler().Snapshot,
		Goroutines: eng.Goroutines,
		Watchdog:   eng.Watchdog(),
		Store:      store,
		Bus:        bus,
		Metrics:    collector.Handler(),
	}, log)

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		writer:   writer,
		metrics:  collector,
		engine:   eng,
		services: services,
		http:     httpSrv,
	}
	a.shutdownTimeout.Store(int64(mapShutdownTimeout(cfg)))
	return a, nil
}

func (a *App) Engine() *jobkit.Engine      { return a.engine }
func (a *App) Config() *config.Config      { return a.cfgm.Get() }
func (a *App) Bus() eventbus.Bus           { return a.bus }
func (a *App) Store() storage.Store        { return a.store }
func (a *App) HTTP() *httpapi.Server       { return a.http }
func (a *App) Metrics() *metrics.Collector { return a.metrics }

// ShutdownTimeout bounds the engine drain on Stop.
func (a *App) ShutdownTimeout() time.Duration { return time.Duration(a.shutdownTimeout.Load()) }

// Reload re-reads the config file now instead of waiting for the watcher.
func (a *App) Reload(ctx context.Context) (bool, error) { return a.cfgm.Reload(ctx) }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateReload)

	if err := a.services.applyAll(a.cfgm.Get().Services, true); err != nil {
		a.sup.Cancel()
		return err
	}

	if a.writer != nil {
		a.sup.GoRestart("storage.writer", 250*time.Millisecond, 5*time.Second, a.writer.Run)
	}
	if a.http.Enabled() {
		a.http.Start(a.sup.Context())
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// Keep this debug-level to avoid noise for frequent services.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
				newCfg = drainLatest(sub, newCfg)
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("services", len(a.engine.Services())),
		logx.Bool("http", a.http.Enabled()),
		logx.String("storage", a.cfgm.Get().Storage.DriverName()),
	)
	return nil
}

func drainLatest(sub chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// validateReload rejects changes that cannot be applied to a running engine.
func (a *App) validateReload(_ context.Context, next *config.Config) error {
	cur := a.cfgm.Get()
	if cur == nil {
		return nil
	}
	for _, sc := range config.DiffServices(cur.Services, next.Services).Changed {
		if svc, ok := a.engine.Service(sc.Name); ok && svc.SpoolName() != sc.Spool {
			return fmt.Errorf("services.%s.spool: cannot move a running service from %q to %q", sc.Name, svc.SpoolName(), sc.Spool)
		}
	}
	return nil
}

// applyConfig applies a committed config. Storage and watchdog changes only
// take effect after a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(next))
		case "services":
			if err := a.services.applyDiff(config.DiffServices(prev.Services, next.Services)); err != nil {
				a.log.Warn("service changes partially applied", logx.Err(err))
			}
		case "http":
			a.http.Reconfigure(ctx, httpapi.FromConfig(next.HTTP))
		case "engine":
			a.shutdownTimeout.Store(int64(mapShutdownTimeout(next)))
		case "storage", "watchdog":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TopicConfigApplied, Data: sections})
	a.log.Info("config reloaded", fields...)
}

// Stop shuts everything down in dependency order. Each step is bounded so a
// stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Drain the engine while the storage writer still runs, so the last
	// end-events are persisted.
	engineErr := a.step(ctx, "engine", time.Duration(a.shutdownTimeout.Load()), a.engine.WaitToClose)
	a.sup.Cancel()
	_ = a.step(ctx, "http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	_ = a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
	_ = a.step(ctx, "storage", 2*time.Second, func(c context.Context) error {
		if a.store == nil {
			return nil
		}
		if a.writer != nil {
			st := a.writer.Stats()
			a.log.Debug("storage writer stats", logx.Uint64("written", st.Written), logx.Uint64("dropped", st.Dropped), logx.Uint64("failed", st.Failed))
		}
		return a.store.Close()
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return engineErr
}

// step runs fn with an upper bound and returns its error, or the step
// context's error when the bound is reached first.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
		return stepCtx.Err()
	}
}
