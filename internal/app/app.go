// Package app wires the intervald daemon: one interval runner per configured job, the
// iteration journal, config hot reload and systemd readiness.
package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"asyncinterval/internal/config"
	"asyncinterval/internal/eventbus"
	"asyncinterval/internal/jobs"
	"asyncinterval/internal/observability/debughttp"
	"asyncinterval/internal/runtime/supervisor"
	"asyncinterval/internal/storage"
	"asyncinterval/pkg/interval"
	logx "asyncinterval/pkg/logx"
)

const journalAppendTimeout = 2 * time.Second

// Throttle keys for daemon warnings. Job names must start with a letter or digit, so the
// leading underscore keeps these apart from per-job keys.
const (
	warnKeyJournal  = "_journal"
	warnKeyWatchdog = "_systemd.watchdog"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	sd    sdNotifier
	debug *debughttp.Service

	throttle atomic.Pointer[logx.Throttle]

	mu       sync.Mutex
	runners  map[string]*jobRunner
	stopping bool // set by Stop; no runner is registered afterwards

	stopOnce sync.Once
}

type jobRunner struct {
	def config.JobConfig
	h   *interval.Handle
}

// New loads and validates the config at cfgPath and builds the logging service, journal and
// event bus. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	for _, j := range cfg.Jobs {
		if _, err := jobs.Build(j); err != nil {
			return nil, err
		}
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	store, err := OpenJournal(cfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("config loaded", logx.String("path", cfgm.Path()), logx.Int("jobs", len(cfg.Jobs)))
	if store != nil {
		log.Info("journal enabled", logx.String("driver", config.NormalizeDriver(cfg.Storage.Driver)))
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		store:   store,
		sd:      systemdNotifier{},
		runners: map[string]*jobRunner{},
	}
	a.debug = debughttp.New(a, log.With(logx.String("comp", "debughttp")))
	a.throttle.Store(logx.NewThrottle(cfg.WarnRatePerSec, 1))
	return a, nil
}

// Done is closed when the app supervisor context is cancelled (fatal error or Stop()).
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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Reject a reload whose jobs cannot be built; the running set stays untouched.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		for _, j := range cfg.Jobs {
			if _, err := jobs.Build(j); err != nil {
				return err
			}
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if a.store != nil {
		events, unsub := a.bus.Subscribe(256)
		a.sup.Go0("journal.sink", func(c context.Context) {
			defer unsub()
			a.journalLoop(c, events)
		})
	}

	cfg := a.cfgm.Get()
	for _, j := range cfg.Jobs {
		if err := a.startJob(j); err != nil {
			a.stopAllJobs()
			// Releases journal.sink; the caller still owns Stop for the store and logs.
			a.sup.Cancel()
			return err
		}
	}
	a.log.Info("started", logx.Int("jobs", len(cfg.Jobs)))

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	a.debug.Reconfigure(a.sup.Context(), mapDebugConfig(cfg))

	a.sdNotify(daemon.SdNotifyReady)
	if cfg.Systemd.Watchdog {
		if every, err := a.sd.WatchdogInterval(); err != nil {
			a.log.Warn("systemd watchdog lookup failed", logx.Err(err))
		} else if every > 0 {
			a.sup.Go0("systemd.watchdog", func(c context.Context) { a.watchdogLoop(c, every) })
		}
	}
	return nil
}

func (a *App) startJob(def config.JobConfig) error {
	if a.isStopping() {
		return nil
	}
	task, err := jobs.Build(def)
	if err != nil {
		return err
	}
	delay, err := def.Delay()
	if err != nil {
		return fmt.Errorf("%s: %w", def.Name, err)
	}
	name := def.Name
	log := a.log.With(logx.String("comp", "job"), logx.String("job", name), logx.String("kind", def.Kind()))

	ic := interval.Config{
		Delay: delay,
		Task:  task,
		OnError: func(err error) {
			a.warn(name, "job failed", logx.String("job", name), logx.Err(err))
		},
	}
	after, ok, err := def.TimeoutAfter()
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if ok {
		ic.Timeout = &interval.TimeoutPolicy{
			After:      after,
			CancelTask: def.CancelOnTimeout,
			OnExceeded: func() {
				a.warn(name, "job timed out", logx.String("job", name), logx.Duration("timeout", after))
			},
		}
	}

	h, err := interval.Start(ic,
		interval.WithName(name),
		interval.WithLogger(log),
		interval.WithContext(a.sup.Context()),
		interval.WithObserver(func(ev interval.IterationEvent) {
			a.bus.Publish(eventbus.Event{Type: eventbus.TypeIteration, Time: ev.Started, Data: ev})
		}),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	a.mu.Lock()
	if a.stopping {
		// Stop ran while this runner was being built; stopAllJobs never saw it.
		a.mu.Unlock()
		h.Stop()
		return nil
	}
	a.runners[name] = &jobRunner{def: def, h: h}
	a.mu.Unlock()
	log.Info("job started", logx.Duration("every", delay), logx.Bool("timeout", ok))
	return nil
}

func (a *App) isStopping() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopping
}

// stopJob stops the named runner. A run in flight finishes on its own.
func (a *App) stopJob(name string) {
	a.mu.Lock()
	r := a.runners[name]
	delete(a.runners, name)
	a.mu.Unlock()
	if r == nil {
		return
	}
	r.h.Stop()
	a.throttle.Load().Forget(name)
	a.log.Info("job stopped", logx.String("job", name))
}

func (a *App) stopAllJobs() {
	a.mu.Lock()
	names := make([]string, 0, len(a.runners))
	for name := range a.runners {
		names = append(names, name)
	}
	a.mu.Unlock()
	for _, name := range names {
		a.stopJob(name)
	}
}

// applyJobs restarts only the jobs that were added, removed or changed.
func (a *App) applyJobs(d config.JobDiff, cfg *config.Config) {
	for _, name := range append(append([]string(nil), d.Removed...), d.Changed...) {
		a.stopJob(name)
	}
	byName := make(map[string]config.JobConfig, len(cfg.Jobs))
	for _, j := range cfg.Jobs {
		byName[j.Name] = j
	}
	for _, name := range append(append([]string(nil), d.Added...), d.Changed...) {
		if err := a.startJob(byName[name]); err != nil {
			a.log.Error("job start failed", logx.String("job", name), logx.Err(err))
		}
	}
}

// warn logs a swallowed job failure, at most WarnRatePerSec times per second per key.
func (a *App) warn(key, msg string, fields ...logx.Field) {
	ok, suppressed := a.throttle.Load().Allow(key)
	if !ok {
		return
	}
	if suppressed > 0 {
		fields = append(fields, logx.Uint64("suppressed", suppressed))
	}
	a.log.Warn(msg, fields...)
}

func (a *App) journalLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			ev, isIter := e.Data.(interval.IterationEvent)
			if e.Type != eventbus.TypeIteration || !isIter {
				continue
			}
			actx, cancel := context.WithTimeout(ctx, journalAppendTimeout)
			err := a.store.Append(actx, storage.RecordFromEvent(ev))
			cancel()
			if err != nil {
				a.warn(warnKeyJournal, "journal append failed", logx.String("job", ev.Name), logx.Err(err))
			}
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
		// Coalesce bursts: keep only the latest.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}
		if newCfg == nil {
			continue
		}
		a.applyConfig(lastApplied, newCfg)
		lastApplied = newCfg
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, changedJobs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if len(changedJobs) > 0 {
		a.log.Debug("job changes detected", logx.Strings("jobs", changedJobs))
	}

	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "systemd":
			a.log.Warn("systemd config changed; restart required for changes to take effect")
		case "logging":
			a.logs.Apply(mapLogConfig(newCfg))
		case "debug":
			a.debug.Reconfigure(a.sup.Context(), mapDebugConfig(newCfg))
		case "warn_rate_per_sec":
			a.throttle.Store(logx.NewThrottle(newCfg.WarnRatePerSec, 1))
		}
	}

	a.applyJobs(config.DiffJobs(oldCfg.Jobs, newCfg.Jobs), newCfg)
}

// Status returns a snapshot of every job, sorted by name.
func (a *App) Status() []interval.Status {
	a.mu.Lock()
	out := make([]interval.Status, 0, len(a.runners))
	for _, r := range a.runners {
		out = append(out, r.h.Status())
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Journal returns the journal store, or nil when storage is disabled.
func (a *App) Journal() storage.Store { return a.store }

// Runtime reports the supervisor's goroutine stats and how many bus deliveries were dropped.
func (a *App) Runtime() debughttp.Runtime {
	rt := debughttp.Runtime{BusDropped: a.bus.Dropped()}
	if a.sup != nil {
		rt.Supervisor = a.sup.Snapshot()
	}
	return rt
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.stopOnce.Do(func() { a.stop(ctx, reason) })
	return nil
}

func (a *App) stop(ctx context.Context, reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	a.mu.Lock()
	a.stopping = true
	a.mu.Unlock()

	// No new runs start after this; runs in flight see their context cancelled below.
	a.stopAllJobs()
	a.sup.Cancel()

	a.step(ctx, "debughttp", 3*time.Second, func(c context.Context) error {
		a.debug.Stop(c)
		return nil
	})
	a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// step runs one shutdown step bounded by max and by ctx, whichever is sooner.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
