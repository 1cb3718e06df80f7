// Package app wires configuration, persistence, the ordering scheduler and
// its trigger surfaces into one daemon.
package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"eventorder/internal/config"
	"eventorder/internal/eventbus"
	"eventorder/internal/lineup"
	"eventorder/internal/metrics"
	"eventorder/internal/observability/ops"
	"eventorder/internal/ordering"
	"eventorder/internal/overflow"
	rtsup "eventorder/internal/runtime/supervisor"
	"eventorder/internal/scheduler"
	"eventorder/internal/storage"
	kit "eventorder/internal/transport"
	telegram "eventorder/internal/transport/telegram/adapter"
	"eventorder/internal/transport/telegram/router"
	logx "eventorder/pkg/logx"
)

// Options selects what New builds.
type Options struct {
	ConfigPath string
	// OneShot skips the chat adapter and the ops server; used by the run
	// subcommand.
	OneShot bool
}

type App struct {
	opts Options

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	clients *clientSwitch
	reg     *overflow.Registry
	sched   *scheduler.Service
	ops     *ops.Service

	adapter *telegram.Adapter // nil when telegram is off
	cmdm    *router.CommandManager
	updates chan kit.Update
}

func New(ctx context.Context, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	warnPatterns(log, cfg)

	a := &App{
		opts:    opts,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		clients: &clientSwitch{},
		updates: make(chan kit.Update, 64),
	}

	if sc, enabled := mapStorageConfig(cfg); enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a.reg = overflow.New(a.store, log)
	a.reg.OnChange(metrics.SetAssignments)
	if err := a.reg.Load(ctx); err != nil {
		a.closeStore()
		return nil, fmt.Errorf("load assignments: %w", err)
	}

	if err := a.clients.rebuild(mapChannelsConfig(cfg), log); err != nil {
		a.closeStore()
		return nil, err
	}

	runner := lineup.NewRunner(a.clients, a.reg, log)
	a.sched = scheduler.New(scheduler.Config{}, runner, a.snapshot, a.bus, log)

	if opts.OneShot {
		return a, nil
	}

	a.ops = ops.New(ops.FromConfig(cfg.Ops), ops.Deps{
		Orderer:     a.sched,
		Assignments: a.reg.All,
		Audit:       a.store,
		Goroutines:  a.goroutines,
	}, log)

	if telegramEnabled(cfg) {
		ad, err := telegram.New(mapTelegramConfig(cfg), log)
		if err != nil {
			a.closeStore()
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.adapter = ad
		logSvc.SetSender(ad)
		a.cmdm = router.NewCommandManager(log, ad, cfg.Telegram.OwnerUserIDs)
	}
	return a, nil
}

// snapshot is the scheduler's config source.
func (a *App) snapshot() ordering.Snapshot {
	return a.cfgm.Get().Snapshot()
}

func (a *App) goroutines() []rtsup.Stats {
	if a.sup == nil {
		return nil
	}
	return a.sup.Snapshot()
}

func (a *App) closeStore() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

// Logger returns the app logger.
func (a *App) Logger() logx.Logger { return a.log }

// Trigger runs one pass without starting the daemon.
func (a *App) Trigger(ctx context.Context, channelID int64, dry bool) ([]scheduler.ChannelOutcome, error) {
	return a.sched.Trigger(ctx, channelID, scheduler.TriggerOptions{DryRun: dry})
}

// Close releases what New opened. Use it instead of Stop when Start was
// never called.
func (a *App) Close() error {
	a.closeStore()
	return a.logs.Close()
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	sctx := a.sup.Context()

	// A reload whose tick cannot be scheduled is rejected before commit.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := scheduler.ParseTick(cfg.Snapshot().Tick); err != nil {
			return fmt.Errorf("ordering.tick: %w", err)
		}
		return nil
	})

	if err := a.sched.Start(sctx); err != nil {
		return err
	}
	cfg := a.cfgm.Get()
	if a.ops != nil {
		a.ops.Reconfigure(sctx, ops.FromConfig(cfg.Ops))
	}

	if a.adapter != nil {
		a.cmdm.SetRegistry(sctx, router.OrderingCommands(a.sched, a.reg.All))
		if err := a.adapter.Start(sctx, a.updates); err != nil {
			return err
		}
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.cmdm.DispatchLoop(c, a.updates)
		})
		if cfg.Telegram.Announce {
			if chatID, ok := cfg.Telegram.LogChatID(); ok {
				target := kit.ChatTarget{ChatID: chatID, ThreadID: cfg.Logging.Telegram.ThreadID}
				ann := router.NewAnnouncer(a.bus, a.adapter, target, a.log)
				a.sup.Go("telegram.announce", ann.Run)
			}
		}
	}

	events, unsub := a.bus.Subscribe(64)
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Int("channels", len(cfg.Ordering.Channels)),
		logx.Bool("ordering_enabled", cfg.Ordering.Enabled),
		logx.Bool("telegram", a.adapter != nil),
		logx.Int("assignments", a.reg.Len()))
	return nil
}

func warnPatterns(log logx.Logger, cfg *config.Config) {
	for _, err := range config.PatternProblems(cfg) {
		log.Warn("channel pattern does not compile; its passes will fail until fixed", logx.Err(err))
	}
}

// applyConfig pushes a committed config into the running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(next))
	if slices.Contains(sections, "ordering") {
		warnPatterns(a.log, next)
	}

	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if slices.Contains(sections, "telegram") && telegramEnabled(prev) != telegramEnabled(next) {
		a.log.Warn("telegram enabled/disabled; restart required for changes to take effect")
	}
	if a.cmdm != nil && next.Telegram != nil {
		a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)
	}

	if slices.Contains(sections, "dispatcharr") {
		if err := a.clients.rebuild(mapChannelsConfig(next), a.log); err != nil {
			a.log.Warn("invalid dispatcharr config; keeping previous client", logx.Err(err))
		}
	}
	if err := a.sched.Reconfigure(ctx); err != nil {
		a.log.Warn("scheduler reconfigure failed", logx.Err(err))
	}
	if a.ops != nil {
		a.ops.Reconfigure(ctx, ops.FromConfig(next.Ops))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
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
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Scheduler first: an in-flight pass finishes its commit before storage
	// closes.
	step("scheduler", 20*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("ops", 2*time.Second, func(c context.Context) error {
		if a.ops != nil {
			a.ops.Stop(c)
		}
		return nil
	})
	step("adapter", 3*time.Second, func(c context.Context) error {
		if a.adapter != nil {
			return a.adapter.Stop(c)
		}
		return nil
	})
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	return a.logs.Close()
}
