// Package app wires the config file into a running daemon: stores, adapters,
// the dispatcher, the scheduler loop, maintenance, the admin server and
// live config reloads.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"crosspost/internal/alert"
	"crosspost/internal/api"
	"crosspost/internal/config"
	"crosspost/internal/dispatch"
	"crosspost/internal/eventbus"
	"crosspost/internal/maintenance"
	"crosspost/internal/metrics"
	"crosspost/internal/ratelimit"
	"crosspost/internal/retry"
	"crosspost/internal/runtime/supervisor"
	"crosspost/internal/scheduler"
	"crosspost/internal/stats"
	"crosspost/internal/storage"
	"crosspost/internal/transport"
	"crosspost/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.Memory

	store    storage.Store
	registry *transport.Registry
	limiter  *ratelimit.Limiter
	disp     *dispatch.Dispatcher
	sched    *scheduler.Scheduler
	stats    *stats.Aggregator
	sweeper  *maintenance.Sweeper
	alerts   *alert.Service
	server   *api.Server
	redis    *redis.Client
	prom     *prometheus.Registry

	drain time.Duration
}

// NewApp loads and validates cfgPath and builds every component. Nothing
// runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogging(cfg))
	log := root.With(logx.Comp("app"))
	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New(), prom: prometheus.NewRegistry()}
	if err := a.build(cfg, root); err != nil {
		a.closeResources(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	a.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink := metrics.NewPrometheus(a.prom, root.With(logx.Comp("metrics")))

	sc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(sc, root.With(logx.Comp("storage"))); err != nil {
		return err
	}
	a.log.Info("storage opened", logx.String("driver", storeDriver(sc.Driver)))

	if a.registry, err = buildRegistry(cfg, root.With(logx.Comp("transport"))); err != nil {
		return err
	}

	tbl, err := mapRateTable(cfg)
	if err != nil {
		return err
	}
	if a.limiter, err = ratelimit.New(tbl, nil); err != nil {
		return err
	}
	rc, err := mapRetry(cfg)
	if err != nil {
		return err
	}
	policy, err := retry.New(rc)
	if err != nil {
		return err
	}
	dc, err := mapDispatch(cfg)
	if err != nil {
		return err
	}
	a.disp, err = dispatch.New(dc, a.registry, a.limiter, policy,
		dispatch.WithLogger(root.With(logx.Comp("dispatch"))),
		dispatch.WithMetrics(sink),
	)
	if err != nil {
		return err
	}

	statOpts := []stats.Option{stats.WithLogger(root.With(logx.Comp("stats")))}
	rs, err := mapRedis(cfg)
	if err != nil {
		return err
	}
	if rs.opts != nil {
		a.redis = redis.NewClient(rs.opts)
		statOpts = append(statOpts, stats.WithMirror(stats.NewRedisMirror(a.redis, rs.prefix, rs.retention), rs.buffer))
	}
	a.stats = stats.New(statOpts...)

	schedCfg, drain, err := mapScheduler(cfg)
	if err != nil {
		return err
	}
	a.drain = drain
	a.sched, err = scheduler.New(schedCfg, a.store, a.disp,
		scheduler.WithLogger(root.With(logx.Comp("scheduler"))),
		scheduler.WithMetrics(sink),
		scheduler.WithEventBus(a.bus),
		scheduler.WithStats(a.stats),
	)
	if err != nil {
		return err
	}

	if cfg.Maintenance.Enabled {
		mc, err := mapMaintenance(cfg)
		if err != nil {
			return err
		}
		a.sweeper, err = maintenance.New(mc, a.store,
			maintenance.WithLogger(root.With(logx.Comp("maintenance"))),
			maintenance.WithMetrics(sink),
			maintenance.WithExecutor(a.sched),
		)
		if err != nil {
			return err
		}
	}

	if cfg.Alerts.Enabled {
		ac, err := mapAlerts(cfg)
		if err != nil {
			return err
		}
		ad, ok := a.registry.Lookup(ac.Target)
		if !ok {
			return fmt.Errorf("alerts.target: unknown target %q", ac.Target)
		}
		if a.alerts, err = alert.New(ac, ad, alert.WithLogger(root.With(logx.Comp("alert")))); err != nil {
			return err
		}
	}

	if cfg.Admin.Enabled {
		srvCfg, err := mapAdmin(cfg)
		if err != nil {
			return err
		}
		if err := srvCfg.Check(); err != nil {
			return fmt.Errorf("admin: %w", err)
		}
		opts := []api.Option{
			api.WithToken(srvCfg.Token),
			api.WithPprof(cfg.Admin.Pprof),
			api.WithHealth(a.health),
			api.WithLogger(root.With(logx.Comp("api"))),
			api.WithDebug("circuits", func() any { return a.disp.Circuits() }),
			api.WithDebug("rate_limits", a.rateUsage),
			api.WithDebug("runtime", a.runtimeInfo),
		}
		if a.alerts != nil {
			opts = append(opts, api.WithDebug("alerts", func() any { return a.alerts.History() }))
		}
		if cfg.Admin.MetricsEnabled() {
			opts = append(opts, api.WithMetrics(a.prom))
		}
		a.server = api.NewServer(srvCfg, api.NewHandler(a.sched, opts...), root.With(logx.Comp("admin")))
	}
	return nil
}

func storeDriver(d string) string {
	if d == "" {
		return "memory"
	}
	return d
}

// Scheduler exposes the engine for embedding and tests.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Done is closed when the app context ends, either by Stop or a fatal loop
// error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error recorded by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the background loops under ctx.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app: already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.Comp("supervisor"))), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.Comp("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		// Live sections must map cleanly before the new file is committed.
		_, err := mapRateTable(cfg)
		return err
	})

	a.sup.Go("scheduler", a.sched.Run)
	if a.sweeper != nil {
		a.sup.GoRestart("maintenance", a.sweeper.Run)
	}
	if a.server != nil {
		a.sup.GoRestart("admin", a.server.Run, supervisor.WithBackoff(time.Second, 30*time.Second))
	}
	if a.redis != nil {
		a.sup.Go("stats.mirror", func(c context.Context) error {
			a.stats.RunMirror(c)
			return nil
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("events.log", func(c context.Context) error {
		defer unsub()
		a.logEvents(c, events)
		return nil
	})

	if a.alerts != nil {
		failures, unsubAlerts := a.bus.Subscribe(64)
		a.sup.Go("alerts", func(c context.Context) error {
			defer unsubAlerts()
			return a.alerts.Run(c, failures)
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.applyReloads(c, sub)
		return nil
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	a.log.Info("crosspost started",
		logx.Strings("targets", a.registry.Targets()),
		logx.Bool("admin", a.server != nil),
		logx.Bool("maintenance", a.sweeper != nil),
		logx.Bool("stats_mirror", a.redis != nil),
		logx.Bool("alerts", a.alerts != nil),
	)
	return nil
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			fields := []logx.Field{
				logx.String("event", string(e.Type)),
				logx.JobID(e.Job.ID),
				logx.Strings("targets", e.Job.Targets),
			}
			switch e.Type {
			case eventbus.JobFailed:
				a.log.Warn("job failed", append(fields, logx.String("err", e.Err))...)
			case eventbus.JobPosted:
				a.log.Info("job posted", fields...)
			default:
				a.log.Debug("job event", fields...)
			}
		}
	}
}

// applyReloads applies the live sections of each committed config and warns
// about the rest.
func (a *App) applyReloads(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			if next == nil {
				continue
			}
			a.apply(last, next)
			last = next
		}
	}
}

func (a *App) apply(prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogging(next))
	if tbl, err := mapRateTable(next); err != nil {
		a.log.Warn("rate limits kept; invalid table", logx.Err(err))
	} else if err := a.limiter.SetTable(tbl); err != nil {
		a.log.Warn("rate limits kept", logx.Err(err))
	}

	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config sections need a restart to take effect", logx.String("sections", strings.Join(pending, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) health(context.Context) error {
	if err := a.Err(); err != nil {
		return err
	}
	select {
	case <-a.Done():
		return errors.New("stopping")
	default:
		return nil
	}
}

func (a *App) rateUsage() any {
	type usage struct {
		Used   int              `json:"used"`
		Policy ratelimit.Policy `json:"policy"`
	}
	out := map[string]usage{}
	for _, t := range a.registry.Targets() {
		used, p := a.limiter.Usage(t)
		out[t] = usage{Used: used, Policy: p}
	}
	return out
}

func (a *App) runtimeInfo() any {
	var loops []supervisor.LoopStats
	if a.sup != nil {
		loops = a.sup.Snapshot()
	}
	return map[string]any{
		"loops":          loops,
		"executing":      a.sched.Running(),
		"events_dropped": a.bus.Dropped(),
	}
}

// Stop drains in-flight executions for up to scheduler.shutdown_timeout,
// stops the loops and releases resources. ctx bounds the whole sequence.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return a.closeResources(ctx)
	}
	a.log.Info("stopping")
	var errs []error

	drainCtx, cancel := context.WithTimeout(ctx, a.drain)
	if err := a.sched.Shutdown(drainCtx); err != nil {
		a.log.Warn("executions still running at shutdown; cancelled", logx.Err(err))
		errs = append(errs, fmt.Errorf("drain: %w", err))
	}
	cancel()

	loopsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := a.sup.Stop(loopsCtx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("supervisor stop", logx.Err(err))
		errs = append(errs, err)
	}
	cancel()

	if err := a.closeResources(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// closeResources releases adapters, the store, redis and finally the log
// sinks. Safe on a partially built App.
func (a *App) closeResources(ctx context.Context) error {
	var errs []error
	if a.registry != nil {
		if err := a.registry.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
