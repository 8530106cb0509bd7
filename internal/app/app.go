package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"validatord/internal/config"
	"validatord/internal/feedback"
	"validatord/internal/observability/pprof"
	"validatord/internal/runtime/lifecycle"
	"validatord/internal/runtime/supervisor"
	"validatord/internal/server"
	"validatord/internal/storage"
	"validatord/internal/task/scheduler"
	"validatord/internal/telemetry"
	"validatord/internal/validator"
	logx "validatord/pkg/logx"
)

// Background task names.
const (
	taskService      = "validator.run"
	taskStatus       = "status.report"
	taskConfigWatch  = "config.watch"
	taskConfigReload = "config.reload"
	taskPprof        = "pprof"
)

var errServiceExited = errors.New("service loop returned while running")

// Service is the domain service driven by the coordinator.
type Service interface {
	// Run is the main loop. It returns nil once RequestExit was called.
	Run(ctx context.Context) error
	SaveState(ctx context.Context) error
	RequestExit()
	Status() any
}

// Telemetry is the external telemetry session finished during shutdown.
type Telemetry interface {
	Flush(ctx context.Context) error
	Close() error
}

type stateLoader interface {
	LoadState(ctx context.Context) error
}

// App owns every long-lived component and drives the process lifecycle.
type App struct {
	cfg *config.Config
	set settings

	root logx.Logger
	log  logx.Logger
	logs *logx.Service // nil when the caller supplied the logger

	clock    scheduler.Clock
	sched    *scheduler.Scheduler
	sup      *supervisor.Supervisor
	srv      *server.Server
	svc      Service
	store    storage.Store
	tel      Telemetry
	notifier lifecycle.Notifier
	cfgm     *config.Manager
	debug    *pprof.Server
	machine  *lifecycle.Machine

	started atomic.Bool
	exiting atomic.Bool

	mu     sync.Mutex
	reason lifecycle.StopReason
	fatal  error
}

type Option func(*App)

// WithLogger uses log instead of building a logging service from config.
func WithLogger(log logx.Logger) Option { return func(a *App) { a.log = log } }

// WithClock drives the scheduler from c.
func WithClock(c scheduler.Clock) Option { return func(a *App) { a.clock = c } }

// WithService replaces the validator. Built-in jobs are only registered
// for the validator; callers register their own via Scheduler().
func WithService(svc Service) Option { return func(a *App) { a.svc = svc } }

func WithStore(st storage.Store) Option { return func(a *App) { a.store = st } }

func WithTelemetry(t Telemetry) Option { return func(a *App) { a.tel = t } }

func WithNotifier(n lifecycle.Notifier) Option { return func(a *App) { a.notifier = n } }

// WithConfigManager enables hot reload from m's file.
func WithConfigManager(m *config.Manager) Option { return func(a *App) { a.cfgm = m } }

// New builds every collaborator and registers the jobs. Nothing runs
// until Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	set, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	a := &App{cfg: cfg, set: set}
	for _, o := range opts {
		o(a)
	}

	if a.log.IsZero() {
		a.logs, a.log = logx.New(set.logging)
	}
	log := a.log
	a.root = log
	a.log = log.With(logx.String("comp", "app"))

	if a.store == nil {
		st, err := storage.Open(set.storage, log)
		if err != nil {
			a.closeLogs()
			return nil, err
		}
		a.store = st
	}
	cleanup := func() {
		_ = a.store.Close()
		a.closeLogs()
	}

	if a.svc == nil {
		sender := feedback.New(set.feedback, log)
		a.svc = validator.New(set.validator, a.store, sender, log)
	}

	a.sched, err = scheduler.New(set.scheduler, log, scheduler.WithClock(a.clock))
	if err != nil {
		cleanup()
		return nil, err
	}
	if v, ok := a.svc.(*validator.Service); ok {
		if err := registerJobs(a.sched, validatorJobs(v, a.sched.Location()), cfg.Jobs, a.log); err != nil {
			cleanup()
			return nil, err
		}
	}

	a.srv = server.New(set.server, log)
	if a.tel == nil {
		a.tel = telemetry.NewSession(set.telemetry, nil, log.With(logx.String("comp", "telemetry")))
	}
	if a.notifier == nil {
		a.notifier = lifecycle.SystemdNotifier{}
	}
	a.debug = pprof.New(set.pprof, log)
	a.machine = lifecycle.NewMachine(a.onTransition)
	telemetry.Register()
	return a, nil
}

// Scheduler exposes the scheduler so callers can add jobs before Run.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

func (a *App) State() lifecycle.State { return a.machine.State() }

// History lists lifecycle transitions so far.
func (a *App) History() []lifecycle.Transition { return a.machine.History() }

// Addr is the server's bound address once Running.
func (a *App) Addr() string { return a.srv.Addr() }

// Stop asks a running App to shut down. Run returns when teardown is done.
func (a *App) Stop() {
	a.setReason(lifecycle.StopRequested, nil)
	a.srv.RequestStop()
}

// Run starts everything, serves until stopped (Stop, ctx cancellation or
// a fatal service error) and then tears down in order. It returns nil on
// a clean stop, *StartupError if Running was never reached and
// *ShutdownError otherwise.
func (a *App) Run(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	if err := a.start(ctx); err != nil {
		return err
	}

	serveErr := a.srv.Serve(ctx)
	if serveErr != nil {
		a.setReason(lifecycle.StopServerError, serveErr)
	}
	if ctx.Err() != nil {
		a.setReason(lifecycle.StopSignal, nil)
	}
	a.setReason(lifecycle.StopUnknown, nil)

	a.mu.Lock()
	reason, cause := a.reason, a.fatal
	a.mu.Unlock()
	return a.shutdown(reason, cause)
}

func (a *App) start(ctx context.Context) error {
	// Teardown must outlive a cancelled ctx so state can still be saved.
	base := context.WithoutCancel(ctx)
	var undo []func()
	fail := func(step string, err error) error {
		a.log.Error("startup failed", logx.String("step", step), logx.Err(err))
		a.exiting.Store(true)
		_ = a.machine.To(lifecycle.ShuttingDown)
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		_ = a.store.Close()
		_ = a.machine.To(lifecycle.Stopped)
		a.closeLogs()
		return &StartupError{Step: step, Err: err}
	}

	if l, ok := a.svc.(stateLoader); ok {
		if err := l.LoadState(ctx); err != nil {
			return fail("load_state", err)
		}
	}

	if err := a.sched.Start(base); err != nil {
		return fail("scheduler", err)
	}
	undo = append(undo, func() {
		sctx, cancel := context.WithTimeout(base, a.set.stepTimeout)
		defer cancel()
		_ = a.sched.Stop(sctx)
	})

	a.sup = supervisor.New(base,
		supervisor.WithLogger(a.root.With(logx.String("comp", "supervisor"))),
		supervisor.WithErrorHandler(a.onTaskError),
	)
	undo = append(undo, func() {
		cctx, cancel := context.WithTimeout(base, a.set.cancelTimeout)
		defer cancel()
		_ = a.sup.CancelAll(cctx)
	})
	a.spawnTasks()

	a.srv.Configure(a.routes, nil, server.AllowAll())
	if err := a.srv.Listen(); err != nil {
		return fail("server", err)
	}
	if err := a.machine.To(lifecycle.Running); err != nil {
		_ = a.srv.Close()
		return fail("lifecycle", err)
	}
	return nil
}

func (a *App) spawnTasks() {
	a.sup.Spawn(taskService, func(ctx context.Context) error {
		err := a.svc.Run(ctx)
		if err == nil && !a.exiting.Load() {
			return errServiceExited
		}
		return err
	})
	a.sup.SpawnRestart(taskStatus, a.statusLoop, supervisor.WithRestartBackoff(time.Second, time.Minute))
	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Spawn(taskConfigReload, func(ctx context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			return a.reloadLoop(ctx, sub)
		})
		a.sup.Spawn(taskConfigWatch, a.cfgm.Watch)
	}
	if a.debug.Enabled() {
		a.sup.SpawnRestart(taskPprof, a.debug.Run,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
			supervisor.WithMaxRestarts(5),
		)
	}
}

// onTaskError runs on the failing task's goroutine. Only the service loop
// is fatal; auxiliary tasks are already logged by the supervisor.
func (a *App) onTaskError(name string, err error) {
	if name != taskService {
		return
	}
	if a.exiting.Load() {
		a.log.Warn("service loop failed during shutdown", logx.Err(err))
		return
	}
	a.setReason(lifecycle.StopFatalError, err)
	a.srv.RequestStop()
}

// setReason records the first stop reason (and its error, if any).
func (a *App) setReason(r lifecycle.StopReason, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reason == "" {
		a.reason = r
	}
	if err != nil && a.fatal == nil {
		a.fatal = err
	}
}

func (a *App) onTransition(tr lifecycle.Transition) {
	telemetry.LifecycleState.Set(float64(tr.To))
	a.log.Info("lifecycle", logx.String("from", tr.From.String()), logx.String("to", tr.To.String()))
	if msg := lifecycle.NotifyState(tr.To); msg != "" {
		if err := a.notifier.Notify(msg); err != nil {
			a.log.Warn("service manager notify failed", logx.String("state", tr.To.String()), logx.Err(err))
		}
	}
}

func (a *App) closeLogs() {
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
