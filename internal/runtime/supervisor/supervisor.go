package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"validatord/internal/telemetry"
	logx "validatord/pkg/logx"
)

// ErrWaitTimeout is returned by CancelAll/Wait when tasks are still running
// after the caller's deadline. Termination is then best-effort.
var ErrWaitTimeout = errors.New("supervisor: tasks still running after wait deadline")

// Task is a long-lived unit of work. It must return promptly once ctx is
// canceled; returning ctx.Err() (or nil) after cancellation is a clean stop.
type Task func(ctx context.Context) error

// Supervisor manages long-lived tasks tied to a shared context.
// - Named tasks (for logging/debug)
// - Panic recovery
// - Optional cancel-on-first-error and error hook
// - Cooperative cancellation with a bounded wait
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	// Counters are best-effort operational metrics.
	started uint64
	active  int64

	log         logx.Logger
	cancelOnErr bool
	onError     func(name string, err error)
	errOnce     sync.Once
	firstErr    atomic.Value // stores error
	doneOnce    sync.Once
	doneCh      chan struct{}
	wg          sync.WaitGroup

	mu    sync.Mutex
	stats map[string]*taskStats
}

type Option func(*Supervisor)

// Counters exposes best-effort task counters.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// TaskStats is an aggregated, best-effort view of tasks started via Spawn/SpawnRestart.
// Stats are keyed by task name.
type TaskStats struct {
	Name         string        `json:"name"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Panics       uint64        `json:"panics"`
	Restarts     uint64        `json:"restarts"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at"`
	LastErr      string        `json:"last_err,omitempty"`
	LastPanic    string        `json:"last_panic,omitempty"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

// Snapshot is a point-in-time view of a supervisor.
type Snapshot struct {
	Counters   Counters    `json:"counters"`
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

type taskStats struct {
	name         string
	active       int64
	started      uint64
	panics       uint64
	restarts     uint64
	lastStartAt  time.Time
	lastStopAt   time.Time
	lastErr      string
	lastPanic    string
	totalRuntime time.Duration
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first task error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// WithErrorHandler is called (from the failing task's goroutine) whenever a
// task exits with a real error or panics. Cancellation never reaches it.
func WithErrorHandler(fn func(name string, err error)) Option {
	return func(s *Supervisor) { s.onError = fn }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		stats:  map[string]*taskStats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

func (s *Supervisor) Err() error {
	v := s.firstErr.Load()
	if v == nil {
		return nil
	}
	if err, ok := v.(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{
		Active:  atomic.LoadInt64(&s.active),
		Started: atomic.LoadUint64(&s.started),
	}
}

// Snapshot is intended for observability output, not for synchronization.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.mu.Lock()
	ts := make([]TaskStats, 0, len(s.stats))
	for _, st := range s.stats {
		ts = append(ts, TaskStats{
			Name:         st.name,
			Active:       st.active,
			Started:      st.started,
			Panics:       st.panics,
			Restarts:     st.restarts,
			LastStartAt:  st.lastStartAt,
			LastStopAt:   st.lastStopAt,
			LastErr:      st.lastErr,
			LastPanic:    st.lastPanic,
			TotalRuntime: st.totalRuntime,
		})
	}
	s.mu.Unlock()

	sort.Slice(ts, func(i, j int) bool {
		if ts[i].Active != ts[j].Active {
			return ts[i].Active > ts[j].Active
		}
		return ts[i].Name < ts[j].Name
	})
	snap.Tasks = ts
	return snap
}

// Running returns the names of tasks that have not exited yet.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, st := range s.stats {
		if st.active > 0 {
			out = append(out, st.name)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Supervisor) statsLocked(name string) *taskStats {
	st := s.stats[name]
	if st == nil {
		st = &taskStats{name: name}
		s.stats[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, isRestart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	st := s.statsLocked(name)
	st.started++
	if isRestart {
		st.restarts++
	}
	st.active++
	st.lastStartAt = now
	s.mu.Unlock()
	telemetry.TasksActive.WithLabelValues(name).Inc()
	return now
}

func (s *Supervisor) noteStop(name string, startedAt time.Time, err error) {
	now := time.Now()
	s.mu.Lock()
	st := s.statsLocked(name)
	if st.active > 0 {
		st.active--
	}
	st.lastStopAt = now
	st.totalRuntime += now.Sub(startedAt)
	if err != nil {
		st.lastErr = err.Error()
	}
	s.mu.Unlock()
	telemetry.TasksActive.WithLabelValues(name).Dec()
}

func (s *Supervisor) notePanic(name string, p any) {
	s.mu.Lock()
	st := s.statsLocked(name)
	st.panics++
	st.lastPanic = fmt.Sprint(p)
	s.mu.Unlock()
}

// isCancellation reports whether a task's exit is just the acknowledgement
// of a cancel request.
func (s *Supervisor) isCancellation(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || (s.ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded))
}

// Spawn launches fn in its own goroutine and tracks it until it returns.
func (s *Supervisor) Spawn(name string, fn Task) {
	if fn == nil {
		return
	}
	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)
	s.wg.Add(1)
	startedAt := s.noteStart(name, false)
	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)

		defer func() {
			if r := recover(); r != nil {
				s.notePanic(name, r)
				err := fmt.Errorf("panic in %s: %v", name, r)
				s.log.Error("task panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				s.noteStop(name, startedAt, err)
				s.fail(name, err)
			}
		}()

		s.log.Debug("task started", logx.String("name", name))
		err := fn(s.ctx)
		if s.isCancellation(err) {
			s.noteStop(name, startedAt, nil)
			s.log.Debug("task stopped", logx.String("name", name))
			return
		}
		err = fmt.Errorf("%s: %w", name, err)
		s.noteStop(name, startedAt, err)
		s.log.Error("task exited with error", logx.String("name", name), logx.Err(err))
		s.fail(name, err)
	}()
}

func (s *Supervisor) fail(name string, err error) {
	s.setErr(err)
	if s.onError != nil {
		s.onError(name, err)
	}
	if s.cancelOnErr {
		s.cancel()
	}
}

// RestartOption configures SpawnRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int // <=0 means unlimited
}

// WithRestartBackoff configures the exponential backoff window used between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts limits the number of restarts before giving up.
// The initial run is not counted as a restart.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// SpawnRestart runs fn and restarts it on error/panic using exponential
// backoff until the supervisor is canceled. A clean return stops it.
//
// Use it for auxiliary loops (status reporting) whose failure should
// self-heal rather than stop the process.
func (s *Supervisor) SpawnRestart(name string, fn Task, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.Spawn(name+".restart", func(ctx context.Context) error {
		backoff := cfg.minBackoff
		restarts := 0
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			startedAt := s.noteStart(name, restarts > 0)

			err, pan := func() (err error, pan any) {
				defer func() {
					if r := recover(); r != nil {
						pan = r
						s.log.Error("task panicked (restart)", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					}
				}()
				return fn(ctx), nil
			}()
			if pan != nil {
				s.notePanic(name, pan)
				err = fmt.Errorf("panic: %v", pan)
			}
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || err == nil {
				s.noteStop(name, startedAt, nil)
				return nil
			}
			s.noteStop(name, startedAt, err)

			restarts++
			if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
				s.log.Error("task gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts-1), logx.Err(err))
				return fmt.Errorf("%s gave up: %w", name, err)
			}
			s.log.Warn("task restarting", logx.String("name", name), logx.Duration("backoff", backoff), logx.Err(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > cfg.maxBackoff {
				backoff = cfg.maxBackoff
			}
		}
	})
}

// CancelAll signals every task to stop and waits until each has exited or
// ctx expires. A timeout is logged with the names of tasks still running
// and reported as ErrWaitTimeout; callers treat it as best-effort.
func (s *Supervisor) CancelAll(ctx context.Context) error {
	start := time.Now()
	s.cancel()
	err := s.Wait(ctx)
	if errors.Is(err, ErrWaitTimeout) {
		s.log.Warn("tasks did not stop in time", logx.Strings("running", s.Running()), logx.Duration("waited", time.Since(start)))
		return err
	}
	s.log.Debug("all tasks stopped", logx.Duration("took", time.Since(start)))
	return nil
}

// Wait blocks until all tasks return or ctx is done. It does not cancel.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ErrWaitTimeout
	case <-s.doneCh:
		return nil
	}
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}
