package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"validatord/internal/telemetry"
	logx "validatord/pkg/logx"
)

type jobState struct {
	job  Job
	next time.Time
	prev time.Time

	running          int
	runs             uint64
	failures         uint64
	skips            uint64
	misfires         uint64
	consecutiveSkips int
	lastSkip         SkipReason
	lastRunID        string
	lastDuration     time.Duration
	lastErr          string

	alert *rate.Limiter
}

type launch struct {
	st        *jobState
	runID     string
	scheduled time.Time
}

// Scheduler owns the tick loop and the per-job bookkeeping.
type Scheduler struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	loc   *time.Location
	clock Clock

	jobs  map[string]*jobState
	order []string

	started  bool
	stopped  bool
	runCtx   context.Context
	stopCh   chan struct{}
	loopDone chan struct{}
	inFlight sync.WaitGroup
}

type Option func(*Scheduler)

// WithClock replaces the system clock, typically with a ManualClock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func New(cfg Config, log logx.Logger, opts ...Option) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler: load timezone %q: %w", tz, err)
		}
		loc = l
	}
	s := &Scheduler{
		log:      log.With(logx.String("comp", "scheduler")),
		cfg:      cfg,
		loc:      loc,
		clock:    SystemClock,
		jobs:     map[string]*jobState{},
		runCtx:   context.Background(),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Location is the zone used for aligned and cron triggers.
func (s *Scheduler) Location() *time.Location { return s.loc }

// Register adds a job. Zero policy fields take the configured defaults.
// Jobs registered after Start get their first fire computed from now.
func (s *Scheduler) Register(job Job) error {
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" || job.Trigger == nil || job.Run == nil {
		return fmt.Errorf("%w: name, trigger and run are required", ErrInvalidJob)
	}
	if job.MaxInstances <= 0 {
		job.MaxInstances = s.cfg.DefaultMaxInstances
	}
	if job.MisfireGrace <= 0 {
		job.MisfireGrace = s.cfg.DefaultMisfireGrace
	}
	if p := minPeriod(job.Trigger); p > 0 && p <= s.cfg.TickResolution {
		return fmt.Errorf("%w: %s interval %s must exceed tick resolution %s", ErrInvalidJob, job.Name, p, s.cfg.TickResolution)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}
	st := &jobState{
		job:   job,
		alert: rate.NewLimiter(rate.Every(s.cfg.SkipAlertInterval), 1),
	}
	if s.started {
		st.next = job.Trigger.Next(s.clock.Now())
	}
	s.jobs[job.Name] = st
	s.order = append(s.order, job.Name)
	s.log.Info("job registered",
		logx.String("job", job.Name),
		logx.String("trigger", describe(job.Trigger)),
		logx.Int("max_instances", job.MaxInstances),
		logx.Duration("misfire_grace", job.MisfireGrace),
	)
	return nil
}

// Start computes first fires and begins ticking. Runs launched later use a
// context detached from ctx's cancellation, so neither ctx nor Stop cancels
// a run that is already in progress; Job.Timeout is the only bound.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.runCtx = context.WithoutCancel(ctx)
	now := s.clock.Now()
	for _, name := range s.order {
		st := s.jobs[name]
		st.next = st.job.Trigger.Next(now)
	}
	ticker := s.clock.NewTicker(s.cfg.TickResolution)
	s.mu.Unlock()

	go s.loop(ctx, ticker)
	s.log.Info("scheduler started", logx.Int("jobs", len(s.order)), logx.Duration("tick", s.cfg.TickResolution))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, ticker Ticker) {
	defer close(s.loopDone)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.log.Debug("tick loop ended by context")
			return
		case now := <-ticker.C():
			s.tick(now)
		}
	}
}

// tick considers every job whose next fire has passed.
func (s *Scheduler) tick(now time.Time) {
	var launches []launch

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	for _, name := range s.order {
		st := s.jobs[name]
		if st.next.IsZero() || st.next.After(now) {
			continue
		}

		scheduled := st.next
		next := st.job.Trigger.Next(scheduled)
		var missed uint64
		for !next.IsZero() && !next.After(now) {
			missed++
			scheduled = next
			next = st.job.Trigger.Next(next)
		}
		st.next = next
		st.prev = scheduled
		if missed > 0 {
			st.misfires += missed
			telemetry.JobSkips.WithLabelValues(name, "coalesced").Add(float64(missed))
			s.log.Debug("coalesced missed fires", logx.String("job", name), logx.Uint64("missed", missed))
		}

		if st.running >= st.job.MaxInstances {
			s.skipLocked(st, now, scheduled, SkipMaxInstances)
			continue
		}
		if now.Sub(scheduled) > st.job.MisfireGrace {
			s.skipLocked(st, now, scheduled, SkipMisfire)
			continue
		}

		st.running++
		st.consecutiveSkips = 0
		st.lastRunID = uuid.NewString()
		telemetry.JobRunning.WithLabelValues(name).Set(float64(st.running))
		telemetry.JobConsecutiveSkips.WithLabelValues(name).Set(0)
		telemetry.JobRuns.WithLabelValues(name).Inc()
		s.inFlight.Add(1)
		launches = append(launches, launch{st: st, runID: st.lastRunID, scheduled: scheduled})
	}
	s.mu.Unlock()

	for _, l := range launches {
		go s.run(l)
	}
}

func (s *Scheduler) skipLocked(st *jobState, now, scheduled time.Time, reason SkipReason) {
	name := st.job.Name
	st.skips++
	st.consecutiveSkips++
	st.lastSkip = reason
	telemetry.JobSkips.WithLabelValues(name, string(reason)).Inc()
	telemetry.JobConsecutiveSkips.WithLabelValues(name).Set(float64(st.consecutiveSkips))

	fields := []logx.Field{
		logx.String("job", name),
		logx.String("reason", string(reason)),
		logx.Time("scheduled", scheduled),
		logx.Duration("late", now.Sub(scheduled)),
		logx.Int("running", st.running),
		logx.Int("streak", st.consecutiveSkips),
	}
	s.log.Warn("job run skipped", fields...)

	if st.consecutiveSkips >= s.cfg.SkipAlertThreshold && st.alert.AllowN(now, 1) {
		s.log.Warn("job repeatedly skipped", append(fields, logx.Time("next", st.next))...)
	}
}

func (s *Scheduler) run(l launch) {
	defer s.inFlight.Done()
	name := l.st.job.Name
	log := s.log.With(logx.String("job", name), logx.String("run_id", l.runID))
	started := time.Now()

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("job panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		s.finish(l, time.Since(started), err, log)
	}()

	ctx := s.runCtx
	if l.st.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.st.job.Timeout)
		defer cancel()
	}
	log.Debug("job run started", logx.Time("scheduled", l.scheduled))
	err = l.st.job.Run(ctx)
}

func (s *Scheduler) finish(l launch, took time.Duration, err error, log logx.Logger) {
	name := l.st.job.Name
	telemetry.JobDuration.WithLabelValues(name).Observe(took.Seconds())

	s.mu.Lock()
	st := l.st
	if st.running > 0 {
		st.running--
	}
	st.runs++
	st.lastDuration = took
	failed := err != nil && !errors.Is(err, context.Canceled)
	if failed {
		st.failures++
		st.lastErr = err.Error()
	}
	running := st.running
	s.mu.Unlock()

	telemetry.JobRunning.WithLabelValues(name).Set(float64(running))
	if failed {
		telemetry.JobFailures.WithLabelValues(name).Inc()
		log.Error("job run failed", logx.Duration("took", took), logx.Err(err))
		return
	}
	log.Debug("job run finished", logx.Duration("took", took))
}

// Stop halts new fires and waits for in-flight runs until ctx ends. Runs
// still going at that point are left to finish on their own and
// ErrStopTimeout is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	wasStarted := s.started
	close(s.stopCh)
	s.mu.Unlock()

	if wasStarted {
		<-s.loopDone
	}

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler stopped with runs in flight", logx.Strings("jobs", s.runningJobs()))
		return ErrStopTimeout
	}
}

func (s *Scheduler) runningJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, name := range s.order {
		if s.jobs[name].running > 0 {
			out = append(out, name)
		}
	}
	return out
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Started:        s.started,
		Stopped:        s.stopped,
		Timezone:       s.loc.String(),
		TickResolution: s.cfg.TickResolution,
		Jobs:           make([]JobInfo, 0, len(s.order)),
	}
	for _, name := range s.order {
		st := s.jobs[name]
		snap.InFlight += st.running
		snap.Jobs = append(snap.Jobs, JobInfo{
			Name:             name,
			Trigger:          describe(st.job.Trigger),
			Next:             st.next,
			Prev:             st.prev,
			Running:          st.running,
			MaxInstances:     st.job.MaxInstances,
			MisfireGrace:     st.job.MisfireGrace,
			Timeout:          st.job.Timeout,
			Runs:             st.runs,
			Failures:         st.failures,
			Skips:            st.skips,
			Misfires:         st.misfires,
			ConsecutiveSkips: st.consecutiveSkips,
			LastSkip:         st.lastSkip,
			LastRunID:        st.lastRunID,
			LastDuration:     st.lastDuration,
			LastError:        st.lastErr,
		})
	}
	return snap
}
