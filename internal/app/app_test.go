package app

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"validatord/internal/config"
	"validatord/internal/runtime/lifecycle"
	"validatord/internal/storage"
	"validatord/internal/task/scheduler"
	logx "validatord/pkg/logx"
)

var epoch = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// journal records calls from every fake in order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(e string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) count(e string) int {
	n := 0
	for _, x := range j.list() {
		if x == e {
			n++
		}
	}
	return n
}

// fakeService ignores the exit flag and only returns on cancellation, so
// the journal shows when the task was actually cancelled.
type fakeService struct {
	j       *journal
	runErr  error
	saveErr error
}

func (f *fakeService) Run(ctx context.Context) error {
	if f.runErr != nil {
		return f.runErr
	}
	<-ctx.Done()
	f.j.add("cancelled")
	return ctx.Err()
}

func (f *fakeService) SaveState(context.Context) error {
	f.j.add("save")
	return f.saveErr
}

func (f *fakeService) RequestExit() { f.j.add("exit") }

func (f *fakeService) Status() any { return map[string]int{"saves": f.j.count("save")} }

type fakeTelemetry struct{ j *journal }

func (f fakeTelemetry) Flush(context.Context) error { f.j.add("flush"); return nil }
func (f fakeTelemetry) Close() error                { f.j.add("close"); return nil }

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) Notify(state string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, state)
	return nil
}

func (n *recordingNotifier) sent(msg string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Contains(n.msgs, msg)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(port int) *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Host: "127.0.0.1", Port: port, ShutdownTimeout: "2s"},
		Storage:  &config.StorageConfig{Driver: "memory"},
		Shutdown: config.ShutdownConfig{StepTimeout: "2s", CancelTimeout: "2s"},
	}
}

type harness struct {
	app   *App
	clock *scheduler.ManualClock
	j     *journal
	svc   *fakeService
	note  *recordingNotifier
}

func newHarness(t *testing.T, cfg *config.Config, svc *fakeService) *harness {
	t.Helper()
	j := &journal{}
	if svc == nil {
		svc = &fakeService{}
	}
	svc.j = j
	h := &harness{clock: scheduler.NewManualClock(epoch), j: j, svc: svc, note: &recordingNotifier{}}
	a, err := New(cfg,
		WithLogger(logx.Nop()),
		WithClock(h.clock),
		WithService(svc),
		WithStore(storage.NewMemory()),
		WithTelemetry(fakeTelemetry{j: j}),
		WithNotifier(h.note),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.app = a
	return h
}

func (h *harness) run() <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.app.Run(context.Background()) }()
	return done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func jobInfo(t *testing.T, s *scheduler.Scheduler, name string) scheduler.JobInfo {
	t.Helper()
	for _, j := range s.Snapshot().Jobs {
		if j.Name == name {
			return j
		}
	}
	t.Fatalf("job %q not in snapshot", name)
	return scheduler.JobInfo{}
}

func TestRunFiresJobsAndShutsDownInOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(freePort(t)), nil)

	var runs atomic.Int32
	err := h.app.Scheduler().Register(scheduler.Job{
		Name:    "tick",
		Trigger: scheduler.EveryMinutes(1),
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	done := h.run()
	waitFor(t, "running", func() bool { return h.app.State() == lifecycle.Running })

	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Minute)
	}
	waitFor(t, "three runs", func() bool { return jobInfo(t, h.app.Scheduler(), "tick").Runs == 3 })
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}

	resp, err := http.Get("http://" + h.app.Addr() + "/api/v1/jobs")
	if err != nil {
		t.Fatalf("GET jobs: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"tick"`) {
		t.Fatalf("jobs route = %d %s", resp.StatusCode, body)
	}

	h.app.Stop()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}

	want := []string{"exit", "save", "flush", "close", "cancelled"}
	if got := h.j.list(); !slices.Equal(got, want) {
		t.Fatalf("shutdown order = %v, want %v", got, want)
	}
	var states []lifecycle.State
	for _, tr := range h.app.History() {
		states = append(states, tr.To)
	}
	if !slices.Equal(states, []lifecycle.State{lifecycle.Running, lifecycle.ShuttingDown, lifecycle.Stopped}) {
		t.Fatalf("states = %v", states)
	}
	if !h.note.sent(daemon.SdNotifyReady) || !h.note.sent(daemon.SdNotifyStopping) {
		t.Fatalf("notifications = %v", h.note.msgs)
	}
	if jobInfo(t, h.app.Scheduler(), "tick").Runs != 3 {
		t.Fatal("job fired after shutdown")
	}
}

func TestSlowJobNeverOverlaps(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(freePort(t)), nil)

	release := make(chan struct{})
	var active, peak atomic.Int32
	err := h.app.Scheduler().Register(scheduler.Job{
		Name:         "slow",
		Trigger:      scheduler.EveryMinutes(1),
		MaxInstances: 1,
		Run: func(context.Context) error {
			n := active.Add(1)
			defer active.Add(-1)
			if n > peak.Load() {
				peak.Store(n)
			}
			<-release
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	done := h.run()
	waitFor(t, "running", func() bool { return h.app.State() == lifecycle.Running })
	h.clock.Advance(time.Minute)
	waitFor(t, "first run", func() bool { return active.Load() == 1 })
	h.clock.Advance(time.Minute)
	h.clock.Advance(time.Minute)

	waitFor(t, "two skips", func() bool { return jobInfo(t, h.app.Scheduler(), "slow").Skips == 2 })
	if info := jobInfo(t, h.app.Scheduler(), "slow"); info.LastSkip != scheduler.SkipMaxInstances || info.Running != 1 {
		t.Fatalf("slow = %+v", info)
	}
	close(release)

	h.app.Stop()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if peak.Load() != 1 {
		t.Fatalf("peak concurrency = %d, want 1", peak.Load())
	}
}

func TestStartupFailureTearsDown(t *testing.T) {
	t.Parallel()
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()
	h := newHarness(t, testConfig(busy.Addr().(*net.TCPAddr).Port), nil)

	err = waitDone(t, h.run())
	var se *StartupError
	if !errors.As(err, &se) || se.Step != "server" {
		t.Fatalf("Run = %v, want StartupError at server", err)
	}
	if h.app.State() != lifecycle.Stopped {
		t.Fatalf("state = %s", h.app.State())
	}
	if h.j.count("cancelled") != 1 {
		t.Fatalf("background task not cancelled: %v", h.j.list())
	}
	if h.note.sent(daemon.SdNotifyReady) {
		t.Fatal("READY sent for a failed startup")
	}
}

func TestFatalServiceErrorStopsProcess(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	h := newHarness(t, testConfig(freePort(t)), &fakeService{runErr: boom})

	err := waitDone(t, h.run())
	var sd *ShutdownError
	if !errors.As(err, &sd) || !errors.Is(err, boom) {
		t.Fatalf("Run = %v, want ShutdownError wrapping boom", err)
	}
	if h.j.count("save") != 1 {
		t.Fatalf("state not saved on fatal stop: %v", h.j.list())
	}
	if h.app.State() != lifecycle.Stopped {
		t.Fatalf("state = %s", h.app.State())
	}
}

func TestFailedStepDoesNotAbortShutdown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(freePort(t)), &fakeService{saveErr: errors.New("disk full")})

	done := h.run()
	waitFor(t, "running", func() bool { return h.app.State() == lifecycle.Running })
	h.app.Stop()

	err := waitDone(t, done)
	var sd *ShutdownError
	if !errors.As(err, &sd) {
		t.Fatalf("Run = %v, want ShutdownError", err)
	}
	if sd.Cause != nil || !slices.Equal(sd.Failed, []string{stepSaveState}) {
		t.Fatalf("ShutdownError = %+v", sd)
	}
	want := []string{"exit", "save", "flush", "close", "cancelled"}
	if got := h.j.list(); !slices.Equal(got, want) {
		t.Fatalf("steps = %v, want %v", got, want)
	}
}

func TestContextCancelIsCleanStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(freePort(t)), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.app.Run(ctx) }()

	waitFor(t, "running", func() bool { return h.app.State() == lifecycle.Running })
	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	if h.j.count("save") != 1 {
		t.Fatalf("journal = %v", h.j.list())
	}
	if err := h.app.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Run = %v", err)
	}
}

func TestBuiltInJobsHonorOverrides(t *testing.T) {
	t.Parallel()
	off := false
	cfg := testConfig(freePort(t))
	cfg.Jobs = map[string]config.JobConfig{
		JobSendFeedback:  {Schedule: "15m", MaxInstances: 1, Timeout: "30s"},
		JobResetAccuracy: {Enabled: &off},
		"unknown":        {MaxInstances: 2},
	}
	a, err := New(cfg, WithLogger(logx.Nop()), WithNotifier(lifecycle.NopNotifier{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.store.Close()

	jobs := a.Scheduler().Snapshot().Jobs
	if len(jobs) != 2 {
		t.Fatalf("jobs = %+v", jobs)
	}
	fb := jobInfo(t, a.Scheduler(), JobSendFeedback)
	if fb.MaxInstances != 1 || fb.Timeout != 30*time.Second || fb.Trigger != "every 15m0s" {
		t.Fatalf("send_feedback = %+v", fb)
	}
	acc := jobInfo(t, a.Scheduler(), JobClassificationAccuracy)
	if acc.MaxInstances != scheduler.DefaultMaxInstances || acc.MisfireGrace != scheduler.DefaultMisfireGrace {
		t.Fatalf("classification_accuracy = %+v", acc)
	}

	cfg.Jobs = map[string]config.JobConfig{JobSendFeedback: {Schedule: "whenever"}}
	if _, err := New(cfg, WithLogger(logx.Nop())); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}
