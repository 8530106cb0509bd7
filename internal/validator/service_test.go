package validator

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"validatord/internal/feedback"
	"validatord/internal/storage"
	logx "validatord/pkg/logx"
)

type recordingSender struct {
	mu      sync.Mutex
	batches []feedback.Batch
	err     error
}

func (r *recordingSender) Send(_ context.Context, b feedback.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
	return r.err
}

// gatedStore holds the first SaveState write until release is closed.
type gatedStore struct {
	*storage.Memory
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) SaveState(ctx context.Context, key string, data []byte) error {
	if g.calls.Add(1) == 1 {
		close(g.entered)
		<-g.release
	}
	return g.Memory.SaveState(ctx, key, data)
}

func boolPtr(v bool) *bool { return &v }

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestFeedbackUpdatesEMAScores(t *testing.T) {
	t.Parallel()
	sender := &recordingSender{}
	v := New(Config{ScoreAlpha: 0.5}, storage.NewMemory(), sender, logx.Nop())
	ctx := context.Background()

	for _, r := range []Reward{
		{TaskID: "t1", Miner: "m1", Reward: 1},
		{TaskID: "t2", Miner: "m1", Reward: 0.5},
		{TaskID: "t3", Miner: "m2", Reward: 0.2},
	} {
		if err := v.RecordReward(r); err != nil {
			t.Fatalf("RecordReward: %v", err)
		}
	}
	if err := v.UpdateScoreAndSendFeedback(ctx); err != nil {
		t.Fatalf("UpdateScoreAndSendFeedback: %v", err)
	}

	scores := v.Scores()
	if len(scores) != 2 {
		t.Fatalf("scores = %+v", scores)
	}
	// m1: 0.5*1 + 0.5*0 = 0.5, then 0.5*0.5 + 0.5*0.5 = 0.5
	if !approx(scores[0].Score, 0.5) || !approx(scores[1].Score, 0.1) {
		t.Fatalf("scores = %+v", scores)
	}
	if len(sender.batches) != 1 || len(sender.batches[0].Items) != 3 {
		t.Fatalf("batches = %+v", sender.batches)
	}
	if st := v.Snapshot(); st.Pending != 0 || st.LastFeedbackAt.IsZero() {
		t.Fatalf("status after feedback = %+v", st)
	}

	// Nothing pending: no batch.
	if err := v.UpdateScoreAndSendFeedback(ctx); err != nil {
		t.Fatalf("empty run: %v", err)
	}
	if len(sender.batches) != 1 {
		t.Fatalf("empty run sent a batch")
	}
}

func TestFeedbackFailureIsReportedNotRetried(t *testing.T) {
	t.Parallel()
	sender := &recordingSender{err: errors.New("upstream down")}
	store := storage.NewMemory()
	v := New(Config{}, store, sender, logx.Nop())
	if err := v.RecordReward(Reward{TaskID: "t1", Miner: "m1", Reward: 1}); err != nil {
		t.Fatal(err)
	}
	if err := v.UpdateScoreAndSendFeedback(context.Background()); err == nil {
		t.Fatal("expected send error")
	}
	st := v.Snapshot()
	if st.FeedbackErrors != 1 || st.Pending != 0 {
		t.Fatalf("status = %+v", st)
	}
	evs := store.Events()
	if len(evs) != 1 || evs[0].Kind != "feedback" || evs[0].OK || evs[0].Error != "upstream down" {
		t.Fatalf("events = %+v", evs)
	}
}

func TestAccuracyAndReset(t *testing.T) {
	t.Parallel()
	v := New(Config{}, storage.NewMemory(), &recordingSender{}, logx.Nop())
	ctx := context.Background()
	for _, r := range []Reward{
		{TaskID: "a", Miner: "m1", Reward: 1, Correct: boolPtr(true)},
		{TaskID: "b", Miner: "m1", Reward: 0, Correct: boolPtr(false)},
		{TaskID: "c", Miner: "m2", Reward: 1, Correct: boolPtr(true)},
		{TaskID: "d", Miner: "m3", Reward: 1},
	} {
		if err := v.RecordReward(r); err != nil {
			t.Fatal(err)
		}
	}
	if err := v.CalculateClassificationAccuracy(ctx); err != nil {
		t.Fatal(err)
	}
	// m1 = 0.5, m2 = 1.0; m3 has no classified answers.
	if got := v.Snapshot().MeanAccuracy; !approx(got, 0.75) {
		t.Fatalf("MeanAccuracy = %v, want 0.75", got)
	}
	if err := v.ResetAccuracy(ctx); err != nil {
		t.Fatal(err)
	}
	if err := v.CalculateClassificationAccuracy(ctx); err != nil {
		t.Fatal(err)
	}
	st := v.Snapshot()
	if st.MeanAccuracy != 0 || st.LastResetAt.IsZero() {
		t.Fatalf("after reset = %+v", st)
	}
}

func TestRecordRewardValidation(t *testing.T) {
	t.Parallel()
	v := New(Config{MaxMiners: 1}, storage.NewMemory(), &recordingSender{}, logx.Nop())
	tests := []struct {
		name string
		r    Reward
		want error
	}{
		{name: "missing task", r: Reward{Miner: "m", Reward: 1}, want: ErrInvalidReward},
		{name: "missing miner", r: Reward{TaskID: "t", Reward: 1}, want: ErrInvalidReward},
		{name: "out of range", r: Reward{TaskID: "t", Miner: "m", Reward: 2}, want: ErrInvalidReward},
		{name: "ok", r: Reward{TaskID: "t", Miner: "m", Reward: 1}},
		{name: "miner cap", r: Reward{TaskID: "t", Miner: "other", Reward: 1}, want: ErrTooManyMiners},
	}
	for _, tt := range tests {
		err := v.RecordReward(tt.r)
		if tt.want == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", tt.name, err)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Fatalf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestSaveAndLoadState(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	ctx := context.Background()
	v := New(Config{ScoreAlpha: 1}, store, &recordingSender{}, logx.Nop())
	if err := v.RecordReward(Reward{TaskID: "t1", Miner: "m1", Reward: 0.8, Correct: boolPtr(true)}); err != nil {
		t.Fatal(err)
	}
	if err := v.UpdateScoreAndSendFeedback(ctx); err != nil {
		t.Fatal(err)
	}
	if err := v.RecordReward(Reward{TaskID: "t2", Miner: "m1", Reward: 0.1}); err != nil {
		t.Fatal(err)
	}
	if err := v.SaveState(ctx); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	restored := New(Config{}, store, &recordingSender{}, logx.Nop())
	if err := restored.LoadState(ctx); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	st := restored.Snapshot()
	if st.Miners != 1 || st.Pending != 1 || !approx(st.MeanScore, 0.8) {
		t.Fatalf("restored status = %+v", st)
	}
	if sc := restored.Scores(); sc[0].Accuracy != 1 {
		t.Fatalf("restored accuracy = %+v", sc)
	}

	fresh := New(Config{}, storage.NewMemory(), nil, logx.Nop())
	if err := fresh.LoadState(ctx); err != nil {
		t.Fatalf("LoadState on empty store: %v", err)
	}
}

func TestRunExitsOnRequestExit(t *testing.T) {
	t.Parallel()
	v := New(Config{SyncInterval: 10 * time.Millisecond}, storage.NewMemory(), nil, logx.Nop())
	done := make(chan error, 1)
	go func() { done <- v.Run(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	v.RequestExit()
	v.RequestExit()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run ignored exit flag")
	}
	if !v.Snapshot().ExitRequested {
		t.Fatal("ExitRequested not reported")
	}
}

func TestRunReturnsContextError(t *testing.T) {
	t.Parallel()
	v := New(Config{SyncInterval: time.Hour}, storage.NewMemory(), nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- v.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run ignored cancellation")
	}
}

func TestRewardsRoute(t *testing.T) {
	t.Parallel()
	v := New(Config{}, storage.NewMemory(), nil, logx.Nop())
	r := chi.NewRouter()
	v.Mount(r)

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "accepted", body: `{"rewards":[{"task_id":"t1","miner":"m1","reward":0.4}]}`, want: http.StatusAccepted},
		{name: "partially invalid", body: `{"rewards":[{"task_id":"t2","miner":"m1","reward":0.4},{"task_id":"t3","reward":1}]}`, want: http.StatusAccepted},
		{name: "all invalid", body: `{"rewards":[{"task_id":"t4","reward":1}]}`, want: http.StatusUnprocessableEntity},
		{name: "empty", body: `{"rewards":[]}`, want: http.StatusBadRequest},
		{name: "unknown field", body: `{"reward":[]}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rewards", strings.NewReader(tt.body)))
		if rec.Code != tt.want {
			t.Fatalf("%s: status = %d, want %d (%s)", tt.name, rec.Code, tt.want, rec.Body.String())
		}
	}
	if got := v.Snapshot().Pending; got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}

	v.RequestExit()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rewards", strings.NewReader(`{"rewards":[{"task_id":"t9","miner":"m1","reward":1}]}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("after exit status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"pending":2`) {
		t.Fatalf("status route = %d %s", rec.Code, rec.Body.String())
	}
}

func TestConcurrentSavesKeepNewestSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &gatedStore{Memory: storage.NewMemory(), entered: make(chan struct{}), release: make(chan struct{})}
	v := New(Config{}, store, &recordingSender{}, logx.Nop())
	if err := v.RecordReward(Reward{TaskID: "t1", Miner: "m1", Reward: 0.5}); err != nil {
		t.Fatal(err)
	}

	first := make(chan error, 1)
	go func() { first <- v.SaveState(ctx) }()
	<-store.entered

	if err := v.RecordReward(Reward{TaskID: "t2", Miner: "m1", Reward: 0.5}); err != nil {
		t.Fatal(err)
	}
	second := make(chan error, 1)
	go func() { second <- v.SaveState(ctx) }()
	time.Sleep(20 * time.Millisecond)
	close(store.release)

	for _, ch := range []chan error{first, second} {
		if err := <-ch; err != nil {
			t.Fatalf("SaveState: %v", err)
		}
	}
	restored := New(Config{}, store.Memory, &recordingSender{}, logx.Nop())
	if err := restored.LoadState(ctx); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if got := restored.Snapshot().Pending; got != 2 {
		t.Fatalf("restored pending = %d, want 2 (older snapshot overwrote newer)", got)
	}
}

func TestCheckpointSkippedAfterExit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tests := []struct {
		name      string
		exit      bool
		wantSaved bool
	}{
		{name: "running", exit: false, wantSaved: true},
		{name: "exit requested", exit: true, wantSaved: false},
	}
	for _, tt := range tests {
		store := storage.NewMemory()
		v := New(Config{}, store, &recordingSender{}, logx.Nop())
		if err := v.RecordReward(Reward{TaskID: "t1", Miner: "m1", Reward: 0.5}); err != nil {
			t.Fatal(err)
		}
		if tt.exit {
			v.RequestExit()
		}
		v.step(ctx)
		_, ok, err := store.LoadState(ctx, stateKey)
		if err != nil {
			t.Fatalf("%s: LoadState: %v", tt.name, err)
		}
		if ok != tt.wantSaved {
			t.Fatalf("%s: checkpoint written = %v, want %v", tt.name, ok, tt.wantSaved)
		}
	}
}

func TestRewardsBatchIsAllOrNothingWhenBacklogFull(t *testing.T) {
	t.Parallel()
	v := New(Config{}, storage.NewMemory(), nil, logx.Nop())
	v.pending = make([]Reward, maxPending-1)
	r := chi.NewRouter()
	v.Mount(r)

	post := func(body string) int {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rewards", strings.NewReader(body)))
		return rec.Code
	}

	if code := post(`{"rewards":[{"task_id":"t1","miner":"m1","reward":0.4},{"task_id":"t2","miner":"m1","reward":0.4}]}`); code != http.StatusTooManyRequests {
		t.Fatalf("oversized batch status = %d, want 429", code)
	}
	if got := v.Snapshot().Pending; got != maxPending-1 {
		t.Fatalf("pending after rejected batch = %d, want %d", got, maxPending-1)
	}

	// Invalid entries take no room.
	if code := post(`{"rewards":[{"task_id":"t1","miner":"m1","reward":0.4},{"task_id":"t2","reward":0.4}]}`); code != http.StatusAccepted {
		t.Fatalf("fitting batch status = %d, want 202", code)
	}
	if got := v.Snapshot().Pending; got != maxPending {
		t.Fatalf("pending = %d, want %d", got, maxPending)
	}
}
