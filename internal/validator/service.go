package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"validatord/internal/feedback"
	"validatord/internal/storage"
	"validatord/internal/telemetry"
	logx "validatord/pkg/logx"
)

// Service holds miner scores and accuracy and runs the validator's main
// loop. The periodic jobs call its exported job methods.
type Service struct {
	cfg    Config
	log    logx.Logger
	store  storage.Store
	sender feedback.Sender

	exit     atomic.Bool
	exitOnce sync.Once
	exitCh   chan struct{}

	// saveMu serializes SaveState so an older snapshot never lands after
	// a newer one.
	saveMu sync.Mutex

	mu             sync.Mutex
	scores         map[string]float64
	accuracy       map[string]AccuracyStat
	pending        []Reward
	steps          uint64
	dirty          bool
	meanAccuracy   float64
	feedbackErrors uint64
	lastFeedbackAt time.Time
	lastAccuracyAt time.Time
	lastResetAt    time.Time
	lastSavedAt    time.Time
}

func New(cfg Config, store storage.Store, sender feedback.Sender, log logx.Logger) *Service {
	if store == nil {
		store = storage.NewMemory()
	}
	if sender == nil {
		sender = feedback.New(feedback.Config{}, log)
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("comp", "validator")),
		store:    store,
		sender:   sender,
		exitCh:   make(chan struct{}),
		scores:   map[string]float64{},
		accuracy: map[string]AccuracyStat{},
	}
}

// LoadState restores the last snapshot, if any.
func (s *Service) LoadState(ctx context.Context) error {
	b, ok, err := s.store.LoadState(ctx, stateKey)
	if err != nil {
		return fmt.Errorf("validator: load state: %w", err)
	}
	if !ok {
		s.log.Info("no saved state; starting fresh")
		return nil
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("validator: decode state: %w", err)
	}
	if st.Version != stateVersion {
		return fmt.Errorf("validator: unsupported state version %d", st.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st.Scores != nil {
		s.scores = st.Scores
	}
	if st.Accuracy != nil {
		s.accuracy = st.Accuracy
	}
	s.pending = st.Pending
	s.steps = st.Steps
	s.lastFeedbackAt = st.LastFeedbackAt
	s.lastResetAt = st.LastResetAt
	s.lastSavedAt = st.SavedAt
	s.log.Info("state restored",
		logx.Int("miners", len(s.scores)),
		logx.Int("pending", len(s.pending)),
		logx.Time("saved_at", st.SavedAt),
	)
	return nil
}

// RecordReward queues a reward for the next feedback run and counts its
// classification outcome.
func (s *Service) RecordReward(r Reward) error {
	if err := r.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) >= maxPending {
		return ErrBacklogFull
	}
	return s.recordLocked(r)
}

// RecordRewards records a batch. Either the backlog has room for every
// valid reward or nothing is recorded and ErrBacklogFull is returned. The
// result holds one error per input, nil for accepted rewards.
func (s *Service) RecordRewards(rs []Reward) ([]error, error) {
	errs := make([]error, len(rs))
	valid := 0
	for i, r := range rs {
		if errs[i] = r.validate(); errs[i] == nil {
			valid++
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending)+valid > maxPending {
		return nil, ErrBacklogFull
	}
	for i, r := range rs {
		if errs[i] == nil {
			errs[i] = s.recordLocked(r)
		}
	}
	return errs, nil
}

func (s *Service) recordLocked(r Reward) error {
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	if _, known := s.scores[r.Miner]; !known {
		if len(s.scores) >= s.cfg.MaxMiners {
			return fmt.Errorf("%w (%d)", ErrTooManyMiners, s.cfg.MaxMiners)
		}
		s.scores[r.Miner] = 0
	}
	s.pending = append(s.pending, r)
	if r.Correct != nil {
		st := s.accuracy[r.Miner]
		st.Total++
		if *r.Correct {
			st.Correct++
		}
		s.accuracy[r.Miner] = st
	}
	s.dirty = true
	telemetry.RewardsRecorded.Inc()
	return nil
}

// UpdateScoreAndSendFeedback folds pending rewards into each miner's
// exponential moving average score and sends them as one feedback batch.
// Scores are kept even when delivery fails; the batch is not retried.
func (s *Service) UpdateScoreAndSendFeedback(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	alpha := s.cfg.ScoreAlpha
	items := make([]feedback.Item, 0, len(pending))
	for _, r := range pending {
		score := alpha*r.Reward + (1-alpha)*s.scores[r.Miner]
		s.scores[r.Miner] = score
		items = append(items, feedback.Item{TaskID: r.TaskID, Miner: r.Miner, Reward: r.Reward, Score: score})
	}
	if len(items) > 0 {
		s.dirty = true
	}
	s.mu.Unlock()

	if len(items) == 0 {
		s.log.Debug("no pending rewards; feedback skipped")
		return nil
	}

	batch := feedback.NewBatch(items)
	start := time.Now()
	err := s.sender.Send(ctx, batch)
	ev := storage.Event{Kind: "feedback", Subject: batch.ID, OK: err == nil, TookMS: time.Since(start).Milliseconds(), Meta: fmt.Sprintf(`{"items":%d}`, len(items))}
	if err != nil {
		ev.Error = err.Error()
	}
	if aerr := s.store.AppendEvent(ctx, ev); aerr != nil {
		s.log.Debug("event append failed", logx.Err(aerr))
	}

	s.mu.Lock()
	if err != nil {
		s.feedbackErrors++
	} else {
		s.lastFeedbackAt = time.Now().UTC()
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("validator: send feedback batch %s: %w", batch.ID, err)
	}
	telemetry.FeedbackSent.Inc()
	s.log.Info("feedback sent", logx.String("batch", batch.ID), logx.Int("items", len(items)))
	return nil
}

// CalculateClassificationAccuracy recomputes the mean accuracy across
// miners that have classified answers since the last reset.
func (s *Service) CalculateClassificationAccuracy(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	var sum float64
	var n int
	for miner, st := range s.accuracy {
		if st.Total == 0 {
			continue
		}
		sum += st.Ratio()
		n++
		s.log.Trace("miner accuracy", logx.String("miner", miner), logx.Float64("accuracy", st.Ratio()), logx.Int("total", st.Total))
	}
	mean := 0.0
	if n > 0 {
		mean = sum / float64(n)
	}
	s.meanAccuracy = mean
	s.lastAccuracyAt = time.Now().UTC()
	s.mu.Unlock()

	telemetry.ClassificationAccuracy.Set(mean)
	s.log.Info("classification accuracy", logx.Float64("mean", mean), logx.Int("miners", n))
	return nil
}

// ResetAccuracy clears accuracy counters.
func (s *Service) ResetAccuracy(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	cleared := len(s.accuracy)
	s.accuracy = map[string]AccuracyStat{}
	s.meanAccuracy = 0
	s.lastResetAt = time.Now().UTC()
	s.dirty = true
	s.mu.Unlock()

	telemetry.ClassificationAccuracy.Set(0)
	s.log.Info("accuracy reset", logx.Int("miners", cleared))
	return nil
}

// Run is the main loop: every SyncInterval it advances the step counter
// and checkpoints changed state. It returns nil once RequestExit has been
// called and ctx.Err() when ctx ends first.
func (s *Service) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.SyncInterval)
	defer t.Stop()
	s.log.Info("validator loop started", logx.Duration("sync_interval", s.cfg.SyncInterval))

	for {
		if s.exit.Load() {
			s.log.Info("validator loop exiting")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.exitCh:
		case <-t.C:
			s.step(ctx)
		}
	}
}

func (s *Service) step(ctx context.Context) {
	s.mu.Lock()
	s.steps++
	dirty := s.dirty
	s.mu.Unlock()
	// After RequestExit the final snapshot belongs to the shutdown path.
	if !dirty || s.exit.Load() {
		return
	}
	if err := s.SaveState(ctx); err != nil {
		s.log.Warn("checkpoint failed", logx.Err(err))
	}
}

// RequestExit tells Run to return at its next check.
func (s *Service) RequestExit() {
	s.exit.Store(true)
	s.exitOnce.Do(func() { close(s.exitCh) })
}

func (s *Service) ExitRequested() bool { return s.exit.Load() }

// SaveState writes a snapshot synchronously. Concurrent calls are
// serialized from snapshot to write.
func (s *Service) SaveState(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	st := State{
		Version:        stateVersion,
		Scores:         make(map[string]float64, len(s.scores)),
		Accuracy:       make(map[string]AccuracyStat, len(s.accuracy)),
		Pending:        append([]Reward(nil), s.pending...),
		Steps:          s.steps,
		LastFeedbackAt: s.lastFeedbackAt,
		LastResetAt:    s.lastResetAt,
		SavedAt:        time.Now().UTC(),
	}
	for k, v := range s.scores {
		st.Scores[k] = v
	}
	for k, v := range s.accuracy {
		st.Accuracy[k] = v
	}
	s.dirty = false
	s.mu.Unlock()

	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("validator: encode state: %w", err)
	}
	if err := s.store.SaveState(ctx, stateKey, b); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return fmt.Errorf("validator: save state: %w", err)
	}
	s.mu.Lock()
	s.lastSavedAt = st.SavedAt
	s.mu.Unlock()
	s.log.Debug("state saved", logx.Int("bytes", len(b)), logx.Int("miners", len(st.Scores)))
	return nil
}

// Snapshot returns the current status.
func (s *Service) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Miners:         len(s.scores),
		Pending:        len(s.pending),
		Steps:          s.steps,
		MeanAccuracy:   s.meanAccuracy,
		LastFeedbackAt: s.lastFeedbackAt,
		LastAccuracyAt: s.lastAccuracyAt,
		LastResetAt:    s.lastResetAt,
		LastSavedAt:    s.lastSavedAt,
		FeedbackErrors: s.feedbackErrors,
		ExitRequested:  s.exit.Load(),
	}
	if len(s.scores) > 0 {
		var sum float64
		for _, v := range s.scores {
			sum += v
		}
		st.MeanScore = sum / float64(len(s.scores))
	}
	return st
}

// Status satisfies the coordinator's service interface.
func (s *Service) Status() any { return s.Snapshot() }

// Scores returns miner scores sorted by miner id.
func (s *Service) Scores() []MinerScore {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MinerScore, 0, len(s.scores))
	for m, v := range s.scores {
		out = append(out, MinerScore{Miner: m, Score: v, Accuracy: s.accuracy[m].Ratio()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Miner < out[j].Miner })
	return out
}

type MinerScore struct {
	Miner    string  `json:"miner"`
	Score    float64 `json:"score"`
	Accuracy float64 `json:"accuracy"`
}
