package validator

import (
	"errors"
	"time"
)

const (
	DefaultSyncInterval = 30 * time.Second
	DefaultScoreAlpha   = 0.1
	DefaultMaxMiners    = 4096
	// maxPending bounds rewards waiting for the next feedback run.
	maxPending = 10000

	stateKey = "validator"
)

var (
	ErrInvalidReward = errors.New("validator: invalid reward")
	ErrTooManyMiners = errors.New("validator: miner limit reached")
	ErrBacklogFull   = errors.New("validator: reward backlog full")
)

type Config struct {
	SyncInterval time.Duration
	ScoreAlpha   float64
	MaxMiners    int
}

func (c Config) withDefaults() Config {
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.ScoreAlpha <= 0 || c.ScoreAlpha > 1 {
		c.ScoreAlpha = DefaultScoreAlpha
	}
	if c.MaxMiners <= 0 {
		c.MaxMiners = DefaultMaxMiners
	}
	return c
}

// Reward is one scored miner response posted to /api/v1/rewards.
// Correct, when present, feeds classification accuracy.
type Reward struct {
	TaskID  string    `json:"task_id"`
	Miner   string    `json:"miner"`
	Reward  float64   `json:"reward"`
	Correct *bool     `json:"correct,omitempty"`
	At      time.Time `json:"at,omitempty"`
}

func (r Reward) validate() error {
	switch {
	case r.TaskID == "":
		return errors.Join(ErrInvalidReward, errors.New("task_id required"))
	case r.Miner == "":
		return errors.Join(ErrInvalidReward, errors.New("miner required"))
	case r.Reward < 0 || r.Reward > 1:
		return errors.Join(ErrInvalidReward, errors.New("reward must be within [0,1]"))
	}
	return nil
}

// AccuracyStat counts classified answers for one miner.
type AccuracyStat struct {
	Correct int `json:"correct"`
	Total   int `json:"total"`
}

func (a AccuracyStat) Ratio() float64 {
	if a.Total == 0 {
		return 0
	}
	return float64(a.Correct) / float64(a.Total)
}

// State is what SaveState persists.
type State struct {
	Version        int                     `json:"version"`
	Scores         map[string]float64      `json:"scores"`
	Accuracy       map[string]AccuracyStat `json:"accuracy"`
	Pending        []Reward                `json:"pending,omitempty"`
	Steps          uint64                  `json:"steps"`
	LastFeedbackAt time.Time               `json:"last_feedback_at,omitempty"`
	LastResetAt    time.Time               `json:"last_reset_at,omitempty"`
	SavedAt        time.Time               `json:"saved_at"`
}

const stateVersion = 1

// Status is the operational summary logged by the status loop and
// served on /api/v1/status.
type Status struct {
	Miners         int       `json:"miners"`
	Pending        int       `json:"pending"`
	Steps          uint64    `json:"steps"`
	MeanScore      float64   `json:"mean_score"`
	MeanAccuracy   float64   `json:"mean_accuracy"`
	LastFeedbackAt time.Time `json:"last_feedback_at,omitempty"`
	LastAccuracyAt time.Time `json:"last_accuracy_at,omitempty"`
	LastResetAt    time.Time `json:"last_reset_at,omitempty"`
	LastSavedAt    time.Time `json:"last_saved_at,omitempty"`
	FeedbackErrors uint64    `json:"feedback_errors"`
	ExitRequested  bool      `json:"exit_requested"`
}
