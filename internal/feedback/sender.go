// Package feedback delivers score feedback batches to an upstream endpoint.
package feedback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "validatord/pkg/logx"
)

var ErrRejected = errors.New("feedback: endpoint rejected batch")

// Item is the feedback for one miner on one task.
type Item struct {
	TaskID string  `json:"task_id"`
	Miner  string  `json:"miner"`
	Reward float64 `json:"reward"`
	Score  float64 `json:"score"` // miner score after this reward
}

type Batch struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Items     []Item    `json:"items"`
}

func NewBatch(items []Item) Batch {
	return Batch{ID: uuid.NewString(), CreatedAt: time.Now().UTC(), Items: items}
}

// Sender delivers a batch. Implementations must honor ctx.
type Sender interface {
	Send(ctx context.Context, b Batch) error
}

type Config struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
}

// New returns an HTTP sender when an endpoint is configured and a
// log-only sender otherwise.
func New(cfg Config, log logx.Logger) Sender {
	log = log.With(logx.String("comp", "feedback"))
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return LogSender{log: log}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPSender{
		endpoint: strings.TrimSpace(cfg.Endpoint),
		token:    strings.TrimSpace(cfg.Token),
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}
}

// HTTPSender POSTs each batch as JSON.
type HTTPSender struct {
	endpoint string
	token    string
	client   *http.Client
	log      logx.Logger
}

func (s *HTTPSender) Send(ctx context.Context, b Batch) error {
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("feedback: encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("feedback: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", b.ID)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("feedback: post: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	s.log.Debug("feedback delivered",
		logx.String("batch", b.ID),
		logx.Int("items", len(b.Items)),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

// LogSender only logs batches.
type LogSender struct {
	log logx.Logger
}

func (s LogSender) Send(_ context.Context, b Batch) error {
	s.log.Info("feedback batch (no endpoint configured)", logx.String("batch", b.ID), logx.Int("items", len(b.Items)))
	return nil
}
