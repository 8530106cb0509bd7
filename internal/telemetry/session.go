package telemetry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	logx "validatord/pkg/logx"
)

// ErrSessionClosed is returned by Flush after Close.
var ErrSessionClosed = errors.New("telemetry session closed")

// SessionConfig configures the external telemetry session.
//
// When PushURL is empty the session is local-only: Flush and Close succeed
// without doing any I/O.
type SessionConfig struct {
	PushURL  string
	Job      string
	Instance string
	Timeout  time.Duration
}

// Session pushes the process metrics to a Prometheus Pushgateway so a
// final snapshot survives process exit.
type Session struct {
	mu     sync.Mutex
	cfg    SessionConfig
	log    logx.Logger
	pusher *push.Pusher
	closed bool
}

func NewSession(cfg SessionConfig, gatherer prometheus.Gatherer, log logx.Logger) *Session {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Job) == "" {
		cfg.Job = "validatord"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if gatherer == nil {
		Register()
		gatherer = prometheus.DefaultGatherer
	}
	s := &Session{cfg: cfg, log: log}
	if u := strings.TrimSpace(cfg.PushURL); u != "" {
		p := push.New(u, cfg.Job).Gatherer(gatherer)
		if cfg.Instance != "" {
			p = p.Grouping("instance", cfg.Instance)
		}
		s.pusher = p
	}
	return s
}

// Enabled reports whether the session talks to a remote endpoint.
func (s *Session) Enabled() bool { return s.pusher != nil }

// Flush pushes the current metric snapshot.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.pusher == nil {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	start := time.Now()
	if err := s.pusher.PushContext(pctx); err != nil {
		return err
	}
	s.log.Debug("telemetry flushed", logx.String("url", s.cfg.PushURL), logx.Duration("took", time.Since(start)))
	return nil
}

// Close ends the session. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
