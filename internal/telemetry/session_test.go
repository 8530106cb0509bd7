package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	logx "validatord/pkg/logx"
)

func TestSessionFlushPushesMetrics(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		path.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	s := NewSession(SessionConfig{PushURL: srv.URL, Job: "unit"}, reg, logx.Nop())
	if !s.Enabled() {
		t.Fatal("session with push url should be enabled")
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("push hits = %d, want 1", hits.Load())
	}
	if p, _ := path.Load().(string); !strings.Contains(p, "/job/unit") {
		t.Fatalf("push path = %q", p)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Flush(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Flush after close = %v, want ErrSessionClosed", err)
	}
}

func TestSessionWithoutURLIsNoop(t *testing.T) {
	t.Parallel()
	s := NewSession(SessionConfig{}, prometheus.NewRegistry(), logx.Nop())
	if s.Enabled() {
		t.Fatal("session without url should be disabled")
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}
