package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "validatord/pkg/logx"
)

func TestHTTPSenderPostsBatch(t *testing.T) {
	t.Parallel()
	got := make(chan Batch, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("Authorization = %q", auth)
		}
		var b Batch
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			t.Errorf("decode: %v", err)
		}
		if r.Header.Get("Idempotency-Key") != b.ID {
			t.Errorf("Idempotency-Key does not match batch id")
		}
		got <- b
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := New(Config{Endpoint: srv.URL, Token: "secret", Timeout: time.Second}, logx.Nop())
	batch := NewBatch([]Item{{TaskID: "t1", Miner: "m1", Reward: 0.5, Score: 0.05}})
	if err := s.Send(context.Background(), batch); err != nil {
		t.Fatalf("Send: %v", err)
	}
	b := <-got
	if b.ID != batch.ID || len(b.Items) != 1 || b.Items[0].Miner != "m1" {
		t.Fatalf("received batch = %+v", b)
	}
}

func TestHTTPSenderRejected(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := New(Config{Endpoint: srv.URL}, logx.Nop())
	err := s.Send(context.Background(), NewBatch(nil))
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Send = %v, want ErrRejected", err)
	}
}

func TestNewWithoutEndpointLogsOnly(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	if _, ok := s.(LogSender); !ok {
		t.Fatalf("sender = %T, want LogSender", s)
	}
	if err := s.Send(context.Background(), NewBatch(nil)); err != nil {
		t.Fatalf("Send: %v", err)
	}
}
