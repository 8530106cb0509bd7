package pprof

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	logx "validatord/pkg/logx"
)

func TestTokenGuardsProfiles(t *testing.T) {
	t.Parallel()
	h := New(Config{Enabled: true, Token: "s3cret"}, logx.Nop()).Handler()

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{name: "no token", target: "/debug/pprof/", want: http.StatusUnauthorized},
		{name: "wrong token", target: "/debug/pprof/?token=nope", want: http.StatusUnauthorized},
		{name: "query token", target: "/debug/pprof/?token=s3cret", want: http.StatusOK},
		{name: "bearer", target: "/debug/pprof/", header: "Bearer s3cret", want: http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.target, nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Fatalf("%s: status = %d, want %d", tt.name, rec.Code, tt.want)
		}
	}
}

func TestRunRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	if err := s.Run(context.Background()); !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("Run = %v, want ErrInsecureBind", err)
	}
}

func TestRunDisabledReturnsImmediately(t *testing.T) {
	t.Parallel()
	if err := New(Config{}, logx.Nop()).Run(context.Background()); err != nil {
		t.Fatalf("Run = %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
}
