// Package pprof serves runtime profiles on a separate, opt-in listener.
package pprof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	logx "validatord/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

var ErrInsecureBind = errors.New("pprof: non-loopback addr requires token or allow_insecure")

// Config controls the debug listener. Prefer a loopback Addr; binding
// anywhere else needs Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
}

type Server struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, log: log.With(logx.String("comp", "pprof"))}
}

func (s *Server) Enabled() bool { return s.cfg.Enabled }

// Handler mounts chi's profiler under /debug behind the optional token.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(bearerAuth(s.cfg.Token))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Mount("/debug", middleware.Profiler())
	return r
}

// Run listens and serves until ctx ends. It is meant to run as a
// supervised, restartable task.
func (s *Server) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	if !s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		return fmt.Errorf("%w (%s)", ErrInsecureBind, s.cfg.Addr)
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("pprof: listen %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("pprof listening", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return errors.New("pprof: server exited unexpectedly")
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
	<-errCh
	s.log.Debug("pprof stopped")
	return ctx.Err()
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
