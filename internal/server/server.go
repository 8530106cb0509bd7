package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"validatord/internal/telemetry"
	logx "validatord/pkg/logx"
)

const (
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 8091
	DefaultMaxBodyBytes      = 1 << 20
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 10 * time.Second

	// APIPrefix is where the caller's route group is mounted.
	APIPrefix = "/api/v1"
)

var (
	ErrNotConfigured = errors.New("server: not configured")
	ErrServing       = errors.New("server: already serving")
)

type Config struct {
	Host              string
	Port              int // 0 picks a free port
	MaxBodyBytes      int64
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Host) == "" {
		c.Host = DefaultHost
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// Routes registers handlers on the API group.
type Routes func(r chi.Router)

// Server adapts an http.Server to blocking Serve / RequestStop semantics.
type Server struct {
	cfg Config
	log logx.Logger

	mu      sync.Mutex
	handler http.Handler
	ln      net.Listener
	serving bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config, log logx.Logger) *Server {
	return &Server{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "server")),
		stopCh: make(chan struct{}),
	}
}

// Configure builds the handler chain. Order, outermost first: body limit,
// CORS, request id, panic recovery, request log, then mw in the given order.
// routes are mounted under /api/v1; /healthz and /metrics sit at the root.
func (s *Server) Configure(routes Routes, mw []func(http.Handler) http.Handler, policy cors.Options) {
	r := chi.NewRouter()
	r.Use(BodyLimit(s.cfg.MaxBodyBytes))
	r.Use(cors.Handler(policy))
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))
	for _, m := range mw {
		if m != nil {
			r.Use(m)
		}
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())
	if routes != nil {
		r.Route(APIPrefix, func(api chi.Router) { routes(api) })
	}

	s.mu.Lock()
	s.handler = r
	s.mu.Unlock()
}

func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

// Listen binds the socket so bind errors surface during startup, before
// Serve is called. Serve calls it itself when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.ln = ln
	return nil
}

// Addr is the bound address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve blocks until RequestStop is called, ctx ends, or the server fails.
// A requested stop drains in-flight requests for at most ShutdownTimeout and
// returns nil; a server failure is returned as is.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.handler == nil {
		s.mu.Unlock()
		return ErrNotConfigured
	}
	if s.serving {
		s.mu.Unlock()
		return ErrServing
	}
	s.serving = true
	ln := s.ln
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("server listening", logx.String("addr", ln.Addr().String()), logx.Int64("max_body_bytes", s.cfg.MaxBodyBytes))

	var reason string
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.log.Error("server failed", logx.Err(err))
		return fmt.Errorf("server: serve: %w", err)
	case <-s.stopCh:
		reason = "stop requested"
	case <-ctx.Done():
		reason = "context done"
	}

	s.log.Info("server shutting down", logx.String("reason", reason), logx.Duration("timeout", s.cfg.ShutdownTimeout))
	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("graceful shutdown incomplete; closing", logx.Err(err))
		_ = srv.Close()
	}
	<-errCh
	s.log.Info("server stopped")
	return nil
}

// RequestStop makes Serve return after a graceful shutdown. Safe to call
// more than once and before Serve.
func (s *Server) RequestStop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Close releases a listener bound by Listen when Serve never ran.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil || s.serving {
		return nil
	}
	err := s.ln.Close()
	s.ln = nil
	return err
}
