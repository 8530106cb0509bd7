package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"validatord/internal/telemetry"
	logx "validatord/pkg/logx"
)

// AllowAll is the CORS policy for the API: any origin, method and header.
func AllowAll() cors.Options {
	return cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
			http.MethodDelete, http.MethodHead, http.MethodOptions,
		},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         300,
	}
}

// BodyLimit rejects requests whose declared Content-Length exceeds max with
// 413 before any routing happens, and caps streamed bodies at max bytes.
// max <= 0 disables the limit.
func BodyLimit(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if max <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > max {
				telemetry.HTTPRejectedBodies.Inc()
				WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, max)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs each completed request; probes and scrapes at DEBUG.
func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			fields := []logx.Field{
				logx.String("request_id", middleware.GetReqID(r.Context())),
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("took", time.Since(start)),
			}
			if isProbePath(r.URL.Path) {
				log.Debug("http request", fields...)
				return
			}
			log.Info("http request", fields...)
		})
	}
}

func isProbePath(path string) bool {
	return path == "/healthz" || path == "/metrics" || strings.HasPrefix(path, "/healthz/")
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}
