package ingest

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"siem-correlator/internal/config"
	"siem-correlator/internal/logging"
)

// WithMiddleware wraps handler so that panics are recovered, every request
// is logged and, when auth is enabled, an API key is required.
func WithMiddleware(handler http.Handler, cfg *config.Config) http.Handler {
	h := handler
	if cfg.Auth.Enabled {
		h = requireAPIKey(cfg.Auth)(h)
	}
	return recoverPanics(logRequests(h))
}

// openPaths are served without an API key so probes and scrapers work.
var openPaths = map[string]bool{"/health": true, "/metrics": true}

func requireAPIKey(auth config.AuthConfig) func(http.Handler) http.Handler {
	header := auth.APIKeyHeader
	if header == "" {
		header = "X-API-Key"
	}
	keys := make([][]byte, 0, len(auth.APIKeys))
	for _, k := range auth.APIKeys {
		keys = append(keys, []byte(k))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if openPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get(header)
			switch {
			case key == "":
				writeFailure(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing API key")
			case !validKey(keys, []byte(key)):
				slog.Warn("rejected API key", "key", logging.MaskAPIKey(key), "remote_addr", r.RemoteAddr)
				writeFailure(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid API key")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// validKey compares candidate with every key, so the time taken does not
// depend on which key matched.
func validKey(keys [][]byte, candidate []byte) bool {
	match := 0
	for _, k := range keys {
		match |= subtle.ConstantTimeCompare(k, candidate)
	}
	return match == 1
}

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(began).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				slog.Error("panic recovered", "error", v, "path", r.URL.Path)
				writeFailure(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeFailure(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}
