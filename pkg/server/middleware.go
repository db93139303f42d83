package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SourceRateLimiter keeps one token bucket per calling source. Voice
// probes, the UI and shell scripts each identify via X-Source, so a
// chatty probe cannot starve the rest.
type SourceRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*sourceBucket
	rps     rate.Limit
	burst   int
}

type sourceBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewSourceRateLimiter builds a limiter allowing rps requests per
// second with the given burst per source.
func NewSourceRateLimiter(rps float64, burst int) *SourceRateLimiter {
	rl := &SourceRateLimiter{
		buckets: make(map[string]*sourceBucket),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
	go rl.cleanup()
	return rl
}

func (rl *SourceRateLimiter) bucket(source string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[source]
	if !ok {
		b = &sourceBucket{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.buckets[source] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

// cleanup drops buckets idle for more than three minutes.
func (rl *SourceRateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for source, b := range rl.buckets {
			if time.Since(b.lastSeen) > 3*time.Minute {
				delete(rl.buckets, source)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware enforces the per-source limit.
func (rl *SourceRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.bucket(sourceOf(r)).Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// RequestLog logs one line per request with method, path, status,
// source and latency.
func RequestLog(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"source", sourceOf(r),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
