package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/detectflow/internal/ratelimit"
)

// RateLimiter decides whether a subject may perform another mutating
// request right now.
type RateLimiter interface {
	Allow(ctx context.Context, subject string) (ratelimit.Decision, error)
}

// withRateLimit throttles mutating /v1/jobs requests per user and
// route. Reads are never throttled.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || !strings.HasPrefix(r.URL.Path, "/v1/jobs") {
			next.ServeHTTP(w, r)
			return
		}

		route := routeLabel(r.URL.Path)
		decision, err := s.rateLimiter.Allow(r.Context(), s.limitSubject(r, route))
		if err != nil {
			// Redis being down must not take writes down with it.
			s.logger.Printf("rate limiter unavailable route=%s err=%v", route, err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if !decision.Allowed {
			retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			s.metrics.rateLimitRejected.WithLabelValues(route).Inc()
			writeJSON(w, http.StatusTooManyRequests, errorBody("rate limit exceeded"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitSubject(r *http.Request, route string) string {
	user := strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader))
	if user == "" {
		user = "anonymous"
	}
	return user + ":" + route
}
