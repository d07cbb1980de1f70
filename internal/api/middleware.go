package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/devpool-mini/internal/ratelimit"
)

// RateLimitMiddleware enforces per-project limits on lifecycle routes
func RateLimitMiddleware(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			projectID := getProjectID(r)
			if projectID == "" {
				// No project ID, skip rate limiting
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow(projectID) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{
					"error": "rate limit exceeded for project " + projectID,
				})
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens(projectID))))
			next.ServeHTTP(w, r)
		})
	}
}

// getProjectID extracts the project ID from the request
func getProjectID(r *http.Request) string {
	if projectID := mux.Vars(r)["project"]; projectID != "" {
		return projectID
	}
	if projectID := r.URL.Query().Get("projectId"); projectID != "" {
		return projectID
	}
	return r.Header.Get("X-Project-ID")
}
