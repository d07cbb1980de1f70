package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/devpool-mini/internal/metrics"
	"github.com/shehryarbajwa/devpool-mini/internal/proxy"
	"github.com/shehryarbajwa/devpool-mini/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(proxyServer *proxy.Server, rateLimiter *ratelimit.Limiter) *mux.Router {
	// StopWorkspace drops the project's limiter bucket, so stopped
	// projects do not accumulate limiter state.
	h.limiter = rateLimiter

	r := mux.NewRouter()

	r.HandleFunc("/health", h.Health).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()

	// Workspace lifecycle endpoints are rate limited per project; the
	// acquisition path provisions real compute.
	limited := api.PathPrefix("").Subrouter()
	limited.Use(RateLimitMiddleware(rateLimiter))

	limited.HandleFunc("/workspaces", h.AcquireWorkspace).Methods("POST")
	limited.HandleFunc("/workspaces/{project}/clone", h.CloneRepo).Methods("POST")
	limited.HandleFunc("/workspaces/{project}/preview", h.StartPreview).Methods("POST")

	api.HandleFunc("/workspaces", h.ListWorkspaces).Methods("GET")
	api.HandleFunc("/workspaces/{project}", h.GetWorkspace).Methods("GET")
	api.HandleFunc("/workspaces/{project}", h.StopWorkspace).Methods("DELETE")

	// Preview WebSocket proxy (not rate limited - persistent connection)
	api.HandleFunc("/workspaces/{project}/preview/ws", func(w http.ResponseWriter, r *http.Request) {
		proxyServer.HandlePreviewConnection(w, r, mux.Vars(r)["project"])
	}).Methods("GET")

	// Project file endpoints
	api.HandleFunc("/projects/{project}/files", h.ListFiles).Methods("GET")
	api.HandleFunc("/projects/{project}/files", h.PutFile).Methods("PUT")
	api.HandleFunc("/projects/{project}/files/content", h.GetFile).Methods("GET")
	api.HandleFunc("/projects/{project}/files", h.DeleteFile).Methods("DELETE")

	r.Use(corsMiddleware)

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
