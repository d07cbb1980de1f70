package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/devpool-mini/internal/orchestrator"
	"github.com/shehryarbajwa/devpool-mini/internal/ratelimit"
	"github.com/shehryarbajwa/devpool-mini/internal/store"
	"github.com/shehryarbajwa/devpool-mini/pkg/models"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	orch    *orchestrator.Manager
	files   *store.FileStore
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(orch *orchestrator.Manager, files *store.FileStore, logger *zap.Logger) *Handler {
	return &Handler{orch: orch, files: files, logger: logger}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// AcquireWorkspace handles POST /v1/workspaces
func (h *Handler) AcquireWorkspace(w http.ResponseWriter, r *http.Request) {
	var req models.AcquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.ProjectID == "" {
		http.Error(w, "projectId is required", http.StatusBadRequest)
		return
	}

	sess, err := h.orch.GetOrCreateVM(r.Context(), req.ProjectID, req.ForceNew)
	if err != nil {
		h.logger.Error("workspace acquisition failed", zap.String("project", req.ProjectID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// GetWorkspace handles GET /v1/workspaces/{project}
func (h *Handler) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project"]

	sess, err := h.orch.GetSession(r.Context(), projectID)
	if err != nil {
		http.Error(w, "workspace not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ListWorkspaces handles GET /v1/workspaces
func (h *Handler) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.orch.ListSessions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// StopWorkspace handles DELETE /v1/workspaces/{project}
func (h *Handler) StopWorkspace(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project"]

	if err := h.orch.StopVM(r.Context(), projectID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if h.limiter != nil {
		h.limiter.Forget(projectID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// CloneRepo handles POST /v1/workspaces/{project}/clone
func (h *Handler) CloneRepo(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project"]

	var req models.CloneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.RepoURL == "" {
		http.Error(w, "repoUrl is required", http.StatusBadRequest)
		return
	}

	result, err := h.orch.CloneRepository(r.Context(), projectID, req.RepoURL, req.Token)
	if err != nil {
		h.logger.Error("clone failed", zap.String("project", projectID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// StartPreview handles POST /v1/workspaces/{project}/preview
func (h *Handler) StartPreview(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project"]

	var req models.PreviewRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	req.ProjectID = projectID

	resp, err := h.orch.StartPreview(r.Context(), req)
	if err != nil {
		h.logger.Error("preview start failed", zap.String("project", projectID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// PutFile handles PUT /v1/projects/{project}/files
func (h *Handler) PutFile(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project"]

	var file models.ProjectFile
	if err := json.NewDecoder(r.Body).Decode(&file); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if file.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}

	if err := h.files.PutFile(r.Context(), projectID, file); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetFile handles GET /v1/projects/{project}/files?path=
func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project"]
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}

	file, err := h.files.GetFile(r.Context(), projectID, path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// ListFiles handles GET /v1/projects/{project}/files
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project"]

	files, err := h.files.ListFiles(r.Context(), projectID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if files == nil {
		files = []models.ProjectFile{}
	}
	writeJSON(w, http.StatusOK, files)
}

// DeleteFile handles DELETE /v1/projects/{project}/files?path=
func (h *Handler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project"]
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}

	if err := h.files.DeleteFile(r.Context(), projectID, path); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
