package models

import "time"

// ProjectFile is one persisted file, keyed by (projectId, path)
type ProjectFile struct {
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	Size      int       `json:"size"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ProjectMeta is small per-project metadata kept alongside the files
type ProjectMeta struct {
	ProjectID string    `json:"projectId"`
	RepoURL   string    `json:"repoUrl,omitempty"`
	FileCount int       `json:"fileCount"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SyncResult reports the outcome of a bulk file transfer. Partial
// failure is a normal degraded outcome, not an error.
type SyncResult struct {
	SyncedCount int      `json:"syncedCount"`
	FailedCount int      `json:"failedCount"`
	FailedPaths []string `json:"failedPaths,omitempty"`
}
