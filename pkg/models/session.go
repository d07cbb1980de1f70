package models

import "time"

// Session binds a project to a live instance. It exists in two places:
// the orchestrator's in-process cache (fast path, lost on restart) and
// the durable session store, which is authoritative for idle-timeout
// and reconciliation decisions.
type Session struct {
	ProjectID  string    `json:"projectId"`
	InstanceID string    `json:"instanceId"`
	Endpoint   string    `json:"endpoint"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsed   time.Time `json:"lastUsed"`
}

// PoolLease is what the warm pool hands out on allocation
type PoolLease struct {
	InstanceID string `json:"instanceId"`
	Endpoint   string `json:"endpoint"`
	// Cold is true when the lease came from synchronous cold
	// provisioning rather than a warm entry.
	Cold bool `json:"cold"`
}

// AcquireRequest is the payload for acquiring a workspace
type AcquireRequest struct {
	ProjectID string `json:"projectId"`
	ForceNew  bool   `json:"forceNew,omitempty"`
}

// CloneRequest is the payload for importing a repository into a project
type CloneRequest struct {
	ProjectID string `json:"projectId"`
	RepoURL   string `json:"repoUrl"`
	Token     string `json:"token,omitempty"`
}

// PreviewRequest describes the process to start for a project preview
type PreviewRequest struct {
	ProjectID      string `json:"projectId"`
	Command        string `json:"command,omitempty"`
	InstallCommand string `json:"installCommand,omitempty"`
	WorkDir        string `json:"workDir,omitempty"`
	Port           int    `json:"port,omitempty"`
}

// PreviewResponse carries the stable preview endpoint back to the caller
type PreviewResponse struct {
	ProjectID  string      `json:"projectId"`
	PreviewURL string      `json:"previewUrl"`
	Sync       *SyncResult `json:"sync,omitempty"`
	Repaired   int         `json:"repaired"`
}
