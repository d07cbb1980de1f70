package machine

import (
	"strings"

	"github.com/google/uuid"
)

// Instance names are deterministic so a restarted controller can
// rediscover running workspaces instead of duplicating them.
const (
	workspacePrefix = "ws-"
	warmPrefix      = "warm-"
)

// WorkspaceName derives the instance name for a project.
func WorkspaceName(projectID string) string {
	return workspacePrefix + projectID
}

// ProjectFromName inverts WorkspaceName. ok is false for non-workspace
// names.
func ProjectFromName(name string) (string, bool) {
	if !strings.HasPrefix(name, workspacePrefix) {
		return "", false
	}
	return strings.TrimPrefix(name, workspacePrefix), true
}

// WarmName generates a fresh name for an unallocated pool instance.
func WarmName() string {
	return warmPrefix + uuid.New().String()[:8]
}

// IsWarmName reports whether name follows the warm pool convention.
func IsWarmName(name string) bool {
	return strings.HasPrefix(name, warmPrefix)
}
