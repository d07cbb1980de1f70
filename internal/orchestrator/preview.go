package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/devpool-mini/internal/filesync"
	"github.com/shehryarbajwa/devpool-mini/pkg/models"
)

const (
	defaultInstallCommand = "npm install"
	defaultRunCommand     = "npm run dev"
	dependencyMarkerDir   = "node_modules"
	previewLogFile        = "/tmp/preview.log"
)

// StartPreview materializes the project on its instance and starts the
// preview process: sync, integrity repair, conditional dependency
// install, then a detached process start. The returned endpoint is
// stable across instance replacement.
func (m *Manager) StartPreview(ctx context.Context, req models.PreviewRequest) (*models.PreviewResponse, error) {
	sess, err := m.GetOrCreateVM(ctx, req.ProjectID, false)
	if err != nil {
		return nil, err
	}

	syncRes, err := m.syncer.SyncToVM(ctx, req.ProjectID, sess.Endpoint, sess.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("sync %s: %w", req.ProjectID, err)
	}

	repaired, err := m.syncer.Repair(ctx, req.ProjectID, sess.Endpoint, sess.InstanceID)
	if err != nil {
		// Integrity mismatch is repaired silently when possible; a
		// failed repair pass is not fatal to preview startup.
		m.logger.Warn("integrity repair failed",
			zap.String("project", req.ProjectID),
			zap.Error(err))
	}

	if err := m.ensureDependencies(ctx, sess, req); err != nil {
		return nil, err
	}

	if err := m.startDetached(ctx, sess, req); err != nil {
		return nil, err
	}

	m.touch(ctx, sess)
	return &models.PreviewResponse{
		ProjectID:  req.ProjectID,
		PreviewURL: fmt.Sprintf("%s/v1/workspaces/%s/preview", m.cfg.PublicURL, req.ProjectID),
		Sync:       syncRes,
		Repaired:   repaired,
	}, nil
}

// ensureDependencies installs dependencies only when the marker
// directory is absent.
func (m *Manager) ensureDependencies(ctx context.Context, sess *models.Session, req models.PreviewRequest) error {
	check, err := m.agent.Exec(ctx, sess.Endpoint, sess.InstanceID,
		"test -d "+dependencyMarkerDir, filesync.WorkspaceDir, 10*time.Second)
	if err != nil {
		return fmt.Errorf("dependency check on %s: %w", sess.InstanceID, err)
	}
	if check.ExitCode == 0 {
		return nil
	}

	install := req.InstallCommand
	if install == "" {
		install = defaultInstallCommand
	}

	m.logger.Info("installing dependencies",
		zap.String("project", req.ProjectID),
		zap.String("command", install))
	res, err := m.agent.Exec(ctx, sess.Endpoint, sess.InstanceID, install, filesync.WorkspaceDir, 5*time.Minute)
	if err != nil {
		return fmt.Errorf("install dependencies for %s: %w", req.ProjectID, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("install dependencies for %s: exit %d: %s", req.ProjectID, res.ExitCode, res.Stderr)
	}
	return nil
}

// startDetached launches the preview process without blocking on its
// lifetime; output goes to a log file on the instance.
func (m *Manager) startDetached(ctx context.Context, sess *models.Session, req models.PreviewRequest) error {
	run := req.Command
	if run == "" {
		run = defaultRunCommand
	}

	cmd := fmt.Sprintf("nohup %s > %s 2>&1 & echo $!", run, previewLogFile)
	res, err := m.agent.Exec(ctx, sess.Endpoint, sess.InstanceID, cmd, filesync.WorkspaceDir, 15*time.Second)
	if err != nil {
		return fmt.Errorf("start preview for %s: %w", req.ProjectID, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("start preview for %s: exit %d: %s", req.ProjectID, res.ExitCode, res.Stderr)
	}

	m.logger.Info("preview process started",
		zap.String("project", req.ProjectID),
		zap.String("command", run))
	return nil
}
