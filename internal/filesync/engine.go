package filesync

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/devpool-mini/internal/metrics"
	"github.com/shehryarbajwa/devpool-mini/internal/store"
	"github.com/shehryarbajwa/devpool-mini/pkg/models"
)

// WorkspaceDir is where project files live on an instance.
const WorkspaceDir = "/workspace"

const (
	defaultWindow     = 20
	defaultRetries    = 3
	defaultRetryDelay = 500 * time.Millisecond
)

// skippedExtensions are file types known to corrupt under the agent's
// text-oriented transfer.
var skippedExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".ico": {}, ".webp": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".eot": {}, ".otf": {},
	".zip": {}, ".tar": {}, ".gz": {}, ".bz2": {}, ".7z": {},
	".mp3": {}, ".mp4": {}, ".wav": {}, ".avi": {}, ".mov": {},
	".pdf": {},
}

// FileStore is the slice of the persistent file store the engine needs.
type FileStore interface {
	ListFiles(ctx context.Context, projectID string) ([]models.ProjectFile, error)
	PutFiles(ctx context.Context, projectID string, files []models.ProjectFile) error
}

// AgentClient is the slice of the on-instance agent the engine needs.
type AgentClient interface {
	WriteFile(ctx context.Context, endpoint, instanceID, path, content string) error
	Exec(ctx context.Context, endpoint, instanceID, command, cwd string, timeout time.Duration) (*models.ExecResult, error)
}

// Engine transfers persisted files onto live instances with bounded
// parallelism, retry, and integrity repair.
type Engine struct {
	files      FileStore
	agent      AgentClient
	logger     *zap.Logger
	window     int64
	retries    int
	retryDelay time.Duration
}

func NewEngine(files FileStore, agent AgentClient, logger *zap.Logger) *Engine {
	return &Engine{
		files:      files,
		agent:      agent,
		logger:     logger,
		window:     defaultWindow,
		retries:    defaultRetries,
		retryDelay: defaultRetryDelay,
	}
}

// CreateBundle reads the persisted file list for a project minus the
// extensions that do not survive text transfer.
func (e *Engine) CreateBundle(ctx context.Context, projectID string) ([]models.ProjectFile, error) {
	files, err := e.files.ListFiles(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list files for %s: %w", projectID, err)
	}

	bundle := make([]models.ProjectFile, 0, len(files))
	for _, f := range files {
		if _, skip := skippedExtensions[strings.ToLower(path.Ext(f.Path))]; skip {
			continue
		}
		bundle = append(bundle, f)
	}
	return bundle, nil
}

// SyncToVM transfers the project bundle with at most `window` requests
// in flight. Each file retries a fixed number of times before being
// recorded as failed; partial failure is reported in the result, never
// as an error.
func (e *Engine) SyncToVM(ctx context.Context, projectID, endpoint, instanceID string) (*models.SyncResult, error) {
	bundle, err := e.CreateBundle(ctx, projectID)
	if err != nil {
		return nil, err
	}

	sem := semaphore.NewWeighted(e.window)
	var wg sync.WaitGroup
	var mu sync.Mutex
	result := &models.SyncResult{}

	for _, f := range bundle {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.FailedCount++
			result.FailedPaths = append(result.FailedPaths, f.Path)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(f models.ProjectFile) {
			defer wg.Done()
			defer sem.Release(1)

			err := e.pushWithRetry(ctx, endpoint, instanceID, f.Path, f.Content)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.FailedCount++
				result.FailedPaths = append(result.FailedPaths, f.Path)
				metrics.SyncedFiles.WithLabelValues("failed").Inc()
			} else {
				result.SyncedCount++
				metrics.SyncedFiles.WithLabelValues("synced").Inc()
			}
		}(f)
	}

	wg.Wait()

	if result.FailedCount > 0 {
		sort.Strings(result.FailedPaths)
		e.logger.Warn("partial sync",
			zap.String("project", projectID),
			zap.Int("synced", result.SyncedCount),
			zap.Int("failed", result.FailedCount))
	}
	return result, nil
}

func (e *Engine) pushWithRetry(ctx context.Context, endpoint, instanceID, filePath, content string) error {
	var lastErr error
	for attempt := 0; attempt < e.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.retryDelay):
			}
		}
		if lastErr = e.agent.WriteFile(ctx, endpoint, instanceID, filePath, content); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// Repair diffs the persisted file list against what is actually on the
// instance and re-pushes each missing path once. Recovery cost is
// bounded by the size of the missing set.
func (e *Engine) Repair(ctx context.Context, projectID, endpoint, instanceID string) (int, error) {
	bundle, err := e.CreateBundle(ctx, projectID)
	if err != nil {
		return 0, err
	}
	if len(bundle) == 0 {
		return 0, nil
	}

	onVM, err := e.listInstanceFiles(ctx, endpoint, instanceID)
	if err != nil {
		return 0, fmt.Errorf("enumerate files on %s: %w", instanceID, err)
	}

	repaired := 0
	for _, f := range bundle {
		if _, present := onVM[f.Path]; present {
			continue
		}
		if err := e.agent.WriteFile(ctx, endpoint, instanceID, f.Path, f.Content); err != nil {
			e.logger.Warn("repair push failed",
				zap.String("project", projectID),
				zap.String("path", f.Path),
				zap.Error(err))
			continue
		}
		repaired++
		metrics.RepairedFiles.Inc()
	}

	if repaired > 0 {
		e.logger.Info("integrity repair re-pushed files",
			zap.String("project", projectID),
			zap.Int("count", repaired))
	}
	return repaired, nil
}

// listInstanceFiles enumerates workspace files on the instance,
// excluding dependency and version-control directories.
func (e *Engine) listInstanceFiles(ctx context.Context, endpoint, instanceID string) (map[string]struct{}, error) {
	const cmd = `find . -type f -not -path "./node_modules/*" -not -path "./.git/*" -not -path "./vendor/*"`

	res, err := e.agent.Exec(ctx, endpoint, instanceID, cmd, WorkspaceDir, 30*time.Second)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("find exited %d: %s", res.ExitCode, res.Stderr)
	}

	present := make(map[string]struct{})
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(line, "./"))
		if line != "" {
			present[line] = struct{}{}
		}
	}
	return present, nil
}

// SaveFiles persists files in chunks under the store's batch limit.
// A failed chunk counts entirely failed; there is no partial-chunk
// credit.
func (e *Engine) SaveFiles(ctx context.Context, projectID string, files []models.ProjectFile) *models.SyncResult {
	result := &models.SyncResult{}

	for start := 0; start < len(files); start += store.BatchLimit {
		end := start + store.BatchLimit
		if end > len(files) {
			end = len(files)
		}
		chunk := files[start:end]

		if err := e.files.PutFiles(ctx, projectID, chunk); err != nil {
			e.logger.Warn("chunk write failed",
				zap.String("project", projectID),
				zap.Int("size", len(chunk)),
				zap.Error(err))
			result.FailedCount += len(chunk)
			for _, f := range chunk {
				result.FailedPaths = append(result.FailedPaths, f.Path)
			}
			continue
		}
		result.SyncedCount += len(chunk)
	}
	return result
}
