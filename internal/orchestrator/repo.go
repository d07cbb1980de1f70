package orchestrator

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/devpool-mini/internal/store"
	"github.com/shehryarbajwa/devpool-mini/pkg/models"
)

// maxEntrySize bounds extracted file size; larger entries are skipped.
const maxEntrySize = 512 * 1024

// excludedDirs are version-control and dependency directories never
// imported from a repository archive.
var excludedDirs = []string{".git/", "node_modules/", "vendor/", "dist/", ".next/", "__pycache__/"}

// CloneRepository downloads a repository archive directly (tarball
// endpoint, no API rate limits), extracts its text files, persists
// them, and syncs them onto a live session if one exists. The download
// retries against the alternate default-branch name when the first
// attempt fails.
func (m *Manager) CloneRepository(ctx context.Context, projectID, repoURL, token string) (*models.SyncResult, error) {
	owner, repo, err := parseRepoURL(repoURL)
	if err != nil {
		return nil, err
	}

	var body io.ReadCloser
	var lastErr error
	for _, branch := range []string{"main", "master"} {
		body, lastErr = m.fetchTarball(ctx, owner, repo, branch, token)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("download %s/%s: %w", owner, repo, lastErr)
	}
	defer body.Close()

	files, err := extractArchive(body)
	if err != nil {
		return nil, fmt.Errorf("extract %s/%s: %w", owner, repo, err)
	}

	result := m.syncer.SaveFiles(ctx, projectID, files)
	m.logger.Info("repository imported",
		zap.String("project", projectID),
		zap.String("repo", owner+"/"+repo),
		zap.Int("saved", result.SyncedCount),
		zap.Int("failed", result.FailedCount))

	if err := m.files.SetProjectMeta(ctx, models.ProjectMeta{
		ProjectID: projectID,
		RepoURL:   repoURL,
		FileCount: result.SyncedCount,
	}); err != nil {
		m.logger.Warn("project meta write failed", zap.String("project", projectID), zap.Error(err))
	}

	// Materialize the new files on a live instance if one exists. The
	// durable store is consulted too: a session can outlive the cache
	// across a controller restart.
	if sess, err := m.GetSession(ctx, projectID); err == nil {
		if _, err := m.syncer.SyncToVM(ctx, projectID, sess.Endpoint, sess.InstanceID); err != nil {
			m.logger.Warn("post-clone sync failed", zap.String("project", projectID), zap.Error(err))
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("post-clone session lookup failed", zap.String("project", projectID), zap.Error(err))
	}

	return result, nil
}

func (m *Manager) fetchTarball(ctx context.Context, owner, repo, branch, token string) (io.ReadCloser, error) {
	url := fmt.Sprintf("https://codeload.github.com/%s/%s/tar.gz/refs/heads/%s", owner, repo, branch)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("branch %s: status %d", branch, resp.StatusCode)
	}
	return resp.Body, nil
}

// extractArchive walks the gzipped tarball and keeps decodable text
// entries under the size cap, excluding VCS and dependency directories.
// The archive's single top-level directory is stripped from paths.
func extractArchive(r io.Reader) ([]models.ProjectFile, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var files []models.ProjectFile

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := stripTopDir(hdr.Name)
		if name == "" || isExcluded(name) || hdr.Size > maxEntrySize {
			continue
		}

		content, err := io.ReadAll(io.LimitReader(tr, maxEntrySize+1))
		if err != nil {
			return nil, err
		}
		if len(content) > maxEntrySize || !utf8.Valid(content) {
			continue
		}

		files = append(files, models.ProjectFile{
			Path:    name,
			Content: string(content),
			Size:    len(content),
		})
	}
	return files, nil
}

func stripTopDir(name string) string {
	if i := strings.IndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return ""
}

func isExcluded(name string) bool {
	for _, dir := range excludedDirs {
		if strings.HasPrefix(name, dir) || strings.Contains(name, "/"+dir) {
			return true
		}
	}
	return false
}

// parseRepoURL resolves owner and repository from https and ssh style
// remote URLs.
func parseRepoURL(repoURL string) (owner, repo string, err error) {
	s := strings.TrimSuffix(repoURL, ".git")
	if i := strings.Index(s, "github.com"); i >= 0 {
		s = s[i+len("github.com"):]
		s = strings.TrimLeft(s, ":/")
	} else {
		return "", "", fmt.Errorf("unsupported repository url: %s", repoURL)
	}

	parts := strings.Split(path.Clean(s), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("cannot resolve owner/repo from %s", repoURL)
	}
	return parts[0], parts[1], nil
}
