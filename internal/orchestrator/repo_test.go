package orchestrator

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/devpool-mini/internal/events"
	"github.com/shehryarbajwa/devpool-mini/pkg/models"
)

func TestParseRepoURL(t *testing.T) {
	cases := []struct {
		in          string
		owner, repo string
		wantErr     bool
	}{
		{"https://github.com/octo/widgets", "octo", "widgets", false},
		{"https://github.com/octo/widgets.git", "octo", "widgets", false},
		{"git@github.com:octo/widgets.git", "octo", "widgets", false},
		{"https://example.com/octo/widgets", "", "", true},
		{"https://github.com/broken", "", "", true},
	}

	for _, tc := range cases {
		owner, repo, err := parseRepoURL(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tc.in, err)
			continue
		}
		if owner != tc.owner || repo != tc.repo {
			t.Errorf("%s: got %s/%s", tc.in, owner, repo)
		}
	}
}

func buildTarball(t *testing.T, entries map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for name, content := range entries {
		hdr := &tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write entry: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return &buf
}

func TestExtractArchive(t *testing.T) {
	archive := buildTarball(t, map[string]string{
		"repo-main/src/index.js":          "console.log(1)\n",
		"repo-main/README.md":             "# hi\n",
		"repo-main/.git/config":           "ignored",
		"repo-main/node_modules/x/y.js":   "ignored",
		"repo-main/sub/vendor/lib.go":     "ignored",
		"repo-main/assets/raw.bin":        "\xff\xfe\x00binary",
		"repo-main/big.txt":               strings.Repeat("a", maxEntrySize+1),
		"toplevel-without-dir-is-skipped": "ignored",
	})

	files, err := extractArchive(archive)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	got := make(map[string]string)
	for _, f := range files {
		got[f.Path] = f.Content
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 files, got %v", got)
	}
	if got["src/index.js"] != "console.log(1)\n" {
		t.Fatalf("index.js content mismatch: %q", got["src/index.js"])
	}
	if _, ok := got["README.md"]; !ok {
		t.Fatalf("README.md missing")
	}
}

type stubTransport struct{ body []byte }

func (s stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(s.body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

type recordingSyncer struct {
	fakeSyncer
	mu     sync.Mutex
	synced []string
}

func (s *recordingSyncer) SyncToVM(ctx context.Context, projectID, endpoint, instanceID string) (*models.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = append(s.synced, instanceID)
	return &models.SyncResult{}, nil
}

func TestCloneSyncsDurableOnlySession(t *testing.T) {
	sessions := newMemSessionStore()
	syncer := &recordingSyncer{}
	m := NewManager(&fakeProvider{}, &fakeAgent{unhealthy: make(map[string]bool)}, &fakePool{},
		sessions, fakeFileStore{}, syncer, events.Noop{}, testConfig(), zap.NewNop())
	m.httpClient = &http.Client{Transport: stubTransport{body: buildTarball(t, map[string]string{
		"widgets-main/main.go": "package main\n",
	}).Bytes()}}

	// The session exists only in the durable store: nothing was cached
	// since the last controller restart.
	if err := sessions.Put(context.Background(), models.Session{
		ProjectID:  "p1",
		InstanceID: "m-old",
		Endpoint:   "http://127.0.0.1:9999",
	}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	result, err := m.CloneRepository(context.Background(), "p1", "https://github.com/octo/widgets", "")
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if result.SyncedCount != 1 {
		t.Fatalf("expected 1 saved file, got %d", result.SyncedCount)
	}

	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	if len(syncer.synced) != 1 || syncer.synced[0] != "m-old" {
		t.Fatalf("post-clone sync did not reach the stored session, synced=%v", syncer.synced)
	}
}
