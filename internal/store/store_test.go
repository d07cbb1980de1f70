package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shehryarbajwa/devpool-mini/pkg/models"
)

func openTestDB(t *testing.T) (*FileStore, *SessionStore) {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewFileStore(db), NewSessionStore(db)
}

func TestFileRoundTrip(t *testing.T) {
	files, _ := openTestDB(t)
	ctx := context.Background()

	in := models.ProjectFile{Path: "src/index.ts", Content: "export const x = 1\n"}
	if err := files.PutFile(ctx, "p1", in); err != nil {
		t.Fatalf("put: %v", err)
	}

	out, err := files.GetFile(ctx, "p1", "src/index.ts")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.Content != in.Content {
		t.Fatalf("content mismatch: %q != %q", out.Content, in.Content)
	}
	if out.Size != len(in.Content) {
		t.Fatalf("size not recorded: %d", out.Size)
	}
}

func TestFileProjectIsolation(t *testing.T) {
	files, _ := openTestDB(t)
	ctx := context.Background()

	files.PutFile(ctx, "p1", models.ProjectFile{Path: "a.txt", Content: "one"})
	files.PutFile(ctx, "p2", models.ProjectFile{Path: "b.txt", Content: "two"})

	list, err := files.ListFiles(ctx, "p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Path != "a.txt" {
		t.Fatalf("project isolation broken: %+v", list)
	}

	if _, err := files.GetFile(ctx, "p2", "a.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound across projects, got %v", err)
	}
}

func TestPutFilesRejectsOversizedBatch(t *testing.T) {
	files, _ := openTestDB(t)

	batch := make([]models.ProjectFile, BatchLimit+1)
	for i := range batch {
		batch[i] = models.ProjectFile{Path: fmt.Sprintf("f%d", i), Content: "x"}
	}
	if err := files.PutFiles(context.Background(), "p1", batch); err == nil {
		t.Fatalf("oversized batch accepted")
	}

	if err := files.PutFiles(context.Background(), "p1", batch[:BatchLimit]); err != nil {
		t.Fatalf("full batch rejected: %v", err)
	}
	list, _ := files.ListFiles(context.Background(), "p1")
	if len(list) != BatchLimit {
		t.Fatalf("expected %d files, got %d", BatchLimit, len(list))
	}
}

func TestDeleteFile(t *testing.T) {
	files, _ := openTestDB(t)
	ctx := context.Background()

	files.PutFile(ctx, "p1", models.ProjectFile{Path: "gone.txt", Content: "x"})
	if err := files.DeleteFile(ctx, "p1", "gone.txt"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := files.GetFile(ctx, "p1", "gone.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestProjectMetaRoundTrip(t *testing.T) {
	files, _ := openTestDB(t)
	ctx := context.Background()

	if _, err := files.GetProjectMeta(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for fresh project, got %v", err)
	}

	meta := models.ProjectMeta{ProjectID: "p1", RepoURL: "https://github.com/o/r", FileCount: 7}
	if err := files.SetProjectMeta(ctx, meta); err != nil {
		t.Fatalf("set meta: %v", err)
	}
	out, err := files.GetProjectMeta(ctx, "p1")
	if err != nil {
		t.Fatalf("get meta: %v", err)
	}
	if out.RepoURL != meta.RepoURL || out.FileCount != 7 {
		t.Fatalf("meta mismatch: %+v", out)
	}
}

func TestSessionCRUD(t *testing.T) {
	_, sessions := openTestDB(t)
	ctx := context.Background()

	if _, err := sessions.Get(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	sess := models.Session{
		ProjectID:  "p1",
		InstanceID: "m-1",
		Endpoint:   "http://127.0.0.1:9001",
		CreatedAt:  time.Now().UTC(),
		LastUsed:   time.Now().UTC(),
	}
	if err := sessions.Put(ctx, sess); err != nil {
		t.Fatalf("put: %v", err)
	}

	out, err := sessions.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.InstanceID != "m-1" {
		t.Fatalf("session mismatch: %+v", out)
	}

	sessions.Put(ctx, models.Session{ProjectID: "p2", InstanceID: "m-2"})
	list, err := sessions.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list))
	}

	if err := sessions.Delete(ctx, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := sessions.Get(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
