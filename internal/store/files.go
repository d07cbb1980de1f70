package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/shehryarbajwa/devpool-mini/pkg/models"
)

// BatchLimit is the maximum number of items accepted by one PutFiles
// call. Callers with more files chunk above this layer.
const BatchLimit = 25

// FileStore is the durable per-project record of path -> content.
type FileStore struct {
	db *badger.DB
}

func NewFileStore(db *badger.DB) *FileStore {
	return &FileStore{db: db}
}

func fileKey(projectID, path string) []byte {
	return []byte("file:" + projectID + ":" + path)
}

func filePrefix(projectID string) []byte {
	return []byte("file:" + projectID + ":")
}

func metaKey(projectID string) []byte {
	return []byte("meta:" + projectID)
}

func (s *FileStore) PutFile(ctx context.Context, projectID string, file models.ProjectFile) error {
	file.Size = len(file.Content)
	file.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(file)
		if err != nil {
			return err
		}
		return txn.Set(fileKey(projectID, file.Path), data)
	})
}

// PutFiles commits up to BatchLimit files in one transaction. The whole
// batch succeeds or fails together.
func (s *FileStore) PutFiles(ctx context.Context, projectID string, files []models.ProjectFile) error {
	if len(files) > BatchLimit {
		return fmt.Errorf("batch of %d exceeds limit of %d", len(files), BatchLimit)
	}
	now := time.Now().UTC()
	return s.db.Update(func(txn *badger.Txn) error {
		for _, f := range files {
			f.Size = len(f.Content)
			f.UpdatedAt = now
			data, err := json.Marshal(f)
			if err != nil {
				return err
			}
			if err := txn.Set(fileKey(projectID, f.Path), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *FileStore) GetFile(ctx context.Context, projectID, path string) (*models.ProjectFile, error) {
	var out models.ProjectFile
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(fileKey(projectID, path))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *FileStore) ListFiles(ctx context.Context, projectID string) ([]models.ProjectFile, error) {
	var out []models.ProjectFile
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = filePrefix(projectID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var f models.ProjectFile
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &f)
			}); err != nil {
				return err
			}
			out = append(out, f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *FileStore) DeleteFile(ctx context.Context, projectID, path string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(fileKey(projectID, path))
	})
}

func (s *FileStore) GetProjectMeta(ctx context.Context, projectID string) (*models.ProjectMeta, error) {
	var out models.ProjectMeta
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(projectID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *FileStore) SetProjectMeta(ctx context.Context, meta models.ProjectMeta) error {
	meta.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return txn.Set(metaKey(meta.ProjectID), data)
	})
}
