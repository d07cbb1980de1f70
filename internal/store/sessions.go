package store

import (
	"context"
	"encoding/json"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/shehryarbajwa/devpool-mini/pkg/models"
)

// SessionStore is the durable project -> session record. It is the
// authoritative source for idle-timeout and reconciliation decisions;
// the orchestrator's in-process cache is only a fast path.
type SessionStore struct {
	db *badger.DB
}

func NewSessionStore(db *badger.DB) *SessionStore {
	return &SessionStore{db: db}
}

func sessionKey(projectID string) []byte {
	return []byte("session:" + projectID)
}

func (s *SessionStore) Put(ctx context.Context, sess models.Session) error {
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		return txn.Set(sessionKey(sess.ProjectID), data)
	})
}

func (s *SessionStore) Get(ctx context.Context, projectID string) (*models.Session, error) {
	var out models.Session
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(projectID))
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

func (s *SessionStore) Delete(ctx context.Context, projectID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(projectID))
	})
}

func (s *SessionStore) List(ctx context.Context) ([]models.Session, error) {
	var out []models.Session
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("session:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var sess models.Session
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &sess)
			}); err != nil {
				return err
			}
			out = append(out, sess)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
