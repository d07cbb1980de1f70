package store

import (
	"errors"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
)

var ErrNotFound = errors.New("not found")

// Open opens the embedded database shared by the file and session
// stores.
func Open(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil // badger's own logging is too chatty for this use
	opts = opts.WithValueLogFileSize(1 << 20)
	return badger.Open(opts)
}
