// Package resume persists per-source per-path byte offsets across restarts.
//
// Offsets are stored in a BadgerDB keyed by (source, relative path). A value
// of -1 is a tombstone for a deleted path; tombstones are written rather
// than keys removed so that the convention survives a change of backing
// store that cannot delete keys.
package resume

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v3"
)

// Tombstone marks a previously deleted path.
const Tombstone = -1

const keySep = "\x00"

// A predecessor killed mid-exit holds the Badger directory lock until the
// kernel reaps it; waiting briefly beats failing the whole startup.
const (
	openAttempts = 10
	openInterval = 500 * time.Millisecond
)

// Store is a durable keyed offset store.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the store under dir, waiting out a stale lock
// left by a dying predecessor.
func Open(ctx context.Context, dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	var lastErr error
	for attempt := 0; attempt < openAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(openInterval):
			}
		}
		db, err := badger.Open(opts)
		if err == nil {
			return &Store{db: db}, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("open resume store: %w", lastErr)
}

// OpenInMemory opens a non-durable store, for tests.
func OpenInMemory() (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open resume store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

func key(source, rel string) []byte {
	return []byte(source + keySep + rel)
}

// Get returns the stored offset for (source, rel). ok is false when no
// entry exists; a tombstone is returned as (Tombstone, true).
func (s *Store) Get(source, rel string) (offset int64, ok bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(source, rel))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			n, err := strconv.ParseInt(string(val), 10, 64)
			if err != nil {
				return fmt.Errorf("corrupt offset for %s/%s: %w", source, rel, err)
			}
			offset = n
			ok = true
			return nil
		})
	})
	return offset, ok, err
}

// Set records the offset for (source, rel).
func (s *Store) Set(source, rel string, offset int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(source, rel), []byte(strconv.FormatInt(offset, 10)))
	})
}

// Delete writes a tombstone for (source, rel).
func (s *Store) Delete(source, rel string) error {
	return s.Set(source, rel, Tombstone)
}

// ForEach visits every non-tombstone entry for source.
func (s *Store) ForEach(source string, fn func(rel string, offset int64) error) error {
	prefix := []byte(source + keySep)
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			rel := strings.TrimPrefix(string(item.Key()), source+keySep)
			err := item.Value(func(val []byte) error {
				n, err := strconv.ParseInt(string(val), 10, 64)
				if err != nil {
					return fmt.Errorf("corrupt offset for %s/%s: %w", source, rel, err)
				}
				if n == Tombstone {
					return nil
				}
				return fn(rel, n)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}
