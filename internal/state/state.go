package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.notesync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var metaBucket = []byte("meta")

// SyncMeta records the last successfully synced state of a single path.
// Revision is the remote revision this device last observed or achieved;
// ParentRevision equals Revision once synced. A Digest of "" marks a
// tombstone: this device has applied a remote deletion at Revision, and
// the path does not exist locally.
type SyncMeta struct {
	Digest         string `json:"digest"`
	Revision       int64  `json:"revision"`
	ParentRevision int64  `json:"parentRevision"`
	UpdatedAt      int64  `json:"updatedAt"`
}

// Tombstone reports whether this entry records an observed deletion
// rather than synced content.
func (m SyncMeta) Tombstone() bool {
	return m.Digest == ""
}

// Store is the in-memory path -> SyncMeta mapping consulted and mutated
// during a reconcile pass. It carries no lock: only one pass runs at a
// time (the reconciler's single-flight guard enforces this) and hydration
// happens at startup before any pass is scheduled.
type Store struct {
	entries map[string]SyncMeta
}

// NewStore creates an empty metadata store.
func NewStore() *Store {
	return &Store{entries: make(map[string]SyncMeta)}
}

// Get returns the entry for a path and whether one exists.
func (s *Store) Get(path string) (SyncMeta, bool) {
	m, ok := s.entries[path]
	return m, ok
}

// Set replaces the entry for a path.
func (s *Store) Set(path string, m SyncMeta) {
	s.entries[path] = m
}

// Remove deletes the entry for a path. Removing an absent path is a no-op.
func (s *Store) Remove(path string) {
	delete(s.entries, path)
}

// All returns a copy of the full mapping. Callers may mutate the result
// freely without affecting the store.
func (s *Store) All() map[string]SyncMeta {
	out := make(map[string]SyncMeta, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// ReplaceAll swaps in a new mapping wholesale. Used to hydrate from the
// database at startup. A nil mapping resets the store to empty.
func (s *Store) ReplaceAll(entries map[string]SyncMeta) {
	s.entries = make(map[string]SyncMeta, len(entries))
	for k, v := range entries {
		s.entries[k] = v
	}
}

// Len returns the number of tracked paths.
func (s *Store) Len() int {
	return len(s.entries)
}

// DB wraps a bbolt database holding the durable copy of the metadata
// store. The in-memory Store is hydrated from it at startup and flushed
// back after every completed pass and at shutdown, so a crash loses at
// most one pass's progress.
type DB struct {
	db *bolt.DB
}

// Open opens the state database at ~/.notesync/state.db, creating it if
// it does not exist.
func Open() (*DB, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return OpenAt(filepath.Join(home, ".notesync", "state.db"))
}

// OpenAt opens a state database at the given path, creating it if it does
// not exist. Useful for tests that need an isolated database.
func OpenAt(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// LoadMeta reads all persisted entries. Feed the result to Store.ReplaceAll.
func (d *DB) LoadMeta() (map[string]SyncMeta, error) {
	result := make(map[string]SyncMeta)
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var m SyncMeta
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decoding entry for %q: %w", string(k), err)
			}

			result[string(k)] = m

			return nil
		})
	})

	return result, err
}

// SaveMeta replaces the persisted mapping with the given one in a single
// transaction. Dropping and recreating the bucket keeps deletions durable
// without tracking them separately.
func (d *DB) SaveMeta(entries map[string]SyncMeta) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(metaBucket); err != nil {
			return err
		}

		b, err := tx.CreateBucket(metaBucket)
		if err != nil {
			return err
		}

		for path, m := range entries {
			data, err := json.Marshal(m)
			if err != nil {
				return err
			}

			if err := b.Put([]byte(path), data); err != nil {
				return err
			}
		}

		return nil
	})
}
