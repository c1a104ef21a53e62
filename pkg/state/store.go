// Package state is the persistent key-value store behind the image cache.
//
// It wraps a single bbolt file. Every write is its own committed transaction,
// so a crash never loses an entry that was previously acknowledged. Writes
// spanning several keys are not atomic; callers that need that must detect
// partial state themselves.
package state

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

// SchemaVersion is the layout version of the image entries. Bump it when the
// stored key or value format changes.
const SchemaVersion = 1

var (
	imagesBucket = []byte("images")
	metaBucket   = []byte("meta")

	schemaVersionKey = []byte("schema_version")

	// ErrSchemaMismatch is returned by Open when the file was written by an
	// incompatible version.
	ErrSchemaMismatch = errors.New("store schema version mismatch")
)

// Entry is a key and its value returned by ScanPrefix.
type Entry struct {
	Key   string
	Value []byte
}

// Store is a flat string-keyed byte store.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the store at path. It waits at most one second for
// the file lock held by another process.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(imagesBucket); err != nil {
			return fmt.Errorf("failed to create images bucket: %w", err)
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return fmt.Errorf("failed to create meta bucket: %w", err)
		}

		current := []byte(strconv.Itoa(SchemaVersion))
		stored := meta.Get(schemaVersionKey)
		if stored == nil {
			return meta.Put(schemaVersionKey, current)
		}
		if !bytes.Equal(stored, current) {
			return fmt.Errorf("%w: found %s, want %s", ErrSchemaMismatch, stored, current)
		}
		return nil
	})
}

// Path returns the file backing the store.
func (s *Store) Path() string {
	return s.db.Path()
}

// Get returns a copy of the value stored under key. The boolean is false when
// the key does not exist.
func (s *Store) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(imagesBucket).Get([]byte(key)); v != nil {
			value = bytes.Clone(v)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return value, value != nil, nil
}

// Insert stores value under key, replacing any previous value.
func (s *Store) Insert(key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(imagesBucket).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

// ContainsKey reports whether key exists.
func (s *Store) ContainsKey(key string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(imagesBucket).Get([]byte(key)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return found, nil
}

// ScanPrefix returns every entry whose key starts with prefix, in key order.
func (s *Store) ScanPrefix(prefix string) ([]Entry, error) {
	var entries []Entry
	p := []byte(prefix)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(imagesBucket).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			entries = append(entries, Entry{Key: string(k), Value: bytes.Clone(v)})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan prefix %s: %w", prefix, err)
	}
	return entries, nil
}

// Flush forces written data to durable storage.
func (s *Store) Flush() error {
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("failed to flush store: %w", err)
	}
	return nil
}

// Close flushes and releases the store.
func (s *Store) Close() error {
	if err := s.Flush(); err != nil {
		s.db.Close()
		return err
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}
