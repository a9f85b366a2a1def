// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/luxfi/database"
	"github.com/luxfi/database/badgerdb"
	"github.com/luxfi/database/memdb"
)

const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// Storage wraps luxfi's database interface
type Storage struct {
	db      database.Database
	backend string
}

// NewStorage creates a new storage instance using luxfi/database
func NewStorage(backend string, path string) (*Storage, error) {
	var db database.Database
	var err error

	switch backend {
	case BackendMemory:
		db = memdb.New()
	case BackendBadger:
		db, err = badgerdb.New(path, nil, "", nil)
		if err != nil {
			return nil, fmt.Errorf("open badger at %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}

	return &Storage{db: db, backend: backend}, nil
}

// NewMemory returns an in-memory storage. Used by tests and the demo setup.
func NewMemory() *Storage {
	return &Storage{db: memdb.New(), backend: BackendMemory}
}

// Backend returns the configured backend name
func (s *Storage) Backend() string {
	return s.backend
}

// Put stores a key-value pair
func (s *Storage) Put(key, value []byte) error {
	return s.db.Put(key, value)
}

// Get retrieves a value by key. Missing keys return an error matching IsNotFound.
func (s *Storage) Get(key []byte) ([]byte, error) {
	return s.db.Get(key)
}

// Has checks if a key exists
func (s *Storage) Has(key []byte) (bool, error) {
	return s.db.Has(key)
}

// Delete removes a key-value pair
func (s *Storage) Delete(key []byte) error {
	return s.db.Delete(key)
}

// NewBatch creates a new batch for atomic operations
func (s *Storage) NewBatch() database.Batch {
	return s.db.NewBatch()
}

// Scan calls fn for every key under prefix in key order. The slices passed
// to fn are copies and may be retained.
func (s *Storage) Scan(prefix []byte, fn func(key, value []byte) error) error {
	it := s.db.NewIteratorWithPrefix(prefix)
	defer it.Release()

	for it.Next() {
		if err := fn(bytes.Clone(it.Key()), bytes.Clone(it.Value())); err != nil {
			return err
		}
	}
	return it.Error()
}

// Close closes the database
func (s *Storage) Close() error {
	return s.db.Close()
}

// Compact compacts the underlying database
func (s *Storage) Compact(start, limit []byte) error {
	return s.db.Compact(start, limit)
}

// IsNotFound reports whether err is the database's missing-key error
func IsNotFound(err error) bool {
	return errors.Is(err, database.ErrNotFound)
}
