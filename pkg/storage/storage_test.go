// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStorageBackends(t *testing.T) {
	for _, backend := range []string{BackendMemory, BackendBadger} {
		t.Run(backend, func(t *testing.T) {
			require := require.New(t)

			s, err := NewStorage(backend, t.TempDir())
			require.NoError(err)
			defer s.Close()
			require.Equal(backend, s.Backend())

			require.NoError(s.Put([]byte("a/1"), []byte("one")))
			value, err := s.Get([]byte("a/1"))
			require.NoError(err)
			require.Equal([]byte("one"), value)

			has, err := s.Has([]byte("a/1"))
			require.NoError(err)
			require.True(has)

			require.NoError(s.Delete([]byte("a/1")))
			_, err = s.Get([]byte("a/1"))
			require.True(IsNotFound(err))
		})
	}
}

func TestStorageUnknownBackend(t *testing.T) {
	_, err := NewStorage("fdb", "")
	require.Error(t, err)
}

func TestStorageBatchAndScan(t *testing.T) {
	require := require.New(t)

	s := NewMemory()
	defer s.Close()

	batch := s.NewBatch()
	for i := 0; i < 3; i++ {
		require.NoError(batch.Put([]byte(fmt.Sprintf("a/%d", i)), []byte{byte(i)}))
	}
	require.NoError(batch.Put([]byte("r/x"), []byte("a/0")))
	require.NoError(batch.Write())

	var keys []string
	require.NoError(s.Scan([]byte("a/"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	require.Equal([]string{"a/0", "a/1", "a/2"}, keys)

	stop := errors.New("stop")
	err := s.Scan([]byte("a/"), func(_, _ []byte) error { return stop })
	require.ErrorIs(err, stop)
}
