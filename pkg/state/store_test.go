package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_InsertGet(t *testing.T) {
	s := openTestStore(t)

	_, found, err := s.Get("missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Insert("k", []byte("v1")))
	v, found, err := s.Get("k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, s.Insert("k", []byte("v2")))
	v, _, err = s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
}

func TestStore_ContainsKey(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Insert("present", []byte{}))

	ok, err := s.ContainsKey("present")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ContainsKey("absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ScanPrefix(t *testing.T) {
	s := openTestStore(t)
	for _, k := range []string{"a_x_latestmanifest.json", "a_x_latestabc", "a_x_latestdef", "a_y_latestmanifest.json", "b"} {
		require.NoError(t, s.Insert(k, []byte(k)))
	}

	entries, err := s.ScanPrefix("a_x_latest")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a_x_latestabc", entries[0].Key)
	assert.Equal(t, []byte("a_x_latestabc"), entries[0].Value)

	entries, err = s.ScanPrefix("nothing")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Insert("k", []byte("v")))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	v, found, err := s.Get("k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), v)
	assert.Equal(t, path, s.Path())
}

func TestStore_SchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")

	db, err := bolt.Open(path, 0600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		return b.Put(schemaVersionKey, []byte("0"))
	}))
	require.NoError(t, db.Close())

	_, err = Open(path)
	require.ErrorIs(t, err, ErrSchemaMismatch)
}
