package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "snapshots/a/MANIFEST", []byte("manifest-a")))
	require.NoError(t, store.Put(ctx, "snapshots/b/MANIFEST", []byte("manifest-b")))
	require.NoError(t, store.Put(ctx, "CURRENT", []byte("snapshots/b/MANIFEST")))

	data, err := store.Get(ctx, "snapshots/a/MANIFEST")
	require.NoError(t, err)
	assert.Equal(t, []byte("manifest-a"), data)

	// Overwrite replaces content wholesale.
	require.NoError(t, store.Put(ctx, "CURRENT", []byte("snapshots/a/MANIFEST")))
	data, err = store.Get(ctx, "CURRENT")
	require.NoError(t, err)
	assert.Equal(t, []byte("snapshots/a/MANIFEST"), data)

	names, err := store.List(ctx, "snapshots/")
	require.NoError(t, err)
	assert.Equal(t, []string{"snapshots/a/MANIFEST", "snapshots/b/MANIFEST"}, names)

	require.NoError(t, store.Delete(ctx, "snapshots/a/MANIFEST"))
	require.NoError(t, store.Delete(ctx, "snapshots/a/MANIFEST"), "deleting a missing blob is fine")
	_, err = store.Get(ctx, "snapshots/a/MANIFEST")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestLocalStore(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	testStore(t, store)
}

func TestMemoryStore_CopiesData(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	data := []byte("original")
	require.NoError(t, store.Put(ctx, "blob", data))
	data[0] = 'X'

	got, err := store.Get(ctx, "blob")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)

	got[1] = 'Y'
	again, err := store.Get(ctx, "blob")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}
