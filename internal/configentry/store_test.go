package configentry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemoryStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_SaveLoad(t *testing.T) {
	store := openMemoryStore(t)
	ctx := context.Background()

	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []Entry{
		{EntryID: "b", Domain: "aladdin_connect", Title: "second", Source: SourceUser, Data: map[string]string{"username": "two"}, CreatedAt: created.Add(time.Minute)},
		{EntryID: "a", Domain: "aladdin_connect", Title: "first", UniqueID: "one", Source: SourceImport, Data: map[string]string{"username": "one"}, CreatedAt: created},
	}
	for _, e := range entries {
		require.NoError(t, store.Save(ctx, e))
	}

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	assert.Equal(t, "a", loaded[0].EntryID)
	assert.Equal(t, "one", loaded[0].UniqueID)
	assert.Equal(t, SourceImport, loaded[0].Source)
	assert.True(t, created.Equal(loaded[0].CreatedAt))
	assert.Equal(t, StateNotLoaded, loaded[0].State)

	assert.Equal(t, "b", loaded[1].EntryID)
	assert.Empty(t, loaded[1].UniqueID)
}

func TestStore_SaveUpdatesExisting(t *testing.T) {
	store := openMemoryStore(t)
	ctx := context.Background()

	e := Entry{EntryID: "a", Domain: "aladdin_connect", Title: "old", Source: SourceUser, Data: map[string]string{}, CreatedAt: time.Now()}
	require.NoError(t, store.Save(ctx, e))

	e.Title = "new"
	e.Data = map[string]string{"password": "rotated"}
	require.NoError(t, store.Save(ctx, e))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "new", loaded[0].Title)
	assert.Equal(t, "rotated", loaded[0].Data["password"])
}

func TestStore_Delete(t *testing.T) {
	store := openMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, Entry{EntryID: "a", Domain: "d", Source: SourceUser, CreatedAt: time.Now()}))
	require.NoError(t, store.Delete(ctx, "a"))
	assert.ErrorIs(t, store.Delete(ctx, "a"), ErrNotFound)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
