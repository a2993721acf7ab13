package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveAndGetStrategy(t *testing.T) {
	store := newTestStore(t)

	rec := &StrategyRecord{
		UUID:  "5c0ab2f6-0c1e-4a7b-9d59-0f1f3c2f9a10",
		Kind:  "fw-update",
		State: "ready-to-apply",
		Data:  json.RawMessage(`{"uuid":"5c0ab2f6-0c1e-4a7b-9d59-0f1f3c2f9a10"}`),
	}
	require.NoError(t, store.SaveStrategy(rec))
	assert.False(t, rec.CreatedAt.IsZero())

	got, err := store.GetStrategy(rec.UUID)
	require.NoError(t, err)
	assert.Equal(t, rec.Kind, got.Kind)
	assert.JSONEq(t, string(rec.Data), string(got.Data))

	created := got.CreatedAt
	rec.State = "applying"
	require.NoError(t, store.SaveStrategy(rec))

	got, err = store.GetStrategy(rec.UUID)
	require.NoError(t, err)
	assert.Equal(t, "applying", got.State)
	assert.True(t, created.Equal(got.CreatedAt))
}

func TestSaveStrategyRequiresUUID(t *testing.T) {
	store := newTestStore(t)
	assert.Error(t, store.SaveStrategy(&StrategyRecord{Kind: "sw-patch"}))
}

func TestGetStrategyNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetStrategy("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(store.DeleteStrategy("missing"), ErrNotFound))
	assert.True(t, errors.Is(store.ArchiveStrategy("missing"), ErrNotFound))
}

func TestArchiveStrategy(t *testing.T) {
	store := newTestStore(t)

	rec := &StrategyRecord{UUID: "a", Kind: "kube-upgrade", State: "applied", Data: json.RawMessage(`{}`)}
	require.NoError(t, store.SaveStrategy(rec))
	require.NoError(t, store.ArchiveStrategy("a"))

	active, err := store.ListStrategies()
	require.NoError(t, err)
	assert.Empty(t, active)

	archived, err := store.GetHistory("a")
	require.NoError(t, err)
	assert.Equal(t, "applied", archived.State)
}

func TestPruneHistory(t *testing.T) {
	store := newTestStore(t)

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		store.now = func() time.Time { return at }
		uuid := fmt.Sprintf("s-%d", i)
		require.NoError(t, store.SaveStrategy(&StrategyRecord{UUID: uuid, Kind: "sw-deploy", Data: json.RawMessage(`{}`)}))
		require.NoError(t, store.ArchiveStrategy(uuid))
	}

	removed, err := store.PruneHistory(2)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	history, err := store.ListHistory()
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "s-3", history[0].UUID)
	assert.Equal(t, "s-4", history[1].UUID)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.SaveStrategy(&StrategyRecord{UUID: "x", Kind: "fw-update", Data: json.RawMessage(`{"a":1}`)}))
	require.NoError(t, store.Close())

	store, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer store.Close()

	list, err := store.ListStrategies()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "x", list[0].UUID)
}
