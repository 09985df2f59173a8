package persist

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NotMugil/inzx-core/internal/storage"
	"github.com/NotMugil/inzx-core/pkg/types"
)

func newTestPersistor(t *testing.T, snapshot SnapshotFunc) (*Persistor, *storage.Store) {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "p.db"), true, false)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	p := NewPersistor(store, snapshot, false)
	t.Cleanup(p.Close)
	return p, store
}

func staticSnapshot(queue []types.Track, index int, position time.Duration) SnapshotFunc {
	return func() ([]types.Track, int, time.Duration) {
		return queue, index, position
	}
}

func threeTracks() []types.Track {
	return []types.Track{
		{ID: "t1", Title: "One", Artist: "A"},
		{ID: "t2", Title: "Two", Artist: "B"},
		{ID: "t3", Title: "Three", Artist: "C"},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tracks := threeTracks()
	p, _ := newTestPersistor(t, staticSnapshot(tracks, 1, 42*time.Second))

	require.NoError(t, p.SaveNow(context.Background()))

	record, ok, err := p.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, record.CurrentIndex)
	assert.Equal(t, int64(42_000), record.PositionMs)
	require.Len(t, record.Queue, 3)
	assert.Equal(t, "t2", record.Queue[1].ID)
}

func TestLoadRespectsTTL(t *testing.T) {
	p, store := newTestPersistor(t, staticSnapshot(threeTracks(), 0, 0))

	// A record saved six minutes ago must be ignored.
	stale := types.PersistedQueue{
		Version:      1,
		Queue:        threeTracks(),
		CurrentIndex: 0,
		SavedAtMs:    time.Now().Add(-6 * time.Minute).UnixMilli(),
	}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "playback_queue", data))

	_, ok, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "Load must reject a record older than five minutes")
}

func TestLoadClampsIndex(t *testing.T) {
	p, store := newTestPersistor(t, staticSnapshot(nil, 0, 0))

	record := types.PersistedQueue{
		Version:      1,
		Queue:        threeTracks(),
		CurrentIndex: 99,
		SavedAtMs:    time.Now().UnixMilli(),
	}
	data, err := json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "playback_queue", data))

	restored, ok, err := p.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, restored.CurrentIndex, "index must clamp to queue length")
}

func TestLoadMissingRecord(t *testing.T) {
	p, _ := newTestPersistor(t, staticSnapshot(nil, -1, 0))

	_, ok, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	p, store := newTestPersistor(t, staticSnapshot(nil, -1, 0))

	record := types.PersistedQueue{Version: 7, Queue: threeTracks(), SavedAtMs: time.Now().UnixMilli()}
	data, err := json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "playback_queue", data))

	_, ok, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "unknown format versions must be ignored")
}

func TestDebouncedSave(t *testing.T) {
	p, store := newTestPersistor(t, staticSnapshot(threeTracks(), 0, 5*time.Second))

	p.ScheduleSave()
	p.ScheduleSave()
	p.ScheduleSave()

	// Before the debounce window nothing is written.
	_, err := store.Get(context.Background(), "playback_queue")
	assert.Error(t, err, "save must not happen before the debounce delay")

	require.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), "playback_queue")
		return err == nil
	}, debounceDelay+2*time.Second, 50*time.Millisecond, "debounced save never landed")
}

func TestPeriodicSaveForcesOnPositionDrift(t *testing.T) {
	position := 10 * time.Second
	p, store := newTestPersistor(t, func() ([]types.Track, int, time.Duration) {
		return threeTracks(), 0, position
	})

	require.NoError(t, p.SaveNow(context.Background()))

	// Small drift within the periodic window: no new save.
	position = 12 * time.Second
	p.MaybePeriodicSave(position)
	assert.Equal(t, int64(10_000), loadRaw(t, store).PositionMs, "position persisted too eagerly")

	// A 20-second jump forces the save even inside the window.
	position = 30 * time.Second
	p.MaybePeriodicSave(position)
	assert.Equal(t, int64(30_000), loadRaw(t, store).PositionMs, "forced save missing")
}

func loadRaw(t *testing.T, store *storage.Store) types.PersistedQueue {
	t.Helper()
	data, err := store.Get(context.Background(), "playback_queue")
	require.NoError(t, err)
	var record types.PersistedQueue
	require.NoError(t, json.Unmarshal(data, &record))
	return record
}

func TestDurationMigrationFlag(t *testing.T) {
	p, _ := newTestPersistor(t, staticSnapshot(nil, -1, 0))
	ctx := context.Background()

	assert.False(t, p.DurationMigrationDone(ctx), "migration must start not-done")
	p.MarkDurationMigrationDone(ctx)
	assert.True(t, p.DurationMigrationDone(ctx), "migration flag must latch")
}
