package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/NotMugil/inzx-core/internal/storage"
	"github.com/NotMugil/inzx-core/pkg/types"
)

const (
	queueKey             = "playback_queue"
	durationMigrationKey = "duration_migration_done"

	formatVersion = 1

	// restoreTTL gates restore on startup.
	restoreTTL = 5 * time.Minute

	// debounceDelay coalesces bursts of queue mutations.
	debounceDelay = 2 * time.Second

	// periodicInterval is the minimum spacing of while-playing saves.
	periodicInterval = 5 * time.Second

	// positionForceDelta forces a save when the position drifted this far
	// from the last persisted one.
	positionForceDelta = 15 * time.Second
)

// SnapshotFunc supplies the current queue, index, and position.
type SnapshotFunc func() (queue []types.Track, currentIndex int, position time.Duration)

// Persistor writes the play queue durably: debounced after mutations,
// periodically while playing, and synchronously on pause/stop.
type Persistor struct {
	store    *storage.Store
	snapshot SnapshotFunc
	debug    bool

	mu            sync.Mutex
	debounceTimer *time.Timer
	lastPeriodic  time.Time
	lastPosition  time.Duration
	closed        bool
}

func NewPersistor(store *storage.Store, snapshot SnapshotFunc, debug bool) *Persistor {
	return &Persistor{
		store:    store,
		snapshot: snapshot,
		debug:    debug,
	}
}

func (p *Persistor) debugLog(format string, args ...interface{}) {
	if p.debug {
		log.Printf("[PERSIST] "+format, args...)
	}
}

// ScheduleSave arms (or re-arms) the debounced save.
func (p *Persistor) ScheduleSave() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	if p.debounceTimer != nil {
		p.debounceTimer.Stop()
	}
	p.debounceTimer = time.AfterFunc(debounceDelay, func() {
		if err := p.SaveNow(context.Background()); err != nil {
			p.debugLog("Debounced save failed: %v", err)
		}
	})
}

// MaybePeriodicSave persists at most every five seconds while playing,
// forcing a save when the position drifted 15 seconds past the last
// persisted value.
func (p *Persistor) MaybePeriodicSave(position time.Duration) {
	p.mu.Lock()
	drifted := absDuration(position-p.lastPosition) >= positionForceDelta
	due := time.Since(p.lastPeriodic) >= periodicInterval
	p.mu.Unlock()

	if !due && !drifted {
		return
	}
	if err := p.SaveNow(context.Background()); err != nil {
		p.debugLog("Periodic save failed: %v", err)
	}
}

// SaveNow serializes the snapshot synchronously.
func (p *Persistor) SaveNow(ctx context.Context) error {
	queue, index, position := p.snapshot()

	record := types.PersistedQueue{
		Version:      formatVersion,
		Queue:        queue,
		CurrentIndex: index,
		PositionMs:   position.Milliseconds(),
		SavedAtMs:    time.Now().UnixMilli(),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}

	if err := p.store.Put(ctx, queueKey, data); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}

	p.mu.Lock()
	p.lastPeriodic = time.Now()
	p.lastPosition = position
	p.mu.Unlock()

	p.debugLog("Saved queue: %d tracks, index %d, position %v", len(queue), index, position)
	return nil
}

// Load restores the persisted queue when it was saved within the TTL.
// The current index is clamped to the restored queue length.
func (p *Persistor) Load(ctx context.Context) (*types.PersistedQueue, bool, error) {
	data, err := p.store.Get(ctx, queueKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var record types.PersistedQueue
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, false, fmt.Errorf("unmarshal queue: %w", err)
	}

	if record.Version != formatVersion {
		p.debugLog("Ignoring persisted queue with version %d", record.Version)
		return nil, false, nil
	}

	age := time.Since(time.UnixMilli(record.SavedAtMs))
	if age > restoreTTL {
		p.debugLog("Persisted queue too old (%v), ignoring", age)
		return nil, false, nil
	}

	if len(record.Queue) == 0 {
		return nil, false, nil
	}
	if record.CurrentIndex < 0 {
		record.CurrentIndex = 0
	}
	if record.CurrentIndex >= len(record.Queue) {
		record.CurrentIndex = len(record.Queue) - 1
	}

	p.debugLog("Restored queue: %d tracks, index %d, position %dms",
		len(record.Queue), record.CurrentIndex, record.PositionMs)
	return &record, true, nil
}

// DurationMigrationDone reports whether the one-shot stored-duration
// repair already ran on this install.
func (p *Persistor) DurationMigrationDone(ctx context.Context) bool {
	done, err := p.store.GetFlag(ctx, durationMigrationKey)
	if err != nil {
		p.debugLog("Migration flag read failed: %v", err)
		return true
	}
	return done
}

// MarkDurationMigrationDone latches the migration flag.
func (p *Persistor) MarkDurationMigrationDone(ctx context.Context) {
	if err := p.store.SetFlag(ctx, durationMigrationKey, true); err != nil {
		p.debugLog("Migration flag write failed: %v", err)
	}
}

// Close cancels any pending debounced save.
func (p *Persistor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.debounceTimer != nil {
		p.debounceTimer.Stop()
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
