package player

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/NotMugil/inzx-core/internal/audio"
	"github.com/NotMugil/inzx-core/internal/cache"
	"github.com/NotMugil/inzx-core/internal/config"
	"github.com/NotMugil/inzx-core/internal/persist"
	"github.com/NotMugil/inzx-core/internal/precache"
	"github.com/NotMugil/inzx-core/internal/queue"
	"github.com/NotMugil/inzx-core/internal/radio"
	"github.com/NotMugil/inzx-core/internal/source"
	"github.com/NotMugil/inzx-core/pkg/types"
)

const (
	// commandBuffer bounds queued commands; the controller task drains
	// them strictly in order.
	commandBuffer = 64

	// positionEmitInterval throttles controller-level position updates.
	positionEmitInterval = 500 * time.Millisecond

	// radioPrewarmDelay defers the first radio extension after PlayTrack
	// so the initial load wins the network.
	radioPrewarmDelay = 500 * time.Millisecond

	// prevRestartThreshold makes skip-to-previous restart the current
	// track instead when playback is past it.
	prevRestartThreshold = 3 * time.Second
)

// SourceBuilder is the slice of source.Builder the controller needs;
// tests substitute a fake.
type SourceBuilder interface {
	Build(ctx context.Context, track types.Track) (*source.Source, error)
	DisableProxyCache()
}

// Controller is the public facade of the playback core. A single
// controller goroutine serializes every state mutation; commands are
// non-blocking from the caller's side.
type Controller struct {
	cfg       *config.Config
	resolver  types.Resolver
	byteCache *cache.ByteCache
	scheduler *precache.Scheduler
	builder   SourceBuilder
	engine    *audio.Engine
	model     *queue.Model
	extender  *radio.Extender
	persistor *persist.Persistor
	debug     bool

	ctx      context.Context
	cancel   context.CancelFunc
	commands chan func()

	// Everything below is touched only from the controller goroutine.
	state            PlaybackState
	jamsMode         bool
	radioMode        bool
	pendingSeek      map[string]time.Duration
	lastPositionEmit time.Time
	lastEmitted      *PlaybackState
	migrationPending bool

	states      *broadcaster[PlaybackState]
	positions   *broadcaster[time.Duration]
	completions *broadcaster[types.Track]
}

// Deps carries the collaborators the controller owns.
type Deps struct {
	Config    *config.Config
	Resolver  types.Resolver
	ByteCache *cache.ByteCache
	Scheduler *precache.Scheduler
	Builder   SourceBuilder
	Engine    *audio.Engine
	Model     *queue.Model
	Extender  *radio.Extender
	Persistor *persist.Persistor
}

func NewController(deps Deps) *Controller {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		cfg:         deps.Config,
		resolver:    deps.Resolver,
		byteCache:   deps.ByteCache,
		scheduler:   deps.Scheduler,
		builder:     deps.Builder,
		engine:      deps.Engine,
		model:       deps.Model,
		extender:    deps.Extender,
		persistor:   deps.Persistor,
		debug:       deps.Config.Debug,
		ctx:         ctx,
		cancel:      cancel,
		commands:    make(chan func(), commandBuffer),
		pendingSeek: make(map[string]time.Duration),
		states:      newBroadcaster[PlaybackState](8),
		positions:   newBroadcaster[time.Duration](16),
		completions: newBroadcaster[types.Track](4),
	}

	c.state.CurrentIndex = -1
	c.state.Speed = 1.0
	c.state.AudioQuality = types.ParseAudioQuality(deps.Config.Streaming.Quality)
	c.state.CacheWifiOnly = deps.Config.Streaming.CacheWifiOnly
	c.state.CacheSizeLimitMB = deps.Config.Streaming.CacheSizeLimitMB
	c.state.CacheMaxConcurrent = deps.Config.Streaming.CacheMaxConcurrent
	c.state.CrossfadeMs = deps.Config.Playback.CrossfadeDurationMs

	return c
}

func (c *Controller) debugLog(format string, args ...interface{}) {
	if c.debug {
		log.Printf("[CONTROLLER] "+format, args...)
	}
}

// Start launches the controller task, restores the persisted queue, and
// begins consuming player events.
func (c *Controller) Start() {
	go c.run()
	go c.pumpEvents(c.engine.Active())
	go c.pumpEvents(c.engine.Inactive())

	c.do(func() { c.restore() })
}

// Shutdown stops both players, flushes persistence, and ends the
// controller task.
func (c *Controller) Shutdown() {
	done := make(chan struct{})
	c.do(func() {
		c.engine.StopAll()
		if err := c.persistor.SaveNow(context.Background()); err != nil {
			c.debugLog("Final save failed: %v", err)
		}
		c.persistor.Close()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.debugLog("Shutdown flush timed out")
	}

	c.cancel()
	c.engine.Close()
	c.states.Close()
	c.positions.Close()
	c.completions.Close()
}

func (c *Controller) run() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case cmd := <-c.commands:
			cmd()
		}
	}
}

// do enqueues a closure for the controller task. Callers never block on
// execution; a full queue drops the command with a log line, which only
// happens when the process is already wedged.
func (c *Controller) do(fn func()) {
	select {
	case c.commands <- fn:
	case <-c.ctx.Done():
	default:
		log.Printf("[CONTROLLER] Command queue full, dropping command")
	}
}

// States is the coarse state stream; it emits only on equality-visible
// changes.
func (c *Controller) States() <-chan PlaybackState {
	return c.states.Subscribe()
}

// Positions is the raw position stream, throttled to 500 ms.
func (c *Controller) Positions() <-chan time.Duration {
	return c.positions.Subscribe()
}

// TrackComplete emits whenever the active player reports completion.
func (c *Controller) TrackComplete() <-chan types.Track {
	return c.completions.Subscribe()
}

// --- Commands -----------------------------------------------------------

// PlayTrack installs a single track and, with radio enabled, arms the
// auto-extension machinery around it.
func (c *Controller) PlayTrack(track types.Track, radioOn bool) {
	c.do(func() {
		c.model.Install([]types.Track{track}, 0, "")
		c.radioMode = radioOn
		if radioOn {
			c.extender.Reset(track.ID)
		}
		c.clearError()
		c.loadCurrent(true)

		time.AfterFunc(radioPrewarmDelay, func() {
			c.do(func() {
				c.scheduler.ScheduleAhead(c.ctx)
				if c.radioMode {
					c.maybeExtendRadio()
				}
			})
		})
	})
}

// PlayQueue installs a full queue. Radio mode turns on only for a
// singleton install that is not itself a radio queue.
func (c *Controller) PlayQueue(tracks []types.Track, startIndex int, sourceID string, isRadioQueue bool) {
	c.do(func() {
		c.model.Install(tracks, startIndex, sourceID)
		c.radioMode = len(tracks) == 1 && !isRadioQueue
		if c.radioMode && len(tracks) == 1 {
			c.extender.Reset(tracks[0].ID)
		}
		c.clearError()
		c.loadCurrent(true)
		c.afterQueueMutation()

		if c.radioMode || len(tracks) <= 2 {
			c.maybeExtendRadio()
		}
	})
}

// AddToQueue appends tracks at the end.
func (c *Controller) AddToQueue(tracks ...types.Track) {
	c.do(func() {
		c.model.Append(tracks)
		c.afterQueueMutation()
	})
}

// PlayNext inserts the track right after the current one.
func (c *Controller) PlayNext(track types.Track) {
	c.do(func() {
		c.model.InsertNext(track)
		c.afterQueueMutation()
	})
}

// RemoveFromQueue drops the track at the index.
func (c *Controller) RemoveFromQueue(index int) {
	c.do(func() {
		current := c.model.CurrentIndex()
		c.model.RemoveAt(index)
		if index == current {
			if c.model.Len() == 0 {
				c.stopInternal()
			} else {
				c.loadCurrent(c.state.IsPlaying)
			}
		}
		c.afterQueueMutation()
	})
}

// ReorderQueue moves a track between positions.
func (c *Controller) ReorderQueue(oldIndex, newIndex int) {
	c.do(func() {
		c.model.Reorder(oldIndex, newIndex)
		c.afterQueueMutation()
	})
}

// SkipToIndex jumps to a queue position and plays it.
func (c *Controller) SkipToIndex(index int) {
	c.do(func() {
		if c.model.SkipTo(index) {
			c.clearError()
			c.loadCurrent(true)
			c.afterQueueMutation()
		}
	})
}

// ClearQueue empties the queue and stops playback.
func (c *Controller) ClearQueue() {
	c.do(func() {
		c.model.Clear()
		c.stopInternal()
		c.afterQueueMutation()
	})
}

// Play resumes or (re)loads the current track. An expired stream URL is
// silently re-resolved.
func (c *Controller) Play() {
	c.do(func() {
		active := c.engine.Active()

		switch active.Status() {
		case audio.StatusPaused:
			if c.state.CurrentPlaybackData.Expired() && c.state.CurrentTrack != nil && c.state.CurrentTrack.LocalPath == "" {
				c.debugLog("Stream URL expired while paused, reloading")
				c.resolver.Clear(c.state.CurrentTrack.ID)
				c.loadCurrent(true)
				return
			}
			if err := active.Play(); err != nil {
				c.setError(err)
				return
			}
			c.clearError()
			c.state.IsPlaying = true
			c.emitState()
		case audio.StatusIdle, audio.StatusError, audio.StatusCompleted:
			c.clearError()
			c.loadCurrent(true)
		default:
			if err := active.Play(); err != nil {
				c.setError(err)
			}
		}
	})
}

// Pause halts output and saves the queue synchronously.
func (c *Controller) Pause() {
	c.do(func() {
		if err := c.engine.Active().Pause(); err != nil {
			c.debugLog("Pause failed: %v", err)
		}
		c.state.IsPlaying = false
		c.emitState()
		if err := c.persistor.SaveNow(context.Background()); err != nil {
			c.debugLog("Save on pause failed: %v", err)
		}
	})
}

// Stop halts both players and resets per-source state.
func (c *Controller) Stop() {
	c.do(func() {
		c.stopInternal()
		if err := c.persistor.SaveNow(context.Background()); err != nil {
			c.debugLog("Save on stop failed: %v", err)
		}
	})
}

func (c *Controller) stopInternal() {
	c.engine.StopAll()
	c.engine.NoteSourceChange()
	c.state.IsPlaying = false
	c.state.IsBuffering = false
	c.state.IsLoading = false
	c.state.Position = 0
	c.state.BufferedPosition = 0
	c.state.CurrentPlaybackData = nil
	c.emitState()
}

// Seek moves within the current track. While loading, the target is
// parked until the player reports readiness for the matching track.
func (c *Controller) Seek(position time.Duration) {
	c.do(func() {
		if c.state.IsLoading {
			if t := c.state.CurrentTrack; t != nil {
				c.pendingSeek[t.ID] = position
			}
			return
		}
		if err := c.engine.Active().Seek(position); err != nil {
			c.debugLog("Seek failed: %v", err)
			return
		}
		c.state.Position = position
	})
}

// SeekBy moves relative to the current position.
func (c *Controller) SeekBy(delta time.Duration) {
	c.do(func() {
		target := c.engine.Active().Position() + delta
		if target < 0 {
			target = 0
		}
		if err := c.engine.Active().Seek(target); err != nil {
			c.debugLog("SeekBy failed: %v", err)
		}
	})
}

// SkipToNext advances per the queue policy. In Jams mode the external
// controller decides, so only the completion event is emitted.
func (c *Controller) SkipToNext() {
	c.do(func() {
		if c.jamsMode {
			if t, ok := c.model.Current(); ok {
				c.completions.Publish(t)
			}
			return
		}

		if c.radioMode {
			c.maybeExtendRadio()
		}

		target := c.model.NextTarget()
		if target < 0 {
			c.debugLog("SkipToNext: nowhere to go")
			return
		}

		crossfade := time.Duration(c.cfg.Playback.CrossfadeDurationMs) * time.Millisecond
		if crossfade > 0 && !c.jamsMode && c.model.LoopMode() != types.LoopOne && c.state.IsPlaying {
			c.crossfadeTo(target, crossfade)
			return
		}

		c.model.SkipTo(target)
		c.clearError()
		c.loadCurrent(true)
		c.afterQueueMutation()
	})
}

// SkipToPrevious restarts the current track when more than three seconds
// in; otherwise it moves to the previous queue entry.
func (c *Controller) SkipToPrevious() {
	c.do(func() {
		if c.engine.Active().Position() > prevRestartThreshold {
			if err := c.engine.Active().Seek(0); err != nil {
				c.debugLog("Restart seek failed: %v", err)
			}
			c.state.Position = 0
			return
		}

		target := c.model.PrevTarget()
		if target < 0 {
			return
		}
		c.model.SkipTo(target)
		c.clearError()
		c.loadCurrent(true)
		c.afterQueueMutation()
	})
}

// SetLoopMode mirrors the mode to the queue and both players.
func (c *Controller) SetLoopMode(mode types.LoopMode) {
	c.do(func() {
		c.model.SetLoopMode(mode)
		c.engine.SetLoopBoth(mode)
		c.state.LoopMode = mode
		c.afterQueueMutation()
	})
}

// ToggleShuffle flips shuffle, keeping the current track in place.
func (c *Controller) ToggleShuffle() {
	c.do(func() {
		enabled := !c.model.ShuffleEnabled()
		c.model.SetShuffle(enabled, c.model.CurrentIndex())
		c.afterQueueMutation()
	})
}

// SetSpeed changes playback rate on both players.
func (c *Controller) SetSpeed(speed float64) {
	c.do(func() {
		c.engine.SetSpeedBoth(speed)
		c.state.Speed = speed
		c.emitState()
	})
}

// SetJamsMode hands track progression to an external controller. While
// set, completions only emit events and crossfade is disabled.
func (c *Controller) SetJamsMode(enabled bool) {
	c.do(func() {
		c.jamsMode = enabled
		c.debugLog("Jams mode: %v", enabled)
	})
}

// SetAudioQuality persists the new quality and invalidates both caches;
// quality changes make every cached URL and body stale by key.
func (c *Controller) SetAudioQuality(quality types.AudioQuality) {
	c.do(func() {
		c.cfg.Streaming.Quality = quality.String()
		if err := c.cfg.Save(); err != nil {
			c.debugLog("Config save failed: %v", err)
		}

		c.resolver.ClearAll()
		if err := c.byteCache.ClearAll(); err != nil {
			c.debugLog("Cache clear failed: %v", err)
		}

		c.state.AudioQuality = quality
		c.emitState()
		c.scheduler.ScheduleAhead(c.ctx)
	})
}

// --- Internal transitions ----------------------------------------------

// afterQueueMutation refreshes queue-derived state, persists, and keeps
// the precache ahead of the listener.
func (c *Controller) afterQueueMutation() {
	c.refreshQueueState()
	c.emitState()
	c.persistor.ScheduleSave()
	c.scheduler.ScheduleAhead(c.ctx)
	c.prefetchUpcoming()
}

func (c *Controller) refreshQueueState() {
	snap := c.model.Snapshot()
	c.state.Queue = snap.Queue
	c.state.QueueRevision = snap.Revision
	c.state.CurrentIndex = snap.CurrentIndex
	c.state.ShuffleEnabled = snap.Shuffle
	c.state.LoopMode = snap.LoopMode
	c.state.SourceID = snap.SourceID

	if t, ok := c.model.Current(); ok {
		c.state.CurrentTrack = &t
	} else {
		c.state.CurrentTrack = nil
	}
	c.state.IsRadioMode = c.radioMode
	c.state.IsFetchingRadio = c.extender.IsFetching()
}

// emitState publishes the coarse state, suppressing emissions that are
// equal (position-excluded) to the last one subscribers saw.
func (c *Controller) emitState() {
	c.refreshRadioFlags()
	if c.lastEmitted != nil && c.state.Equal(*c.lastEmitted) {
		return
	}
	snapshot := c.state
	c.lastEmitted = &snapshot
	c.states.Publish(snapshot)
}

func (c *Controller) refreshRadioFlags() {
	c.state.IsRadioMode = c.radioMode
	c.state.IsFetchingRadio = c.extender.IsFetching()
}

func (c *Controller) setError(err error) {
	c.state.Error = err.Error()
	c.state.IsLoading = false
	c.state.IsBuffering = false
	c.emitState()
}

func (c *Controller) clearError() {
	if c.state.Error != "" {
		c.state.Error = ""
	}
}

// loadCurrent builds a source for the current track and hard-switches
// the active player onto it.
func (c *Controller) loadCurrent(autoplay bool) {
	track, ok := c.model.Current()
	if !ok {
		c.debugLog("loadCurrent: queue empty")
		return
	}

	c.refreshQueueState()
	c.state.IsLoading = true
	c.state.Position = 0
	c.state.Duration = track.Duration
	c.emitState()

	go func() {
		src, err := c.builder.Build(c.ctx, track)
		if err != nil && errors.Is(err, source.ErrCleartextLoopback) {
			// Platform refuses loopback proxying; fall back to direct
			// streaming for the rest of the process and retry once.
			c.builder.DisableProxyCache()
			src, err = c.builder.Build(c.ctx, track)
		}

		c.do(func() {
			current, stillOk := c.model.Current()
			if !stillOk || current.ID != track.ID {
				return
			}

			if err != nil {
				c.debugLog("Load failed for %s: %v", track.ID, err)
				c.setError(err)
				return
			}

			c.state.CurrentPlaybackData = src.Data
			c.engine.NoteSourceChange()

			if err := c.engine.HardSwitch(c.ctx, src, autoplay); err != nil {
				c.setError(err)
				return
			}

			c.state.IsLoading = false
			c.state.IsPlaying = autoplay
			c.emitState()

			if pos, pending := c.pendingSeek[track.ID]; pending {
				delete(c.pendingSeek, track.ID)
				if err := c.engine.Active().Seek(pos); err != nil {
					c.debugLog("Pending seek failed: %v", err)
				} else {
					c.state.Position = pos
				}
			}
		})
	}()
}

// crossfadeTo launches the overlap transition to the target index.
func (c *Controller) crossfadeTo(target int, crossfade time.Duration) {
	track, ok := c.model.TrackAt(target)
	if !ok {
		return
	}

	go func() {
		src, err := c.builder.Build(c.ctx, track)
		if err != nil {
			c.debugLog("Crossfade build failed, hard-switching: %v", err)
			c.do(func() {
				c.model.SkipTo(target)
				c.loadCurrent(true)
				c.afterQueueMutation()
			})
			return
		}

		err = c.engine.Crossfade(c.ctx, src, crossfade, func() {
			c.model.SkipTo(target)
		})

		c.do(func() {
			if err != nil {
				c.debugLog("Crossfade failed: %v", err)
				c.loadCurrent(true)
			} else {
				c.state.CurrentPlaybackData = src.Data
				c.state.IsPlaying = true
				c.state.IsLoading = false
				c.state.Position = 0
			}
			c.afterQueueMutation()
		})
	}()
}

// prefetchUpcoming warms stream URLs for the next few queue entries.
func (c *Controller) prefetchUpcoming() {
	snap := c.model.Snapshot()
	if snap.CurrentIndex < 0 {
		return
	}

	var ids []string
	for i := snap.CurrentIndex + 1; i < len(snap.Queue) && len(ids) < 3; i++ {
		ids = append(ids, snap.Queue[i].ID)
	}
	if len(ids) > 0 {
		c.resolver.Prefetch(c.ctx, ids, types.ParseAudioQuality(c.cfg.Streaming.Quality))
	}
}

// maybeExtendRadio fires an asynchronous radio extension when the queue
// is close to running dry.
func (c *Controller) maybeExtendRadio() {
	if !c.radioMode || !c.extender.ShouldExtend() {
		return
	}

	c.refreshRadioFlags()
	c.state.IsFetchingRadio = true
	c.emitState()

	go func() {
		added, err := c.extender.Extend(c.ctx)
		c.do(func() {
			if err != nil {
				c.debugLog("Radio extension failed: %v", err)
			} else if added > 0 {
				c.debugLog("Radio appended %d tracks", added)
			}
			c.afterQueueMutation()
		})
	}()
}

// --- Event handling -----------------------------------------------------

func (c *Controller) pumpEvents(h audio.Handle) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-h.Events():
			if !ok {
				return
			}
			c.do(func() { c.handleEvent(h, ev) })
		}
	}
}

func (c *Controller) handleEvent(h audio.Handle, ev audio.Event) {
	// Position ticks from the standby player are noise.
	if !c.engine.IsActive(h) {
		return
	}

	switch ev.Type {
	case audio.EventPosition:
		c.onTick(ev.Position)

	case audio.EventDuration:
		c.onDurationKnown(ev.TrackID, ev.Duration)

	case audio.EventStatus:
		switch ev.Status {
		case audio.StatusBuffering:
			c.state.IsBuffering = true
			c.emitState()
		case audio.StatusPlaying:
			c.state.IsBuffering = false
			c.state.IsPlaying = true
			c.state.IsLoading = false
			c.emitState()
		case audio.StatusPaused:
			c.state.IsPlaying = false
			c.emitState()
		}

	case audio.EventCompleted:
		c.onCompleted(ev.TrackID)

	case audio.EventError:
		if ev.Err != nil {
			c.setError(ev.Err)
		}
	}
}

func (c *Controller) onTick(pos time.Duration) {
	c.state.Position = pos
	c.state.BufferedPosition = c.engine.Active().BufferedPosition()

	if dur := c.engine.Active().Duration(); dur > 0 && dur != c.state.Duration {
		c.state.Duration = dur
	}

	now := time.Now()
	if now.Sub(c.lastPositionEmit) >= positionEmitInterval {
		c.lastPositionEmit = now
		c.positions.Publish(pos)
	}

	if c.state.IsPlaying {
		c.persistor.MaybePeriodicSave(pos)
	}

	if c.radioMode {
		c.maybeExtendRadio()
	}

	if !c.engine.IsFading() {
		c.engine.AntiStall()
	}

	crossfade := time.Duration(c.cfg.Playback.CrossfadeDurationMs) * time.Millisecond
	target := c.model.NextTarget()
	if c.engine.ShouldTriggerCrossfade(pos, c.state.Duration, crossfade, target >= 0, c.model.LoopMode(), c.jamsMode) {
		c.debugLog("Crossfade trigger at %v / %v", pos, c.state.Duration)
		c.crossfadeTo(target, crossfade)
	}
}

// onDurationKnown records the authoritative duration and, once per
// install, repairs a zero duration left behind by an older version.
func (c *Controller) onDurationKnown(trackID string, d time.Duration) {
	if d <= 0 {
		return
	}
	c.model.UpdateTrackDuration(trackID, d)
	c.state.Duration = d

	if c.migrationPending && !c.persistor.DurationMigrationDone(c.ctx) {
		c.persistor.MarkDurationMigrationDone(c.ctx)
		c.migrationPending = false
		c.persistor.ScheduleSave()
	}

	c.refreshQueueState()
	c.emitState()
}

func (c *Controller) onCompleted(trackID string) {
	track, ok := c.model.Current()
	if ok {
		c.completions.Publish(track)
	}

	if c.jamsMode {
		c.debugLog("Completion in Jams mode, waiting for external controller")
		c.state.IsPlaying = false
		c.emitState()
		return
	}

	target := c.model.NextTarget()
	if target < 0 {
		c.debugLog("Queue finished")
		c.state.IsPlaying = false
		c.state.Position = 0
		c.emitState()
		return
	}

	c.model.SkipTo(target)
	c.loadCurrent(true)
	c.afterQueueMutation()
}

// restore applies a persisted queue saved within the last five minutes.
func (c *Controller) restore() {
	record, ok, err := c.persistor.Load(c.ctx)
	if err != nil {
		c.debugLog("Restore failed: %v", err)
		return
	}
	if !ok {
		return
	}

	c.model.Install(record.Queue, record.CurrentIndex, "")
	if t, found := c.model.Current(); found {
		c.pendingSeek[t.ID] = time.Duration(record.PositionMs) * time.Millisecond
		if t.Duration == 0 && !c.persistor.DurationMigrationDone(c.ctx) {
			c.migrationPending = true
		}
	}

	c.refreshQueueState()
	c.state.Position = time.Duration(record.PositionMs) * time.Millisecond
	c.loadCurrent(false)
	c.emitState()
}
