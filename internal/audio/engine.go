package audio

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/NotMugil/inzx-core/internal/source"
	"github.com/NotMugil/inzx-core/pkg/types"
)

const (
	// crossfadeSteps is the resolution of the equal-power ramp.
	crossfadeSteps = 24

	// minStepDuration and maxStepDuration clamp each ramp step.
	minStepDuration = 10 * time.Millisecond
	maxStepDuration = 500 * time.Millisecond

	// volumeWriteTimeout bounds every SetVolume so a wedged backend
	// cannot deadlock the fade.
	volumeWriteTimeout = 1200 * time.Millisecond

	// standbyWarmupDelay lets the incoming player's buffer settle before
	// the ramp starts.
	standbyWarmupDelay = 90 * time.Millisecond

	// standbyPrimeVolume is the incoming player's level during warm-up.
	standbyPrimeVolume = 0.12

	// minTriggerLead is the smallest remaining-time window that can
	// trigger a crossfade.
	minTriggerLead = 300 * time.Millisecond

	// triggerPadding is added to the crossfade duration when computing
	// the trigger point.
	triggerPadding = 120 * time.Millisecond

	// antiStallInterval rate-limits runtime volume re-assertion.
	antiStallInterval = 800 * time.Millisecond
)

// settleDelays schedules post-swap volume re-assertions; some backends
// transiently re-emit stale volume after a source handoff.
var settleDelays = []time.Duration{0, 120 * time.Millisecond, 320 * time.Millisecond, 700 * time.Millisecond, 1400 * time.Millisecond}

// Engine owns the two player handles and performs hard switches and
// equal-power overlap crossfades between them. Exactly one handle is
// active at a time; callers only ever observe the post-swap active.
type Engine struct {
	mu      sync.Mutex
	handles [2]Handle
	active  int
	fading  bool
	latched bool

	lastAntiStall time.Time
	debug         bool
}

func NewEngine(primary, secondary Handle, debug bool) *Engine {
	return &Engine{
		handles: [2]Handle{primary, secondary},
		debug:   debug,
	}
}

func (e *Engine) debugLog(format string, args ...interface{}) {
	if e.debug {
		log.Printf("[ENGINE] "+format, args...)
	}
}

// Active returns the handle currently producing audio.
func (e *Engine) Active() Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handles[e.active]
}

// Inactive returns the standby handle.
func (e *Engine) Inactive() Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handles[1-e.active]
}

// IsActive reports whether the given handle is the active one. Position
// ticks from the inactive handle must be ignored by consumers.
func (e *Engine) IsActive(h Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handles[e.active] == h
}

// IsFading reports whether a crossfade is in progress.
func (e *Engine) IsFading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fading
}

// NoteSourceChange resets the per-track crossfade latch. Call on every
// source change of the active player.
func (e *Engine) NoteSourceChange() {
	e.mu.Lock()
	e.latched = false
	e.mu.Unlock()
}

// HardSwitch attaches the source to the active player without overlap:
// stop the standby, load, play.
func (e *Engine) HardSwitch(ctx context.Context, src *source.Source, autoplay bool) error {
	e.mu.Lock()
	active := e.handles[e.active]
	standby := e.handles[1-e.active]
	e.latched = false
	e.mu.Unlock()

	if err := standby.Stop(); err != nil {
		e.debugLog("Standby stop failed: %v", err)
	}

	if err := active.SetSource(ctx, src, !autoplay); err != nil {
		return fmt.Errorf("set source: %w", err)
	}
	if err := active.SetVolume(1.0); err != nil {
		e.debugLog("Volume reset failed: %v", err)
	}

	if autoplay {
		return active.Play()
	}
	return nil
}

// ShouldTriggerCrossfade evaluates the per-tick trigger: close enough to
// the end, a target exists, and neither LoopOne nor Jams suppresses it.
// The trigger latches until the next source change.
func (e *Engine) ShouldTriggerCrossfade(position, duration time.Duration, crossfade time.Duration, hasNext bool, loopMode types.LoopMode, jamsMode bool) bool {
	if crossfade <= 0 || !hasNext || loopMode == types.LoopOne || jamsMode {
		return false
	}
	if duration <= 0 || position <= 0 {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.latched || e.fading {
		return false
	}

	lead := crossfade + triggerPadding
	if lead < minTriggerLead {
		lead = minTriggerLead
	}

	remaining := duration - position
	if remaining > lead {
		return false
	}

	e.latched = true
	return true
}

// Crossfade overlaps the active player into the target source over the
// given duration. onSwap runs inside the atomic active-swap, so queue
// state and the audible active player change together.
func (e *Engine) Crossfade(ctx context.Context, src *source.Source, crossfade time.Duration, onSwap func()) error {
	e.mu.Lock()
	if e.fading {
		e.mu.Unlock()
		return fmt.Errorf("crossfade already in progress")
	}
	e.fading = true
	outgoing := e.handles[e.active]
	incoming := e.handles[1-e.active]
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.fading = false
		e.mu.Unlock()
	}()

	// Prepare the standby: loop mode and speed already match because
	// SetLoopBoth/SetSpeedBoth write both handles; stop it and preload at
	// a whisper so the first ramp step has audio to act on.
	if err := incoming.Stop(); err != nil {
		e.debugLog("Incoming stop failed: %v", err)
	}
	if err := incoming.SetSource(ctx, src, true); err != nil {
		return fmt.Errorf("prepare crossfade source: %w", err)
	}
	e.setVolumeBounded(incoming, standbyPrimeVolume)

	// Atomic swap: from here on, Active() is the incoming player.
	e.mu.Lock()
	e.active = 1 - e.active
	e.latched = false
	if onSwap != nil {
		onSwap()
	}
	e.mu.Unlock()

	if err := incoming.Play(); err != nil {
		return fmt.Errorf("start crossfade target: %w", err)
	}

	select {
	case <-time.After(standbyWarmupDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	step := crossfade / crossfadeSteps
	if step < minStepDuration {
		step = minStepDuration
	}
	if step > maxStepDuration {
		step = maxStepDuration
	}

	for k := 1; k <= crossfadeSteps; k++ {
		if ctx.Err() != nil {
			break
		}

		theta := float64(k) / crossfadeSteps * math.Pi / 2
		e.setVolumeBounded(outgoing, math.Cos(theta))
		e.setVolumeBounded(incoming, math.Sin(theta))

		if k < crossfadeSteps {
			select {
			case <-time.After(step):
			case <-ctx.Done():
			}
		}
	}

	// Settlement: silence the outgoing player before the incoming
	// player's final volume assertion.
	if err := outgoing.Stop(); err != nil {
		e.debugLog("Outgoing stop failed: %v", err)
	}
	e.setVolumeBounded(outgoing, 1.0)

	for i, delay := range settleDelays {
		if i > 0 {
			select {
			case <-time.After(delay - settleDelays[i-1]):
			case <-ctx.Done():
				return nil
			}
		}
		e.setVolumeBounded(incoming, 1.0)
		if incoming.Volume() >= 0.98 {
			break
		}
	}

	e.debugLog("Crossfade complete -> %s", incoming.TrackID())
	return nil
}

// setVolumeBounded issues a volume write with a hard timeout; a
// misbehaving backend logs and is skipped rather than deadlocking audio.
func (e *Engine) setVolumeBounded(h Handle, level float64) {
	done := make(chan error, 1)
	go func() { done <- h.SetVolume(level) }()

	select {
	case err := <-done:
		if err != nil {
			e.debugLog("SetVolume(%.2f) failed: %v", level, err)
		}
	case <-time.After(volumeWriteTimeout):
		e.debugLog("SetVolume(%.2f) timed out", level)
	}
}

// AntiStall re-asserts full volume on the active player when some
// backend left it quiet outside a crossfade. Rate-limited.
func (e *Engine) AntiStall() {
	e.mu.Lock()
	if e.fading || time.Since(e.lastAntiStall) < antiStallInterval {
		e.mu.Unlock()
		return
	}
	active := e.handles[e.active]
	e.mu.Unlock()

	if active.Volume() < 0.95 {
		e.mu.Lock()
		e.lastAntiStall = time.Now()
		e.mu.Unlock()
		e.setVolumeBounded(active, 1.0)
	}
}

// StopAll stops both handles and restores full volume on each.
func (e *Engine) StopAll() {
	for _, h := range e.handles {
		if err := h.Stop(); err != nil {
			e.debugLog("Stop failed: %v", err)
		}
		if err := h.SetVolume(1.0); err != nil {
			e.debugLog("Volume reset failed: %v", err)
		}
	}
}

// SetLoopBoth mirrors the loop mode to both handles.
func (e *Engine) SetLoopBoth(mode types.LoopMode) {
	for _, h := range e.handles {
		if err := h.SetLoop(mode); err != nil {
			e.debugLog("SetLoop failed: %v", err)
		}
	}
}

// SetSpeedBoth mirrors playback speed to both handles.
func (e *Engine) SetSpeedBoth(speed float64) {
	for _, h := range e.handles {
		if err := h.SetSpeed(speed); err != nil {
			e.debugLog("SetSpeed failed: %v", err)
		}
	}
}

// Close releases both handles.
func (e *Engine) Close() {
	for _, h := range e.handles {
		if err := h.Close(); err != nil {
			e.debugLog("Close failed: %v", err)
		}
	}
}
