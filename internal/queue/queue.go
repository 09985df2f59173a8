package queue

import (
	"math/rand"
	"sync"
	"time"

	"github.com/NotMugil/inzx-core/pkg/types"
)

// Model holds the play queue, its pre-shuffle order, and the current
// index. Every mutation bumps a monotonic revision so subscribers can
// tell snapshots apart.
type Model struct {
	mu sync.RWMutex

	queue         []types.Track
	originalOrder []types.Track
	currentIndex  int
	shuffle       bool
	loopMode      types.LoopMode
	sourceID      string
	revision      uint64
}

// Snapshot is an immutable view of the queue state.
type Snapshot struct {
	Queue        []types.Track
	CurrentIndex int
	Shuffle      bool
	LoopMode     types.LoopMode
	SourceID     string
	Revision     uint64
}

func NewModel() *Model {
	return &Model{currentIndex: -1}
}

func (m *Model) bump() {
	m.revision++
}

// Install replaces the queue with tracks, positioned at startIndex.
func (m *Model) Install(tracks []types.Track, startIndex int, sourceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queue = append([]types.Track(nil), tracks...)
	m.originalOrder = append([]types.Track(nil), tracks...)
	m.sourceID = sourceID
	m.shuffle = false

	if len(m.queue) == 0 {
		m.currentIndex = -1
	} else {
		m.currentIndex = clamp(startIndex, 0, len(m.queue)-1)
	}
	m.bump()
}

// Append adds tracks to the end of both orders.
func (m *Model) Append(tracks []types.Track) {
	if len(tracks) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.queue = append(m.queue, tracks...)
	m.originalOrder = append(m.originalOrder, tracks...)
	if m.currentIndex < 0 {
		m.currentIndex = 0
	}
	m.bump()
}

// InsertNext places the track immediately after the current index.
func (m *Model) InsertNext(track types.Track) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at := m.currentIndex + 1
	if at > len(m.queue) {
		at = len(m.queue)
	}

	m.queue = append(m.queue, types.Track{})
	copy(m.queue[at+1:], m.queue[at:])
	m.queue[at] = track

	m.originalOrder = append(m.originalOrder, track)
	if m.currentIndex < 0 {
		m.currentIndex = 0
	}
	m.bump()
}

// RemoveAt drops the track at index i.
func (m *Model) RemoveAt(i int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i < 0 || i >= len(m.queue) {
		return
	}

	removed := m.queue[i]
	m.queue = append(m.queue[:i], m.queue[i+1:]...)
	m.removeFromOriginal(removed.ID)

	switch {
	case len(m.queue) == 0:
		m.currentIndex = -1
	case i < m.currentIndex:
		m.currentIndex--
	case m.currentIndex >= len(m.queue):
		m.currentIndex = len(m.queue) - 1
	}
	m.bump()
}

func (m *Model) removeFromOriginal(id string) {
	for j, t := range m.originalOrder {
		if t.ID == id {
			m.originalOrder = append(m.originalOrder[:j], m.originalOrder[j+1:]...)
			return
		}
	}
}

// Reorder moves the track at oldIndex to newIndex.
func (m *Model) Reorder(oldIndex, newIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.queue)
	if oldIndex < 0 || oldIndex >= n || newIndex < 0 || newIndex >= n || oldIndex == newIndex {
		return
	}

	moved := m.queue[oldIndex]
	m.queue = append(m.queue[:oldIndex], m.queue[oldIndex+1:]...)
	m.queue = append(m.queue, types.Track{})
	copy(m.queue[newIndex+1:], m.queue[newIndex:])
	m.queue[newIndex] = moved

	switch {
	case m.currentIndex == oldIndex:
		m.currentIndex = newIndex
	case oldIndex < m.currentIndex && newIndex >= m.currentIndex:
		m.currentIndex--
	case oldIndex > m.currentIndex && newIndex <= m.currentIndex:
		m.currentIndex++
	}
	m.bump()
}

// SkipTo jumps directly to index i.
func (m *Model) SkipTo(i int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i < 0 || i >= len(m.queue) {
		return false
	}
	m.currentIndex = i
	m.bump()
	return true
}

// Clear empties the queue.
func (m *Model) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queue = nil
	m.originalOrder = nil
	m.currentIndex = -1
	m.sourceID = ""
	m.shuffle = false
	m.bump()
}

// NextTarget computes the index a forward skip should land on, honoring
// LoopAll wrap. Returns -1 when there is nowhere to go.
func (m *Model) NextTarget() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextTargetLocked()
}

func (m *Model) nextTargetLocked() int {
	if len(m.queue) == 0 || m.currentIndex < 0 {
		return -1
	}
	if m.currentIndex < len(m.queue)-1 {
		return m.currentIndex + 1
	}
	if m.loopMode == types.LoopAll {
		return 0
	}
	return -1
}

// PrevTarget computes the index a backward skip should land on. The
// position>3s seek-to-zero rule lives with the controller, which knows
// the live position.
func (m *Model) PrevTarget() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.queue) == 0 || m.currentIndex < 0 {
		return -1
	}
	if m.currentIndex > 0 {
		return m.currentIndex - 1
	}
	if m.loopMode == types.LoopAll {
		return len(m.queue) - 1
	}
	return -1
}

// SetShuffle toggles shuffled order. Enabling shuffles a copy with
// Fisher-Yates, moving the track at keepAtStart to position 0 when the
// index is valid. Disabling restores the original order and relocates
// the current track by identity.
func (m *Model) SetShuffle(enabled bool, keepAtStart int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if enabled == m.shuffle {
		return
	}

	if enabled {
		shuffled := append([]types.Track(nil), m.queue...)

		var keep *types.Track
		if keepAtStart >= 0 && keepAtStart < len(shuffled) {
			t := shuffled[keepAtStart]
			keep = &t
			shuffled = append(shuffled[:keepAtStart], shuffled[keepAtStart+1:]...)
		}

		for i := len(shuffled) - 1; i > 0; i-- {
			j := rand.Intn(i + 1)
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		}

		if keep != nil {
			shuffled = append([]types.Track{*keep}, shuffled...)
			m.currentIndex = 0
		} else if m.currentIndex >= 0 && m.currentIndex < len(m.queue) {
			m.currentIndex = indexOf(shuffled, m.queue[m.currentIndex].ID)
		}

		m.queue = shuffled
		m.shuffle = true
	} else {
		var currentID string
		if m.currentIndex >= 0 && m.currentIndex < len(m.queue) {
			currentID = m.queue[m.currentIndex].ID
		}

		m.queue = append([]types.Track(nil), m.originalOrder...)
		m.shuffle = false

		if idx := indexOf(m.queue, currentID); idx >= 0 {
			m.currentIndex = idx
		} else if len(m.queue) > 0 {
			m.currentIndex = 0
		} else {
			m.currentIndex = -1
		}
	}
	m.bump()
}

func indexOf(tracks []types.Track, id string) int {
	if id == "" {
		return -1
	}
	for i, t := range tracks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// SetLoopMode updates the repeat behavior.
func (m *Model) SetLoopMode(mode types.LoopMode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loopMode == mode {
		return
	}
	m.loopMode = mode
	m.bump()
}

// UpdateTrackDuration patches the stored duration of a track after the
// player reports the authoritative value.
func (m *Model) UpdateTrackDuration(id string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for i := range m.queue {
		if m.queue[i].ID == id && m.queue[i].Duration != d {
			m.queue[i] = m.queue[i].WithDuration(d)
			changed = true
		}
	}
	for i := range m.originalOrder {
		if m.originalOrder[i].ID == id {
			m.originalOrder[i] = m.originalOrder[i].WithDuration(d)
		}
	}
	if changed {
		m.bump()
	}
}

// Current returns the active track, if any.
func (m *Model) Current() (types.Track, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.currentIndex < 0 || m.currentIndex >= len(m.queue) {
		return types.Track{}, false
	}
	return m.queue[m.currentIndex], true
}

// TrackAt returns the track at index i.
func (m *Model) TrackAt(i int) (types.Track, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if i < 0 || i >= len(m.queue) {
		return types.Track{}, false
	}
	return m.queue[i], true
}

// Snapshot copies the full queue state.
func (m *Model) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Snapshot{
		Queue:        append([]types.Track(nil), m.queue...),
		CurrentIndex: m.currentIndex,
		Shuffle:      m.shuffle,
		LoopMode:     m.loopMode,
		SourceID:     m.sourceID,
		Revision:     m.revision,
	}
}

// Len returns the queue length.
func (m *Model) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queue)
}

// CurrentIndex returns the active index, -1 when empty.
func (m *Model) CurrentIndex() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentIndex
}

// Revision returns the mutation counter.
func (m *Model) Revision() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.revision
}

// LoopMode returns the repeat behavior.
func (m *Model) LoopMode() types.LoopMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loopMode
}

// ShuffleEnabled reports whether shuffle is active.
func (m *Model) ShuffleEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shuffle
}

// SourceID identifies the playlist or album that seeded the queue.
func (m *Model) SourceID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sourceID
}

// ContainsID reports whether any queued track carries the id.
func (m *Model) ContainsID(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return indexOf(m.queue, id) >= 0
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
