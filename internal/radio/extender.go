package radio

import (
	"context"
	"log"
	"math/rand"
	"sync"

	"github.com/NotMugil/inzx-core/internal/queue"
	"github.com/NotMugil/inzx-core/pkg/types"
)

const (
	// lowWaterMark triggers an extension when this few tracks remain
	// after the current index.
	lowWaterMark = 5

	// fetchLimit caps related tracks requested per extension.
	fetchLimit = 25

	// seedWindowFraction selects seeds from the tail of the queue.
	seedWindowFraction = 0.3
)

// Extender grows the queue with related tracks when radio mode nears
// exhaustion, keeping a seen-set so the station never repeats itself.
type Extender struct {
	recommender types.Recommender
	model       *queue.Model
	debug       bool

	mu            sync.Mutex
	seenIDs       map[string]struct{}
	fetchCount    uint32
	radioSourceID string
	fetching      bool
}

func NewExtender(recommender types.Recommender, model *queue.Model, debug bool) *Extender {
	return &Extender{
		recommender: recommender,
		model:       model,
		debug:       debug,
		seenIDs:     make(map[string]struct{}),
	}
}

func (e *Extender) debugLog(format string, args ...interface{}) {
	if e.debug {
		log.Printf("[RADIO] "+format, args...)
	}
}

// Reset seeds a fresh radio session from the given track.
func (e *Extender) Reset(seedID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.seenIDs = map[string]struct{}{seedID: {}}
	e.fetchCount = 0
	e.radioSourceID = seedID
	e.fetching = false
}

// ShouldExtend reports whether the queue is close enough to its end to
// warrant fetching more tracks.
func (e *Extender) ShouldExtend() bool {
	e.mu.Lock()
	fetching := e.fetching
	e.mu.Unlock()
	if fetching {
		return false
	}

	snap := e.model.Snapshot()
	if snap.CurrentIndex < 0 {
		return false
	}
	remaining := len(snap.Queue) - snap.CurrentIndex - 1
	return remaining <= lowWaterMark
}

// IsFetching reports whether an extension is in flight.
func (e *Extender) IsFetching() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fetching
}

// RadioSourceID returns the station identity: the reset seed, then an id
// from the latest appended batch or from a reseed. Only the first
// extension after Reset (or one over an empty queue) requests related
// tracks for it; later extensions take their seed from the queue tail.
func (e *Extender) RadioSourceID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.radioSourceID
}

// Extend fetches related tracks for a rotating seed and appends the ones
// not yet seen. Returns the number of tracks appended.
func (e *Extender) Extend(ctx context.Context) (int, error) {
	e.mu.Lock()
	if e.fetching {
		e.mu.Unlock()
		return 0, nil
	}
	e.fetching = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.fetching = false
		e.mu.Unlock()
	}()

	seed := e.pickSeed()
	if seed == "" {
		return 0, nil
	}

	e.debugLog("Extending from seed %s (fetch #%d)", seed, e.fetchCountValue())

	related, err := e.recommender.Related(ctx, seed, fetchLimit)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.fetchCount++
	e.mu.Unlock()

	fresh := e.filterFresh(related)
	if len(fresh) == 0 {
		e.reseedFromMiddle()
		e.debugLog("All %d related tracks were duplicates, reseeded", len(related))
		return 0, nil
	}

	e.model.Append(fresh)

	e.mu.Lock()
	for _, t := range fresh {
		e.seenIDs[t.ID] = struct{}{}
	}
	// Rotate the station identity into the new batch for variety.
	e.radioSourceID = fresh[rand.Intn(len(fresh))].ID
	e.mu.Unlock()

	e.debugLog("Appended %d of %d related tracks", len(fresh), len(related))
	return len(fresh), nil
}

func (e *Extender) fetchCountValue() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fetchCount
}

// pickSeed returns the initial seed on the first fetch, then rotates
// through the last 30% of the queue by fetch count. Short queues clamp
// the window to at least one element, which biases toward the tail.
func (e *Extender) pickSeed() string {
	e.mu.Lock()
	first := e.fetchCount == 0
	sourceID := e.radioSourceID
	count := int(e.fetchCount)
	e.mu.Unlock()

	if first {
		return sourceID
	}

	snap := e.model.Snapshot()
	n := len(snap.Queue)
	if n == 0 {
		return sourceID
	}

	window := int(float64(n) * seedWindowFraction)
	if window < 1 {
		window = 1
	}
	start := n - window
	idx := start + count%window
	return snap.Queue[idx].ID
}

// filterFresh drops tracks already queued or already seen.
func (e *Extender) filterFresh(candidates []types.Track) []types.Track {
	e.mu.Lock()
	defer e.mu.Unlock()

	var fresh []types.Track
	for _, t := range candidates {
		if t.ID == "" {
			continue
		}
		if _, seen := e.seenIDs[t.ID]; seen {
			continue
		}
		if e.model.ContainsID(t.ID) {
			continue
		}
		fresh = append(fresh, t)
	}
	return fresh
}

// reseedFromMiddle picks a random seed from the middle of the queue when
// a fetch produced only duplicates.
func (e *Extender) reseedFromMiddle() {
	snap := e.model.Snapshot()
	n := len(snap.Queue)
	if n == 0 {
		return
	}

	lo := n / 4
	hi := 3 * n / 4
	if hi <= lo {
		lo, hi = 0, n
	}
	idx := lo + rand.Intn(hi-lo)

	e.mu.Lock()
	e.radioSourceID = snap.Queue[idx].ID
	e.mu.Unlock()
}
