package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/NotMugil/inzx-core/pkg/types"
)

func makeTracks(n int) []types.Track {
	tracks := make([]types.Track, n)
	for i := range tracks {
		tracks[i] = types.Track{
			ID:    fmt.Sprintf("t%d", i),
			Title: fmt.Sprintf("Track %d", i),
		}
	}
	return tracks
}

func checkInvariants(t *testing.T, m *Model) {
	t.Helper()
	snap := m.Snapshot()

	if len(snap.Queue) == 0 && snap.CurrentIndex != -1 {
		t.Errorf("empty queue must have currentIndex -1, got %d", snap.CurrentIndex)
	}
	if len(snap.Queue) > 0 && (snap.CurrentIndex < 0 || snap.CurrentIndex >= len(snap.Queue)) {
		t.Errorf("currentIndex %d out of range for queue of %d", snap.CurrentIndex, len(snap.Queue))
	}
}

func TestInstallSetsIndexAndRevision(t *testing.T) {
	m := NewModel()
	if m.CurrentIndex() != -1 {
		t.Fatalf("fresh model currentIndex = %d, want -1", m.CurrentIndex())
	}

	before := m.Revision()
	m.Install(makeTracks(3), 1, "album:x")
	if m.Revision() <= before {
		t.Error("Install must bump revision")
	}
	if m.CurrentIndex() != 1 {
		t.Errorf("CurrentIndex = %d, want 1", m.CurrentIndex())
	}
	if m.SourceID() != "album:x" {
		t.Errorf("SourceID = %q, want album:x", m.SourceID())
	}
	checkInvariants(t, m)
}

func TestInstallClampsStartIndex(t *testing.T) {
	m := NewModel()
	m.Install(makeTracks(3), 99, "")
	if m.CurrentIndex() != 2 {
		t.Errorf("CurrentIndex = %d, want 2", m.CurrentIndex())
	}

	m.Install(nil, 0, "")
	if m.CurrentIndex() != -1 {
		t.Errorf("empty install CurrentIndex = %d, want -1", m.CurrentIndex())
	}
	checkInvariants(t, m)
}

func TestRevisionStrictlyIncreases(t *testing.T) {
	m := NewModel()
	last := m.Revision()

	mutations := []func(){
		func() { m.Install(makeTracks(4), 0, "") },
		func() { m.Append(makeTracks(2)[:1]) },
		func() { m.InsertNext(types.Track{ID: "x"}) },
		func() { m.RemoveAt(2) },
		func() { m.Reorder(0, 3) },
		func() { m.SetLoopMode(types.LoopAll) },
		func() { m.SetShuffle(true, 0) },
		func() { m.SetShuffle(false, -1) },
		func() { m.Clear() },
	}

	for i, mutate := range mutations {
		mutate()
		if m.Revision() <= last {
			t.Fatalf("mutation %d did not increase revision (%d -> %d)", i, last, m.Revision())
		}
		last = m.Revision()
		checkInvariants(t, m)
	}
}

func TestQueueAndOriginalStayAligned(t *testing.T) {
	m := NewModel()
	m.Install(makeTracks(5), 0, "")
	m.Append([]types.Track{{ID: "a5"}})
	m.InsertNext(types.Track{ID: "a6"})
	m.RemoveAt(3)

	snap := m.Snapshot()
	if len(snap.Queue) != len(m.originalOrder) {
		t.Errorf("queue len %d != original len %d", len(snap.Queue), len(m.originalOrder))
	}
}

func TestRemoveAtAdjustsCurrent(t *testing.T) {
	m := NewModel()
	m.Install(makeTracks(4), 2, "")

	m.RemoveAt(0)
	if m.CurrentIndex() != 1 {
		t.Errorf("after removing before current, index = %d, want 1", m.CurrentIndex())
	}

	m.RemoveAt(2) // removes last, current stays
	if m.CurrentIndex() != 1 {
		t.Errorf("index = %d, want 1", m.CurrentIndex())
	}
	checkInvariants(t, m)
}

func TestNextTargetRespectsLoopModes(t *testing.T) {
	m := NewModel()
	m.Install(makeTracks(3), 2, "")

	if got := m.NextTarget(); got != -1 {
		t.Errorf("NextTarget at end with LoopOff = %d, want -1", got)
	}

	m.SetLoopMode(types.LoopAll)
	if got := m.NextTarget(); got != 0 {
		t.Errorf("NextTarget at end with LoopAll = %d, want 0", got)
	}

	m.SkipTo(0)
	if got := m.NextTarget(); got != 1 {
		t.Errorf("NextTarget mid-queue = %d, want 1", got)
	}
}

func TestPrevTarget(t *testing.T) {
	m := NewModel()
	m.Install(makeTracks(3), 0, "")

	if got := m.PrevTarget(); got != -1 {
		t.Errorf("PrevTarget at start with LoopOff = %d, want -1", got)
	}

	m.SetLoopMode(types.LoopAll)
	if got := m.PrevTarget(); got != 2 {
		t.Errorf("PrevTarget at start with LoopAll = %d, want 2", got)
	}
}

func TestShuffleRoundTrip(t *testing.T) {
	m := NewModel()
	tracks := makeTracks(20)
	m.Install(tracks, 7, "")
	currentID := tracks[7].ID

	m.SetShuffle(true, 7)

	snap := m.Snapshot()
	if snap.Queue[0].ID != currentID {
		t.Errorf("keepAtStart track = %s, want %s at position 0", snap.Queue[0].ID, currentID)
	}
	if m.CurrentIndex() != 0 {
		t.Errorf("after shuffle with keepAtStart, index = %d, want 0", m.CurrentIndex())
	}

	m.SetShuffle(false, -1)

	snap = m.Snapshot()
	for i, track := range snap.Queue {
		if track.ID != tracks[i].ID {
			t.Fatalf("unshuffle order broken at %d: got %s, want %s", i, track.ID, tracks[i].ID)
		}
	}
	if got := snap.Queue[snap.CurrentIndex].ID; got != currentID {
		t.Errorf("current after unshuffle = %s, want %s", got, currentID)
	}
}

func TestUnshuffleAfterRemovingCurrent(t *testing.T) {
	m := NewModel()
	m.Install(makeTracks(5), 0, "")
	m.SetShuffle(true, 0)

	// Remove the current track while shuffled: the track that slides into
	// its slot becomes current, and unshuffle relocates it by identity.
	m.RemoveAt(0)
	m.SetShuffle(false, -1)

	if m.CurrentIndex() < 0 {
		t.Errorf("unshuffle after removing current left index %d, want a valid index", m.CurrentIndex())
	}
	checkInvariants(t, m)
}

func TestReorderTracksCurrent(t *testing.T) {
	m := NewModel()
	m.Install(makeTracks(4), 1, "")

	m.Reorder(1, 3)
	if m.CurrentIndex() != 3 {
		t.Errorf("moving current 1->3, index = %d, want 3", m.CurrentIndex())
	}

	m.Reorder(0, 3)
	if m.CurrentIndex() != 2 {
		t.Errorf("moving 0->3 past current, index = %d, want 2", m.CurrentIndex())
	}
	checkInvariants(t, m)
}

func TestUpdateTrackDuration(t *testing.T) {
	m := NewModel()
	m.Install(makeTracks(2), 0, "")

	before := m.Revision()
	m.UpdateTrackDuration("t1", 3*time.Minute)

	if m.Revision() <= before {
		t.Error("duration update must bump revision")
	}
	track, _ := m.TrackAt(1)
	if track.Duration != 3*time.Minute {
		t.Errorf("duration = %v, want 3m", track.Duration)
	}
}

func TestContainsID(t *testing.T) {
	m := NewModel()
	m.Install(makeTracks(3), 0, "")

	if !m.ContainsID("t1") {
		t.Error("ContainsID(t1) = false, want true")
	}
	if m.ContainsID("nope") {
		t.Error("ContainsID(nope) = true, want false")
	}
}
