package player

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/NotMugil/inzx-core/internal/audio"
	"github.com/NotMugil/inzx-core/internal/cache"
	"github.com/NotMugil/inzx-core/internal/config"
	"github.com/NotMugil/inzx-core/internal/persist"
	"github.com/NotMugil/inzx-core/internal/precache"
	"github.com/NotMugil/inzx-core/internal/queue"
	"github.com/NotMugil/inzx-core/internal/radio"
	"github.com/NotMugil/inzx-core/internal/source"
	"github.com/NotMugil/inzx-core/internal/storage"
	"github.com/NotMugil/inzx-core/pkg/types"
)

// --- Fakes --------------------------------------------------------------

type stubHandle struct {
	mu       sync.Mutex
	trackID  string
	status   audio.Status
	position time.Duration
	duration time.Duration
	level    float64
	events   chan audio.Event
	seeks    []time.Duration
}

func newStubHandle() *stubHandle {
	return &stubHandle{level: 1.0, status: audio.StatusIdle, events: make(chan audio.Event, 64)}
}

func (s *stubHandle) SetSource(_ context.Context, src *source.Source, preload bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackID = src.Track.ID
	s.duration = src.Track.Duration
	s.position = 0
	if preload {
		s.status = audio.StatusReady
	} else {
		s.status = audio.StatusPlaying
	}
	return nil
}

func (s *stubHandle) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = audio.StatusPlaying
	return nil
}

func (s *stubHandle) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = audio.StatusPaused
	return nil
}

func (s *stubHandle) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = audio.StatusIdle
	s.position = 0
	return nil
}

func (s *stubHandle) Seek(pos time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = pos
	s.seeks = append(s.seeks, pos)
	return nil
}

func (s *stubHandle) SetVolume(level float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = level
	return nil
}

func (s *stubHandle) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

func (s *stubHandle) SetSpeed(float64) error          { return nil }
func (s *stubHandle) SetLoop(types.LoopMode) error    { return nil }
func (s *stubHandle) BufferedPosition() time.Duration { return 0 }

func (s *stubHandle) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

func (s *stubHandle) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

func (s *stubHandle) Status() audio.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *stubHandle) TrackID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackID
}

func (s *stubHandle) Events() <-chan audio.Event { return s.events }
func (s *stubHandle) Close() error               { return nil }

func (s *stubHandle) setPosition(pos time.Duration) {
	s.mu.Lock()
	s.position = pos
	s.mu.Unlock()
}

type stubBuilder struct {
	mu     sync.Mutex
	builds []string
}

func (b *stubBuilder) Build(_ context.Context, track types.Track) (*source.Source, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.builds = append(b.builds, track.ID)
	return &source.Source{
		Kind:  source.KindFile,
		Path:  "/tmp/" + track.ID + ".mp3",
		Track: track,
		Data: &types.PlaybackData{
			TrackID:   track.ID,
			StreamURL: "https://cdn.example/" + track.ID,
			ExpiresAt: time.Now().Add(time.Hour),
		},
	}, nil
}

func (b *stubBuilder) DisableProxyCache() {}

type stubResolver struct {
	mu         sync.Mutex
	clearedAll bool
}

func (r *stubResolver) Resolve(_ context.Context, id string, _ types.AudioQuality, _ bool) (*types.PlaybackData, error) {
	return &types.PlaybackData{TrackID: id, StreamURL: "u", ExpiresAt: time.Now().Add(time.Hour)}, nil
}
func (r *stubResolver) Prefetch(context.Context, []string, types.AudioQuality) {}
func (r *stubResolver) HasCached(string, types.AudioQuality) bool             { return false }
func (r *stubResolver) Clear(string)                                          {}
func (r *stubResolver) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearedAll = true
}

type stubRecommender struct{}

func (stubRecommender) Related(_ context.Context, seedID string, _ int) ([]types.Track, error) {
	return []types.Track{
		{ID: seedID + "-r1", Title: "Related 1"},
		{ID: seedID + "-r2", Title: "Related 2"},
	}, nil
}

// --- Fixture ------------------------------------------------------------

type fixture struct {
	controller *Controller
	active     *stubHandle
	standby    *stubHandle
	builder    *stubBuilder
	resolver   *stubResolver
	byteCache  *cache.ByteCache
	model      *queue.Model
	states     <-chan PlaybackState
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := &config.Config{}
	cfg.Streaming.Quality = "auto"
	cfg.Streaming.CacheMaxConcurrent = 2
	cfg.Streaming.CacheSizeLimitMB = 1024
	cfg.Download.ParallelPartCount = 2
	cfg.Download.ParallelMinSizeMB = 32
	cfg.API.UserAgent = "test-agent"

	store, err := storage.NewStore(filepath.Join(t.TempDir(), "c.db"), true, false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	bc, err := cache.New(t.TempDir(), cfg.CacheSizeLimitBytes(), false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(bc.Close)

	res := &stubResolver{}
	model := queue.NewModel()
	scheduler := precache.NewScheduler(cfg, res, bc, model)
	builder := &stubBuilder{}

	active := newStubHandle()
	standby := newStubHandle()
	engine := audio.NewEngine(active, standby, false)

	extender := radio.NewExtender(stubRecommender{}, model, false)

	persistor := persist.NewPersistor(store, func() ([]types.Track, int, time.Duration) {
		snap := model.Snapshot()
		return snap.Queue, snap.CurrentIndex, active.Position()
	}, false)

	c := NewController(Deps{
		Config:    cfg,
		Resolver:  res,
		ByteCache: bc,
		Scheduler: scheduler,
		Builder:   builder,
		Engine:    engine,
		Model:     model,
		Extender:  extender,
		Persistor: persistor,
	})

	f := &fixture{
		controller: c,
		active:     active,
		standby:    standby,
		builder:    builder,
		resolver:   res,
		byteCache:  bc,
		model:      model,
		states:     c.States(),
	}
	c.Start()
	t.Cleanup(c.Shutdown)
	return f
}

func (f *fixture) waitState(t *testing.T, timeout time.Duration, match func(PlaybackState) bool) PlaybackState {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case s, ok := <-f.states:
			if !ok {
				t.Fatal("state stream closed")
			}
			if match(s) {
				return s
			}
		case <-deadline:
			t.Fatal("timed out waiting for state")
		}
	}
}

func threeTracks() []types.Track {
	return []types.Track{
		{ID: "T1", Title: "One", Duration: 3 * time.Minute},
		{ID: "T2", Title: "Two", Duration: 3 * time.Minute},
		{ID: "T3", Title: "Three", Duration: 3 * time.Minute},
	}
}

// --- Scenarios ----------------------------------------------------------

// Hard play with no crossfade: install, observe T1 playing, complete,
// observe T2.
func TestPlayQueueAdvancesOnCompletion(t *testing.T) {
	f := newFixture(t)

	f.controller.PlayQueue(threeTracks(), 0, "playlist:p", false)

	s := f.waitState(t, 3*time.Second, func(s PlaybackState) bool {
		return s.CurrentTrack != nil && s.CurrentTrack.ID == "T1" && s.CurrentIndex == 0 && s.IsPlaying
	})
	if s.SourceID != "playlist:p" {
		t.Errorf("SourceID = %q, want playlist:p", s.SourceID)
	}
	if s.IsRadioMode {
		t.Error("multi-track install must not enable radio mode")
	}

	// The active player reports completion.
	f.active.events <- audio.Event{Type: audio.EventCompleted, TrackID: "T1"}

	f.waitState(t, 3*time.Second, func(s PlaybackState) bool {
		return s.CurrentTrack != nil && s.CurrentTrack.ID == "T2" && s.CurrentIndex == 1
	})
}

func TestCompletionAtQueueEndStops(t *testing.T) {
	f := newFixture(t)

	f.controller.PlayQueue(threeTracks(), 2, "", false)
	f.waitState(t, 3*time.Second, func(s PlaybackState) bool {
		return s.CurrentTrack != nil && s.CurrentTrack.ID == "T3" && s.IsPlaying
	})

	f.active.events <- audio.Event{Type: audio.EventCompleted, TrackID: "T3"}

	s := f.waitState(t, 3*time.Second, func(s PlaybackState) bool { return !s.IsPlaying })
	if s.CurrentIndex != 2 {
		t.Errorf("index after final completion = %d, want 2", s.CurrentIndex)
	}
}

func TestJamsModeSuppressesAutoAdvance(t *testing.T) {
	f := newFixture(t)
	completions := f.controller.TrackComplete()

	f.controller.PlayQueue(threeTracks(), 0, "", false)
	f.waitState(t, 3*time.Second, func(s PlaybackState) bool { return s.IsPlaying })

	f.controller.SetJamsMode(true)
	f.active.events <- audio.Event{Type: audio.EventCompleted, TrackID: "T1"}

	select {
	case track := <-completions:
		if track.ID != "T1" {
			t.Errorf("completed track = %s, want T1", track.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("track_complete never emitted")
	}

	// No auto-advance happened.
	time.Sleep(300 * time.Millisecond)
	if got := f.model.CurrentIndex(); got != 0 {
		t.Errorf("index in Jams mode = %d, want 0", got)
	}
}

func TestSkipToPreviousRestartsWhenPastThreshold(t *testing.T) {
	f := newFixture(t)

	f.controller.PlayQueue(threeTracks(), 1, "", false)
	f.waitState(t, 3*time.Second, func(s PlaybackState) bool {
		return s.CurrentTrack != nil && s.CurrentTrack.ID == "T2" && s.IsPlaying
	})

	f.active.setPosition(10 * time.Second)
	f.controller.SkipToPrevious()

	// Restart, not a queue move.
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.active.mu.Lock()
		seeks := append([]time.Duration(nil), f.active.seeks...)
		f.active.mu.Unlock()
		if len(seeks) > 0 {
			if seeks[len(seeks)-1] != 0 {
				t.Errorf("seek target = %v, want 0", seeks[len(seeks)-1])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no seek observed")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := f.model.CurrentIndex(); got != 1 {
		t.Errorf("index after restart = %d, want 1", got)
	}

	// Under the threshold it moves to the previous entry.
	f.active.setPosition(time.Second)
	f.controller.SkipToPrevious()
	f.waitState(t, 3*time.Second, func(s PlaybackState) bool { return s.CurrentIndex == 0 })
}

func TestSetAudioQualityClearsCaches(t *testing.T) {
	f := newFixture(t)

	// Seed the byte cache with one committed body.
	key := cache.Key{TrackID: "x", Quality: types.QualityAuto, Bitrate: 128000}
	slot, err := f.byteCache.ReserveWrite(key, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(slot.TempPath, make([]byte, cache.MinValidBodySize), 0644); err != nil {
		t.Fatal(err)
	}
	if err := f.byteCache.Commit(slot, cache.MinValidBodySize, 0); err != nil {
		t.Fatal(err)
	}

	f.controller.SetAudioQuality(types.QualityMax)

	f.waitState(t, 3*time.Second, func(s PlaybackState) bool {
		return s.AudioQuality == types.QualityMax
	})

	f.resolver.mu.Lock()
	cleared := f.resolver.clearedAll
	f.resolver.mu.Unlock()
	if !cleared {
		t.Error("quality change must clear the URL cache")
	}

	usage, _ := f.byteCache.UsageBytes()
	if usage != 0 {
		t.Errorf("byte cache usage after quality change = %d, want 0", usage)
	}
}

func TestRadioModeOnSingletonInstall(t *testing.T) {
	f := newFixture(t)

	f.controller.PlayTrack(types.Track{ID: "seed", Title: "Seed"}, true)

	s := f.waitState(t, 3*time.Second, func(s PlaybackState) bool {
		return s.IsRadioMode && s.CurrentTrack != nil && s.CurrentTrack.ID == "seed"
	})
	if s.CurrentIndex != 0 {
		t.Errorf("index = %d, want 0", s.CurrentIndex)
	}

	// The pre-warm extension appends related tracks with fresh ids.
	f.waitState(t, 3*time.Second, func(s PlaybackState) bool {
		return len(s.Queue) >= 2
	})

	snap := f.model.Snapshot()
	seen := map[string]bool{}
	for _, track := range snap.Queue {
		if seen[track.ID] {
			t.Errorf("duplicate %s in radio queue", track.ID)
		}
		seen[track.ID] = true
	}
}

func TestRestoreWithinTTL(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	dir := t.TempDir()
	store, err := storage.NewStore(filepath.Join(dir, "c.db"), true, false)
	if err != nil {
		t.Fatal(err)
	}

	// First life: save a queue at index 1.
	model := queue.NewModel()
	model.Install(threeTracks(), 1, "")
	p := persist.NewPersistor(store, func() ([]types.Track, int, time.Duration) {
		snap := model.Snapshot()
		return snap.Queue, snap.CurrentIndex, 42 * time.Second
	}, false)
	if err := p.SaveNow(context.Background()); err != nil {
		t.Fatal(err)
	}
	store.Close()

	// Second life: a fresh controller over the same database.
	store2, err := storage.NewStore(filepath.Join(dir, "c.db"), true, false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store2.Close() })

	cfg := &config.Config{}
	cfg.Streaming.Quality = "auto"
	cfg.Streaming.CacheMaxConcurrent = 2
	cfg.Streaming.CacheSizeLimitMB = 1024
	cfg.Download.ParallelPartCount = 2
	cfg.Download.ParallelMinSizeMB = 32

	bc, err := cache.New(t.TempDir(), cfg.CacheSizeLimitBytes(), false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(bc.Close)

	res := &stubResolver{}
	model2 := queue.NewModel()
	active := newStubHandle()
	standby := newStubHandle()

	c := NewController(Deps{
		Config:    cfg,
		Resolver:  res,
		ByteCache: bc,
		Scheduler: precache.NewScheduler(cfg, res, bc, model2),
		Builder:   &stubBuilder{},
		Engine:    audio.NewEngine(active, standby, false),
		Model:     model2,
		Extender:  radio.NewExtender(stubRecommender{}, model2, false),
		Persistor: persist.NewPersistor(store2, func() ([]types.Track, int, time.Duration) {
			snap := model2.Snapshot()
			return snap.Queue, snap.CurrentIndex, active.Position()
		}, false),
	})
	states := c.States()
	c.Start()
	t.Cleanup(c.Shutdown)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-states:
			if s.CurrentTrack != nil && s.CurrentTrack.ID == "T2" && s.CurrentIndex == 1 {
				return
			}
		case <-deadline:
			t.Fatal("restored state never emitted")
		}
	}
}
