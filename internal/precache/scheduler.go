package precache

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/NotMugil/inzx-core/internal/cache"
	"github.com/NotMugil/inzx-core/internal/config"
	"github.com/NotMugil/inzx-core/internal/download"
	"github.com/NotMugil/inzx-core/internal/platform"
	"github.com/NotMugil/inzx-core/internal/queue"
	"github.com/NotMugil/inzx-core/pkg/types"
)

const (
	// lookaheadCap bounds how many upcoming tracks are considered,
	// regardless of the concurrency setting.
	lookaheadCap = 3

	// localFileMinSize mirrors the source builder's local-file threshold.
	localFileMinSize = 10 * 1024

	// connectTimeout is the dial budget for precache transfers.
	connectTimeout = 20 * time.Second
)

// Scheduler fills the byte cache with upcoming queue entries ahead of
// playback, bounded by a FIFO permit semaphore and the Wi-Fi policy.
type Scheduler struct {
	cfg        *config.Config
	resolver   types.Resolver
	byteCache  *cache.ByteCache
	model      *queue.Model
	downloader *download.Downloader
	debug      bool

	permits chan struct{}

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewScheduler(cfg *config.Config, res types.Resolver, bc *cache.ByteCache, model *queue.Model) *Scheduler {
	maxConcurrent := cfg.Streaming.CacheMaxConcurrent

	return &Scheduler{
		cfg:       cfg,
		resolver:  res,
		byteCache: bc,
		model:     model,
		downloader: download.NewDownloader(
			cfg.API.UserAgent,
			cfg.Download.ParallelPartCount,
			cfg.ParallelMinSizeBytes(),
			connectTimeout,
			cfg.Debug,
		),
		debug:    cfg.Debug,
		permits:  make(chan struct{}, maxConcurrent),
		inFlight: make(map[string]struct{}),
	}
}

func (s *Scheduler) debugLog(format string, args ...interface{}) {
	if s.debug {
		log.Printf("[PRECACHE] "+format, args...)
	}
}

// ScheduleAhead inspects the next few queue entries and launches cache
// fills for the ones not yet covered. Call it whenever the queue, the
// current index, or the settings change.
func (s *Scheduler) ScheduleAhead(ctx context.Context) {
	if s.cfg.Streaming.CacheWifiOnly && !platform.CurrentNetwork().Unmetered() {
		s.debugLog("Skipping: Wi-Fi-only policy and connection is %s", platform.CurrentNetwork())
		return
	}

	snap := s.model.Snapshot()
	if snap.CurrentIndex < 0 {
		return
	}

	k := lookaheadCap
	if max := s.cfg.Streaming.CacheMaxConcurrent; max < k {
		k = max
	}

	var candidates []types.Track
	var paths []string
	for i := snap.CurrentIndex + 1; i < len(snap.Queue) && len(candidates) < k; i++ {
		candidates = append(candidates, snap.Queue[i])
		paths = append(paths, snap.Queue[i].LocalPath)
	}
	if len(candidates) == 0 {
		return
	}

	hasLocal := platform.StatMany(paths, localFileMinSize)

	for i, track := range candidates {
		if hasLocal[i] {
			continue
		}
		if !s.claim(track.ID) {
			continue
		}

		go s.precacheTrack(ctx, track)
	}
}

func (s *Scheduler) claim(trackID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.inFlight[trackID]; busy {
		return false
	}
	s.inFlight[trackID] = struct{}{}
	return true
}

func (s *Scheduler) release(trackID string) {
	s.mu.Lock()
	delete(s.inFlight, trackID)
	s.mu.Unlock()
}

// ActiveCount reports how many precache transfers hold a permit.
func (s *Scheduler) ActiveCount() int {
	return len(s.permits)
}

func (s *Scheduler) precacheTrack(ctx context.Context, track types.Track) {
	defer s.release(track.ID)

	select {
	case s.permits <- struct{}{}:
		defer func() { <-s.permits }()
	case <-ctx.Done():
		return
	}

	quality := types.ParseAudioQuality(s.cfg.Streaming.Quality)
	metered := !platform.CurrentNetwork().Unmetered()

	pd, err := s.resolver.Resolve(ctx, track.ID, quality, metered)
	if err != nil {
		s.debugLog("Resolve failed for %s: %v", track.ID, err)
		return
	}

	if err := s.fill(ctx, track, pd); err == nil {
		return
	} else if download.IsDNSFailure(err) {
		// A stale CDN hostname usually means the URL itself rotted.
		// Invalidate, re-resolve once, and retry once.
		s.debugLog("DNS failure for %s, re-resolving", track.ID)
		s.resolver.Clear(track.ID)

		pd, err = s.resolver.Resolve(ctx, track.ID, quality, metered)
		if err != nil {
			s.debugLog("Re-resolve failed for %s: %v", track.ID, err)
			return
		}
		if err := s.fill(ctx, track, pd); err != nil {
			s.debugLog("Retry after re-resolve failed for %s: %v", track.ID, err)
		}
	} else {
		s.debugLog("Precache failed for %s: %v", track.ID, err)
	}
}

// Fill downloads one resolved track into the byte cache. Exposed for the
// source builder's background-precache path, which already holds a
// PlaybackData.
func (s *Scheduler) Fill(ctx context.Context, track types.Track, pd *types.PlaybackData) {
	if !s.claim(track.ID) {
		return
	}
	defer s.release(track.ID)

	select {
	case s.permits <- struct{}{}:
		defer func() { <-s.permits }()
	case <-ctx.Done():
		return
	}

	if err := s.fill(ctx, track, pd); err != nil {
		s.debugLog("Background precache failed for %s: %v", track.ID, err)
	}
}

func (s *Scheduler) fill(ctx context.Context, track types.Track, pd *types.PlaybackData) error {
	key := cache.Key{
		TrackID: track.ID,
		Quality: types.ParseAudioQuality(s.cfg.Streaming.Quality),
		Bitrate: pd.Format.Bitrate,
	}

	if _, err := s.byteCache.OpenForRead(key); err == nil {
		s.debugLog("Already cached: %s", track.ID)
		return nil
	}

	slot, err := s.byteCache.ReserveWrite(key, pd.Format.MimeType)
	if err != nil {
		s.debugLog("Writer busy for %s", track.ID)
		return nil
	}

	written, err := s.downloader.Download(ctx, pd.StreamURL, slot.TempPath, pd.Format.ContentLength, nil)
	if err != nil {
		s.byteCache.Abort(slot)
		return err
	}

	if err := s.byteCache.Commit(slot, written, pd.Format.ContentLength); err != nil {
		return err
	}

	s.debugLog("Cached %s (%d bytes)", track.ID, written)
	return nil
}
