package download

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/NotMugil/inzx-core/internal/cache"
	"github.com/NotMugil/inzx-core/internal/config"
	"github.com/NotMugil/inzx-core/internal/storage"
	"github.com/NotMugil/inzx-core/pkg/types"
)

const (
	// maxAttempts bounds transient-error retries per task.
	maxAttempts = 8

	// notifyInterval throttles externally visible progress updates.
	notifyInterval = 500 * time.Millisecond

	maxConcurrentDownloads = 2
)

// backoffDelay grows linearly and saturates at 30 seconds.
func backoffDelay(attempt int) time.Duration {
	secs := 2 + 3*attempt
	if secs > 30 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// Manager runs the offline-library download pipeline: it resolves a
// track, transfers the body (parallel or range-continued), validates it,
// fetches the cover sidecar, and records the completed task durably.
type Manager struct {
	cfg        *config.Config
	resolver   types.Resolver
	store      *storage.Store
	downloader *Downloader
	semaphore  chan struct{}
	tasks      sync.Map

	progressCbs   []func(*types.DownloadProgress)
	callbackMutex sync.RWMutex
	debug         bool
}

func NewManager(cfg *config.Config, res types.Resolver, store *storage.Store) *Manager {
	m := &Manager{
		cfg:      cfg,
		resolver: res,
		store:    store,
		downloader: NewDownloader(
			cfg.API.UserAgent,
			cfg.Download.ParallelPartCount,
			cfg.ParallelMinSizeBytes(),
			0, // backend-default connect timeout on the library path
			cfg.Debug,
		),
		semaphore: make(chan struct{}, maxConcurrentDownloads),
		debug:     cfg.Debug,
	}

	if err := os.MkdirAll(cfg.Download.Dir, 0755); err != nil {
		log.Printf("[LIBRARY] Failed to create download directory: %v", err)
	}

	m.debugLog("Download manager initialized - dir: %s", cfg.Download.Dir)
	return m
}

func (m *Manager) debugLog(format string, args ...interface{}) {
	if m.debug {
		log.Printf("[LIBRARY] "+format, args...)
	}
}

// Enqueue starts a background download of the track's audio body.
func (m *Manager) Enqueue(ctx context.Context, track types.Track) error {
	if track.ID == "" {
		return fmt.Errorf("track id cannot be empty")
	}

	if existing, ok := m.tasks.Load(track.ID); ok {
		task := existing.(*Task)
		task.mu.RLock()
		state := task.State
		task.mu.RUnlock()
		if state == StateQueued || state == StateDownloading {
			return ErrAlreadyActive
		}
	}

	taskCtx, cancel := context.WithCancel(ctx)
	task := &Task{
		Track:      track,
		State:      StateQueued,
		StartedAt:  time.Now(),
		CancelFunc: cancel,
	}
	m.tasks.Store(track.ID, task)
	m.debugLog("Queued download: %s - %s", track.Artist, track.Title)

	go m.executeTask(taskCtx, task)
	return nil
}

func (m *Manager) executeTask(ctx context.Context, task *Task) {
	select {
	case m.semaphore <- struct{}{}:
		defer func() { <-m.semaphore }()
	case <-ctx.Done():
		m.finishTask(task, StateCancelled, ErrCancelled)
		return
	}

	m.setState(task, StateDownloading, nil)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			m.debugLog("Retrying %s (attempt %d/%d) after %v", task.Track.ID, attempt+1, maxAttempts, delay)
			if !sleepCtx(ctx, delay) {
				m.finishTask(task, StateCancelled, ErrCancelled)
				return
			}
		}

		err := m.performDownload(ctx, task)
		if err == nil {
			m.finishTask(task, StateCompleted, nil)
			return
		}

		if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
			m.cleanupArtifacts(task)
			m.finishTask(task, StateCancelled, ErrCancelled)
			return
		}

		lastErr = err
		task.mu.Lock()
		task.Attempt = attempt + 1
		task.mu.Unlock()

		var transient *TransientError
		if !errors.As(err, &transient) {
			break
		}
	}

	m.cleanupArtifacts(task)
	m.finishTask(task, StateFailed, lastErr)
}

func (m *Manager) performDownload(ctx context.Context, task *Task) error {
	quality := types.ParseAudioQuality(m.cfg.Download.Quality)
	pd, err := m.resolver.Resolve(ctx, task.Track.ID, quality, false)
	if err != nil {
		return classify(err)
	}

	ext := ExtensionFor(pd.Format.MimeType)
	base := fmt.Sprintf("%s - %s", cache.Sanitize(task.Track.Artist), cache.Sanitize(task.Track.Title))
	dest := filepath.Join(m.cfg.Download.Dir, base+ext)

	task.mu.Lock()
	task.Destination = dest
	task.Total = pd.Format.ContentLength
	task.mu.Unlock()

	if info, err := os.Stat(dest); err == nil && info.Size() >= minValidFileSize {
		m.debugLog("Already downloaded: %s", dest)
		task.mu.Lock()
		task.Downloaded = info.Size()
		task.Total = info.Size()
		task.mu.Unlock()
		return nil
	}

	tempPath := dest + ".part"
	startTime := time.Now()

	written, err := m.downloader.Download(ctx, pd.StreamURL, tempPath, pd.Format.ContentLength, func(downloaded, total int64) {
		task.mu.Lock()
		task.Downloaded = downloaded
		if total > 0 {
			task.Total = total
		}
		elapsed := time.Since(startTime).Seconds()
		if elapsed > 0 {
			task.Speed = float64(downloaded) / elapsed
		}
		task.LastUpdate = time.Now()
		task.mu.Unlock()
		m.notifyProgress(task)
	})
	if err != nil {
		_ = os.Remove(tempPath)
		return err
	}

	if err := ValidateFile(tempPath, pd.Format.ContentLength); err != nil {
		_ = os.Remove(tempPath)
		if errors.Is(err, ErrCorrupt) {
			m.debugLog("Header check failed for %s, deleting: %v", task.Track.ID, err)
		}
		return err
	}

	if err := os.Rename(tempPath, dest); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("move file to destination: %w", err)
	}

	m.downloadCover(ctx, task, dest)

	if err := m.store.SaveCompletedDownload(ctx, task.Track, dest, written); err != nil {
		m.debugLog("Failed to persist completed download %s: %v", task.Track.ID, err)
	}

	task.mu.Lock()
	task.Downloaded = written
	if task.Total == 0 {
		task.Total = written
	}
	task.mu.Unlock()

	m.debugLog("Download completed: %s (%d bytes)", dest, written)
	return nil
}

// downloadCover fetches the thumbnail as a .cover.jpg sidecar. Cover
// failures never fail the task.
func (m *Manager) downloadCover(ctx context.Context, task *Task, audioPath string) {
	if task.Track.ThumbnailURL == "" {
		return
	}

	coverPath := coverPathFor(audioPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.Track.ThumbnailURL, nil)
	if err != nil {
		return
	}
	req.Header.Set("User-Agent", m.cfg.API.UserAgent)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		m.debugLog("Cover fetch failed for %s: %v", task.Track.ID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return
	}

	file, err := os.Create(coverPath)
	if err != nil {
		return
	}
	defer file.Close()

	if _, err := file.ReadFrom(resp.Body); err != nil {
		m.debugLog("Cover write failed for %s: %v", task.Track.ID, err)
		_ = os.Remove(coverPath)
	}
}

func coverPathFor(audioPath string) string {
	ext := filepath.Ext(audioPath)
	return audioPath[:len(audioPath)-len(ext)] + ".cover.jpg"
}

// cleanupArtifacts removes partial files after a failed or cancelled
// task, leaving no .part or cover debris behind.
func (m *Manager) cleanupArtifacts(task *Task) {
	task.mu.RLock()
	dest := task.Destination
	task.mu.RUnlock()
	if dest == "" {
		return
	}

	for _, path := range []string{dest + ".part", dest, coverPathFor(dest)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.debugLog("Cleanup failed for %s: %v", path, err)
		}
	}
	for i := 0; i < 16; i++ {
		_ = os.Remove(fmt.Sprintf("%s.part.seg%d.part", dest, i))
	}
}

func (m *Manager) setState(task *Task, state State, err error) {
	task.mu.Lock()
	task.State = state
	task.Err = err
	task.LastUpdate = time.Now()
	task.mu.Unlock()
	m.notifyProgressNow(task)
}

func (m *Manager) finishTask(task *Task, state State, err error) {
	m.setState(task, state, err)
	m.debugLog("Task %s finished: %s", task.Track.ID, state.Status().String())
}

// Cancel stops a queued or running task.
func (m *Manager) Cancel(trackID string) error {
	value, ok := m.tasks.Load(trackID)
	if !ok {
		return fmt.Errorf("download not found: %s", trackID)
	}

	task := value.(*Task)
	task.mu.Lock()
	cancel := task.CancelFunc
	task.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.debugLog("Cancelled download: %s", trackID)
	return nil
}

// Progress returns a snapshot of the task for the track.
func (m *Manager) Progress(trackID string) (*types.DownloadProgress, bool) {
	value, ok := m.tasks.Load(trackID)
	if !ok {
		return nil, false
	}
	return value.(*Task).snapshot(), true
}

// All returns snapshots of every known task.
func (m *Manager) All() []*types.DownloadProgress {
	var all []*types.DownloadProgress
	m.tasks.Range(func(_, value interface{}) bool {
		all = append(all, value.(*Task).snapshot())
		return true
	})
	return all
}

// OnProgress registers a callback for task updates. Updates are
// throttled per task; terminal transitions always fire.
func (m *Manager) OnProgress(callback func(*types.DownloadProgress)) {
	m.callbackMutex.Lock()
	defer m.callbackMutex.Unlock()
	m.progressCbs = append(m.progressCbs, callback)
}

// ClearCompleted forgets finished, failed, and cancelled tasks.
func (m *Manager) ClearCompleted() {
	var toDelete []string
	m.tasks.Range(func(key, value interface{}) bool {
		task := value.(*Task)
		task.mu.RLock()
		state := task.State
		task.mu.RUnlock()
		if state == StateCompleted || state == StateFailed || state == StateCancelled {
			toDelete = append(toDelete, key.(string))
		}
		return true
	})
	for _, key := range toDelete {
		m.tasks.Delete(key)
	}
	m.debugLog("Cleared %d finished downloads", len(toDelete))
}

func (m *Manager) notifyProgress(task *Task) {
	task.mu.Lock()
	now := time.Now()
	if now.Sub(task.lastNotify) < notifyInterval {
		task.mu.Unlock()
		return
	}
	task.lastNotify = now
	task.mu.Unlock()

	m.notifyProgressNow(task)
}

func (m *Manager) notifyProgressNow(task *Task) {
	snapshot := task.snapshot()

	m.callbackMutex.RLock()
	callbacks := make([]func(*types.DownloadProgress), len(m.progressCbs))
	copy(callbacks, m.progressCbs)
	m.callbackMutex.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			go func(cb func(*types.DownloadProgress)) {
				defer func() {
					if r := recover(); r != nil {
						m.debugLog("Progress callback panicked: %v", r)
					}
				}()
				cb(snapshot)
			}(cb)
		}
	}
}
