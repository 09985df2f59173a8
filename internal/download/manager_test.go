package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/NotMugil/inzx-core/internal/config"
	"github.com/NotMugil/inzx-core/internal/storage"
	"github.com/NotMugil/inzx-core/pkg/types"
)

type stubResolver struct {
	mu  sync.Mutex
	pd  *types.PlaybackData
	err error
}

func (s *stubResolver) Resolve(context.Context, string, types.AudioQuality, bool) (*types.PlaybackData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pd, s.err
}

func (s *stubResolver) Prefetch(context.Context, []string, types.AudioQuality) {}
func (s *stubResolver) HasCached(string, types.AudioQuality) bool             { return false }
func (s *stubResolver) Clear(string)                                          {}
func (s *stubResolver) ClearAll()                                             {}

func managerFixture(t *testing.T, res *stubResolver) (*Manager, *storage.Store, string) {
	t.Helper()

	downloadDir := t.TempDir()
	cfg := &config.Config{}
	cfg.Download.Quality = "high"
	cfg.Download.ParallelPartCount = 2
	cfg.Download.ParallelMinSizeMB = 32
	cfg.Download.Dir = downloadDir
	cfg.API.UserAgent = "test-agent"

	store, err := storage.NewStore(filepath.Join(t.TempDir(), "m.db"), true, false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	return NewManager(cfg, res, store), store, downloadDir
}

func mp3Body(size int) []byte {
	body := make([]byte, size)
	copy(body, "ID3\x04")
	return body
}

func waitStatus(t *testing.T, m *Manager, trackID string, want types.DownloadStatus) *types.DownloadProgress {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if p, ok := m.Progress(trackID); ok && p.Status == want {
			return p
		}
		time.Sleep(25 * time.Millisecond)
	}
	p, _ := m.Progress(trackID)
	t.Fatalf("task %s never reached %s (last: %+v)", trackID, want, p)
	return nil
}

func TestEnqueueDownloadsValidatesAndPersists(t *testing.T) {
	body := mp3Body(minValidFileSize + 4096)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
	defer server.Close()

	res := &stubResolver{pd: &types.PlaybackData{
		TrackID:   "d1",
		StreamURL: server.URL,
		Format:    types.AudioFormat{MimeType: "audio/mpeg", Bitrate: 128000, ContentLength: int64(len(body))},
		ExpiresAt: time.Now().Add(time.Hour),
	}}
	m, store, dir := managerFixture(t, res)

	track := types.Track{ID: "d1", Title: "Take/Five", Artist: "Dave: Brubeck"}
	if err := m.Enqueue(context.Background(), track); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	progress := waitStatus(t, m, "d1", types.DownloadStatusCompleted)

	// The sanitized "{artist} - {title}" naming scheme.
	wantPath := filepath.Join(dir, "Dave_ Brubeck - Take_Five.mp3")
	if progress.LocalPath != wantPath {
		t.Errorf("LocalPath = %q, want %q", progress.LocalPath, wantPath)
	}
	info, err := os.Stat(wantPath)
	if err != nil || info.Size() != int64(len(body)) {
		t.Errorf("final file: %v, size %d", err, info.Size())
	}

	// No .part debris.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".part" {
			t.Errorf("leftover partial file: %s", e.Name())
		}
	}

	// The completed row is durable.
	saved, err := store.CompletedDownloads(context.Background())
	if err != nil || len(saved) != 1 {
		t.Fatalf("CompletedDownloads = %v, %v", saved, err)
	}
	if saved[0].ID != "d1" || saved[0].LocalPath != wantPath {
		t.Errorf("persisted row = %+v", saved[0])
	}
}

func TestEnqueueRejectsCorruptBody(t *testing.T) {
	// Valid size, garbage header for an .mp3 destination.
	body := make([]byte, minValidFileSize+1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer server.Close()

	res := &stubResolver{pd: &types.PlaybackData{
		TrackID:   "bad",
		StreamURL: server.URL,
		Format:    types.AudioFormat{MimeType: "audio/mpeg", Bitrate: 128000, ContentLength: int64(len(body))},
		ExpiresAt: time.Now().Add(time.Hour),
	}}
	m, _, dir := managerFixture(t, res)

	if err := m.Enqueue(context.Background(), types.Track{ID: "bad", Title: "X", Artist: "Y"}); err != nil {
		t.Fatal(err)
	}

	progress := waitStatus(t, m, "bad", types.DownloadStatusFailed)
	if progress.Error == "" {
		t.Error("failed task must carry an error message")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("corrupt download left files: %v", entries)
	}
}

func TestEnqueueDeduplicatesActiveTasks(t *testing.T) {
	blocker := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocker
	}))
	defer server.Close()
	defer close(blocker)

	res := &stubResolver{pd: &types.PlaybackData{
		TrackID:   "dup",
		StreamURL: server.URL,
		Format:    types.AudioFormat{MimeType: "audio/mpeg", Bitrate: 128000},
		ExpiresAt: time.Now().Add(time.Hour),
	}}
	m, _, _ := managerFixture(t, res)

	ctx := context.Background()
	if err := m.Enqueue(ctx, types.Track{ID: "dup", Title: "X", Artist: "Y"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Enqueue(ctx, types.Track{ID: "dup", Title: "X", Artist: "Y"}); err != ErrAlreadyActive {
		t.Errorf("second Enqueue error = %v, want ErrAlreadyActive", err)
	}

	if err := m.Cancel("dup"); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, m, "dup", types.DownloadStatusCancelled)
}

func TestClearCompleted(t *testing.T) {
	body := mp3Body(minValidFileSize + 1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer server.Close()

	res := &stubResolver{pd: &types.PlaybackData{
		TrackID:   "c1",
		StreamURL: server.URL,
		Format:    types.AudioFormat{MimeType: "audio/mpeg", Bitrate: 128000, ContentLength: int64(len(body))},
		ExpiresAt: time.Now().Add(time.Hour),
	}}
	m, _, _ := managerFixture(t, res)

	if err := m.Enqueue(context.Background(), types.Track{ID: "c1", Title: "T", Artist: "A"}); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, m, "c1", types.DownloadStatusCompleted)

	m.ClearCompleted()
	if _, ok := m.Progress("c1"); ok {
		t.Error("ClearCompleted must forget finished tasks")
	}
	if len(m.All()) != 0 {
		t.Error("All() must be empty after ClearCompleted")
	}
}
