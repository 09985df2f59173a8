package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NotMugil/inzx-core/internal/cache"
	"github.com/NotMugil/inzx-core/internal/config"
	"github.com/NotMugil/inzx-core/internal/precache"
	"github.com/NotMugil/inzx-core/internal/queue"
	"github.com/NotMugil/inzx-core/pkg/types"
)

type fakeResolver struct {
	mu    sync.Mutex
	pd    *types.PlaybackData
	err   error
	calls int
}

func (f *fakeResolver) Resolve(context.Context, string, types.AudioQuality, bool) (*types.PlaybackData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.pd, f.err
}

func (f *fakeResolver) Prefetch(context.Context, []string, types.AudioQuality) {}
func (f *fakeResolver) HasCached(string, types.AudioQuality) bool             { return false }
func (f *fakeResolver) Clear(string)                                          {}
func (f *fakeResolver) ClearAll()                                             {}

func builderFixture(t *testing.T, res *fakeResolver) (*Builder, *cache.ByteCache, *config.Config) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Streaming.Quality = "auto"
	cfg.Streaming.CacheMaxConcurrent = 2
	cfg.Streaming.CacheSizeLimitMB = 1024
	cfg.Download.ParallelPartCount = 2
	cfg.Download.ParallelMinSizeMB = 32
	cfg.API.UserAgent = "test-agent"

	bc, err := cache.New(t.TempDir(), cfg.CacheSizeLimitBytes(), false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(bc.Close)

	sched := precache.NewScheduler(cfg, res, bc, queue.NewModel())
	b := NewBuilder(cfg, res, bc, sched)
	t.Cleanup(b.Close)
	return b, bc, cfg
}

func playbackDataFor(url string) *types.PlaybackData {
	return &types.PlaybackData{
		TrackID:   "t1",
		StreamURL: url,
		Format:    types.AudioFormat{MimeType: "audio/mpeg", Bitrate: 128000},
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestBuildPrefersLocalFile(t *testing.T) {
	res := &fakeResolver{}
	b, _, _ := builderFixture(t, res)

	local := filepath.Join(t.TempDir(), "song.mp3")
	if err := os.WriteFile(local, make([]byte, 20*1024), 0644); err != nil {
		t.Fatal(err)
	}

	src, err := b.Build(context.Background(), types.Track{ID: "t1", LocalPath: local})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if src.Kind != KindFile || src.Path != local {
		t.Errorf("source = %+v, want local file", src)
	}
	if res.calls != 0 {
		t.Error("local file must short-circuit resolution")
	}
}

func TestBuildIgnoresUndersizedLocalFile(t *testing.T) {
	res := &fakeResolver{pd: playbackDataFor("http://example.invalid/stream")}
	b, _, _ := builderFixture(t, res)

	local := filepath.Join(t.TempDir(), "stub.mp3")
	if err := os.WriteFile(local, make([]byte, 1024), 0644); err != nil {
		t.Fatal(err)
	}

	src, err := b.Build(context.Background(), types.Track{ID: "t1", LocalPath: local})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if src.Kind != KindStream {
		t.Errorf("undersized local file must fall through to streaming, got %+v", src)
	}
}

func TestBuildUsesCachedBytes(t *testing.T) {
	res := &fakeResolver{pd: playbackDataFor("http://example.invalid/stream")}
	b, bc, _ := builderFixture(t, res)

	key := cache.Key{TrackID: "t1", Quality: types.QualityAuto, Bitrate: 128000}
	slot, err := bc.ReserveWrite(key, "audio/mpeg")
	if err != nil {
		t.Fatal(err)
	}
	size := cache.MinValidBodySize
	if err := os.WriteFile(slot.TempPath, make([]byte, size), 0644); err != nil {
		t.Fatal(err)
	}
	if err := bc.Commit(slot, int64(size), 0); err != nil {
		t.Fatal(err)
	}

	src, err := b.Build(context.Background(), types.Track{ID: "t1"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if src.Kind != KindFile {
		t.Fatalf("source kind = %v, want file from cache", src.Kind)
	}
	if src.MimeType != "audio/mpeg" {
		t.Errorf("MimeType = %q, want audio/mpeg", src.MimeType)
	}
}

// The proxy path: the player's URL is a loopback address, the body the
// player reads matches the upstream, and playing it through commits the
// body into the byte cache.
func TestBuildProxyCachesOnPlayThrough(t *testing.T) {
	body := make([]byte, cache.MinValidBodySize+512)
	for i := range body {
		body[i] = byte(i)
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
	defer upstream.Close()

	res := &fakeResolver{pd: playbackDataFor(upstream.URL)}
	b, bc, _ := builderFixture(t, res)

	src, err := b.Build(context.Background(), types.Track{ID: "t1"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if src.Kind != KindStream {
		t.Fatalf("source kind = %v, want stream", src.Kind)
	}
	if !strings.Contains(src.URL, "127.0.0.1") {
		t.Fatalf("URL = %q, want loopback proxy address", src.URL)
	}

	// Act as the player: read the whole body through the proxy.
	resp, err := http.Get(src.URL)
	if err != nil {
		t.Fatalf("proxy GET error = %v", err)
	}
	got, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(body) {
		t.Fatalf("proxied body = %d bytes, want %d", len(got), len(body))
	}
	for i := range got {
		if got[i] != body[i] {
			t.Fatalf("proxied body differs at offset %d", i)
		}
	}

	// Play-through must have committed the body.
	key := cache.Key{TrackID: "t1", Quality: types.QualityAuto, Bitrate: 128000}
	deadline := time.Now().Add(3 * time.Second)
	for {
		if handle, err := bc.OpenForRead(key); err == nil {
			if handle.Size != int64(len(body)) {
				t.Fatalf("cached size = %d, want %d", handle.Size, len(body))
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("play-through body never committed")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// A platform that blocks cleartext loopback: Build surfaces the typed
// error, the controller-style latch flips, and the retry goes direct
// with a background precache instead.
func TestBuildCleartextLoopbackFallsBackToDirect(t *testing.T) {
	body := make([]byte, cache.MinValidBodySize+512)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer upstream.Close()

	res := &fakeResolver{pd: playbackDataFor(upstream.URL)}
	b, bc, _ := builderFixture(t, res)
	b.proxy.probeFn = func(string) error {
		return fmt.Errorf("CLEARTEXT communication to 127.0.0.1 not permitted")
	}

	_, err := b.Build(context.Background(), types.Track{ID: "t1"})
	if !errors.Is(err, ErrCleartextLoopback) {
		t.Fatalf("Build() error = %v, want ErrCleartextLoopback", err)
	}

	// What the controller does on that error.
	b.DisableProxyCache()
	if !b.ProxyCacheDisabled() {
		t.Fatal("latch must be set")
	}

	src, err := b.Build(context.Background(), types.Track{ID: "t1"})
	if err != nil {
		t.Fatalf("retry Build() error = %v", err)
	}
	if src.Kind != KindStream || src.URL != upstream.URL {
		t.Errorf("retry source = %+v, want direct CDN stream", src)
	}

	// Direct mode still warms the cache in the background.
	key := cache.Key{TrackID: "t1", Quality: types.QualityAuto, Bitrate: 128000}
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := bc.OpenForRead(key); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background precache never committed")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestBuildResolveFailure(t *testing.T) {
	res := &fakeResolver{err: fmt.Errorf("no clients left")}
	b, _, _ := builderFixture(t, res)

	if _, err := b.Build(context.Background(), types.Track{ID: "t1"}); err == nil {
		t.Error("Build must surface resolver errors")
	}
}

func TestProxyCacheLatch(t *testing.T) {
	res := &fakeResolver{}
	b, _, _ := builderFixture(t, res)

	if b.ProxyCacheDisabled() {
		t.Error("proxy cache must start enabled")
	}
	b.DisableProxyCache()
	b.DisableProxyCache()
	if !b.ProxyCacheDisabled() {
		t.Error("DisableProxyCache must latch")
	}
}
