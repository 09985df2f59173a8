package source

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/NotMugil/inzx-core/internal/cache"
	"github.com/NotMugil/inzx-core/internal/config"
	"github.com/NotMugil/inzx-core/internal/platform"
	"github.com/NotMugil/inzx-core/internal/precache"
	"github.com/NotMugil/inzx-core/pkg/types"
)

// localFileMinSize is the smallest local file trusted as a full body.
const localFileMinSize = 10 * 1024

// ErrCleartextLoopback is reported by platforms that refuse plaintext
// HTTP to a loopback proxy. Once seen, the controller disables the
// proxy-cache source kind for the rest of the process.
var ErrCleartextLoopback = errors.New("source: cleartext loopback blocked")

// Kind distinguishes how a source reaches the player.
type Kind int

const (
	KindFile Kind = iota
	KindStream
)

// Source is a playable input for one track: either a local file path or
// a network URL (the loopback cache proxy or the CDN directly).
type Source struct {
	Kind     Kind
	Path     string
	URL      string
	MimeType string
	Track    types.Track
	Data     *types.PlaybackData
}

// Builder converts queued tracks into player sources, preferring local
// files, then cached bytes, then the loopback cache proxy, then direct
// streaming with a background cache fill.
type Builder struct {
	cfg       *config.Config
	resolver  types.Resolver
	byteCache *cache.ByteCache
	scheduler *precache.Scheduler
	proxy     *cacheProxy
	debug     bool

	// proxyCacheDisabled latches when the platform refuses loopback
	// proxying; it never resets within a process.
	proxyCacheDisabled atomic.Bool
}

func NewBuilder(cfg *config.Config, res types.Resolver, bc *cache.ByteCache, sched *precache.Scheduler) *Builder {
	return &Builder{
		cfg:       cfg,
		resolver:  res,
		byteCache: bc,
		scheduler: sched,
		proxy:     newCacheProxy(bc, cfg.API.UserAgent, cfg.Debug),
		debug:     cfg.Debug,
	}
}

func (b *Builder) debugLog(format string, args ...interface{}) {
	if b.debug {
		log.Printf("[SOURCE] "+format, args...)
	}
}

// DisableProxyCache permanently switches this process to direct network
// sources. Called when a cleartext-loopback error surfaces on first play.
func (b *Builder) DisableProxyCache() {
	if b.proxyCacheDisabled.CompareAndSwap(false, true) {
		log.Printf("[SOURCE] Proxy caching disabled for process lifetime")
		b.proxy.close()
	}
}

// ProxyCacheDisabled reports the latched state.
func (b *Builder) ProxyCacheDisabled() bool {
	return b.proxyCacheDisabled.Load()
}

// Build returns a playable source for the track.
func (b *Builder) Build(ctx context.Context, track types.Track) (*Source, error) {
	// 1) Local library file.
	if platform.FileExists(track.LocalPath, localFileMinSize) {
		b.debugLog("Using local file for %s: %s", track.ID, track.LocalPath)
		return &Source{Kind: KindFile, Path: track.LocalPath, Track: track}, nil
	}

	// 2) Resolve, then check the byte cache under the resolved bitrate.
	quality := types.ParseAudioQuality(b.cfg.Streaming.Quality)
	metered := !platform.CurrentNetwork().Unmetered()

	pd, err := b.resolver.Resolve(ctx, track.ID, quality, metered)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", track.ID, err)
	}

	key := cache.Key{TrackID: track.ID, Quality: quality, Bitrate: pd.Format.Bitrate}
	if handle, err := b.byteCache.OpenForRead(key); err == nil {
		b.debugLog("Using cached bytes for %s: %s", track.ID, handle.Path)
		return &Source{
			Kind:     KindFile,
			Path:     handle.Path,
			MimeType: handle.MimeType,
			Track:    track,
			Data:     pd,
		}, nil
	}

	// 3) Loopback proxy: the player streams through us and the body is
	// cached by the act of playing it. A cleartext-loopback refusal
	// bubbles up so the controller can latch the fallback.
	if !b.proxyCacheDisabled.Load() {
		if err := b.proxy.start(); err != nil {
			if errors.Is(err, ErrCleartextLoopback) {
				return nil, err
			}
			b.debugLog("Proxy unavailable, falling back to direct: %v", err)
		} else {
			proxyURL := b.proxy.register(pd, key)
			b.debugLog("Using proxy-cache stream for %s: %s", track.ID, proxyURL)
			return &Source{
				Kind:     KindStream,
				URL:      proxyURL,
				MimeType: pd.Format.MimeType,
				Track:    track,
				Data:     pd,
			}, nil
		}
	}

	// 4) Direct stream, warming the cache in the background when the
	// policy allows.
	if !b.cfg.Streaming.CacheWifiOnly || platform.CurrentNetwork().Unmetered() {
		go b.scheduler.Fill(context.WithoutCancel(ctx), track, pd)
	}

	b.debugLog("Using direct stream for %s", track.ID)
	return &Source{
		Kind:     KindStream,
		URL:      pd.StreamURL,
		MimeType: pd.Format.MimeType,
		Track:    track,
		Data:     pd,
	}, nil
}

// Close shuts the loopback proxy down.
func (b *Builder) Close() {
	b.proxy.close()
}
