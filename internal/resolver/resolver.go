package resolver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/NotMugil/inzx-core/internal/config"
	"github.com/NotMugil/inzx-core/pkg/types"
)

const (
	// defaultURLTTL is assumed when the provider omits an expiry.
	defaultURLTTL = 5 * time.Hour

	// expirySafetyMargin keeps us from handing out a URL about to lapse.
	expirySafetyMargin = 2 * time.Minute

	// maxClientFailures benches a client identity until the next reset.
	maxClientFailures = 3
)

// Resolver turns track ids into time-limited stream descriptors, caching
// results per (id, quality) and deduplicating concurrent resolves.
type Resolver struct {
	api     *apiClient
	clients []streamClient
	debug   bool

	mu       sync.Mutex
	cache    map[string]*types.PlaybackData
	inflight map[string]chan struct{}
	failures map[string]int
	fellBack bool
}

func New(cfg *config.Config) *Resolver {
	return &Resolver{
		api:      newAPIClient(cfg),
		clients:  defaultClients,
		debug:    cfg.Debug,
		cache:    make(map[string]*types.PlaybackData),
		inflight: make(map[string]chan struct{}),
		failures: make(map[string]int),
	}
}

func (r *Resolver) debugLog(format string, args ...interface{}) {
	if r.debug {
		log.Printf("[RESOLVER] "+format, args...)
	}
}

func cacheKey(trackID string, quality types.AudioQuality) string {
	return trackID + "|" + quality.String()
}

// Resolve returns playback data for the track, from cache when fresh.
// Concurrent resolves for the same key share one provider request.
func (r *Resolver) Resolve(ctx context.Context, trackID string, quality types.AudioQuality, metered bool) (*types.PlaybackData, error) {
	key := cacheKey(trackID, quality)

	for {
		r.mu.Lock()
		if pd, ok := r.cache[key]; ok {
			if time.Until(pd.ExpiresAt) > expirySafetyMargin {
				r.mu.Unlock()
				return pd, nil
			}
			delete(r.cache, key)
		}

		if wait, busy := r.inflight[key]; busy {
			r.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		done := make(chan struct{})
		r.inflight[key] = done
		r.mu.Unlock()

		pd, err := r.resolveRemote(ctx, trackID, quality, metered)

		r.mu.Lock()
		delete(r.inflight, key)
		if err == nil {
			r.cache[key] = pd
		}
		r.mu.Unlock()
		close(done)

		return pd, err
	}
}

// resolveRemote walks the client fallback chain until one yields a
// playable audio format for the quality policy.
func (r *Resolver) resolveRemote(ctx context.Context, trackID string, quality types.AudioQuality, metered bool) (*types.PlaybackData, error) {
	var lastErr error

	for _, client := range r.clients {
		r.mu.Lock()
		benched := r.failures[client.Name] >= maxClientFailures
		r.mu.Unlock()
		if benched {
			r.debugLog("Skipping benched client %s for %s", client.Name, trackID)
			continue
		}

		formats, expires, err := r.api.fetchFormats(ctx, client, trackID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			if errors.Is(err, ErrQuotaOrGeo) {
				return nil, err
			}

			r.mu.Lock()
			r.failures[client.Name]++
			r.fellBack = true
			r.mu.Unlock()

			r.debugLog("Client %s failed for %s: %v", client.Name, trackID, err)
			lastErr = err
			continue
		}

		format, ok := SelectFormat(formats, quality, metered)
		if !ok {
			r.debugLog("Client %s returned no audio formats for %s", client.Name, trackID)
			lastErr = fmt.Errorf("no audio-only format from %s", client.Name)
			r.mu.Lock()
			r.failures[client.Name]++
			r.fellBack = true
			r.mu.Unlock()
			continue
		}

		r.maybeResetFailures()

		return &types.PlaybackData{
			TrackID:   trackID,
			StreamURL: format.URL,
			Format:    format,
			ExpiresAt: expires,
		}, nil
	}

	if lastErr != nil {
		var netErr *NetworkError
		if errors.As(lastErr, &netErr) {
			return nil, lastErr
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnresolvable, trackID)
}

// maybeResetFailures clears per-client failure counters on the first
// success after any fallback happened.
func (r *Resolver) maybeResetFailures() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fellBack {
		r.resetFailuresLocked()
		r.fellBack = false
	}
}

// ResetClientFailures unbenches every client identity.
func (r *Resolver) ResetClientFailures() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetFailuresLocked()
}

func (r *Resolver) resetFailuresLocked() {
	for name := range r.failures {
		delete(r.failures, name)
	}
}

// Prefetch warms the URL cache for the given ids. In-flight resolves per
// id are shared, so repeated calls are cheap.
func (r *Resolver) Prefetch(ctx context.Context, trackIDs []string, quality types.AudioQuality) {
	for _, id := range trackIDs {
		if r.HasCached(id, quality) {
			continue
		}
		go func(id string) {
			if _, err := r.Resolve(ctx, id, quality, false); err != nil {
				r.debugLog("Prefetch failed for %s: %v", id, err)
			}
		}(id)
	}
}

// HasCached reports whether an unexpired entry exists for the key.
func (r *Resolver) HasCached(trackID string, quality types.AudioQuality) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	pd, ok := r.cache[cacheKey(trackID, quality)]
	return ok && time.Until(pd.ExpiresAt) > expirySafetyMargin
}

// Clear drops every cached entry for the track across all qualities.
func (r *Resolver) Clear(trackID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix := trackID + "|"
	for key := range r.cache {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(r.cache, key)
		}
	}
}

// ClearAll empties the URL cache. Used when the quality setting changes.
func (r *Resolver) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*types.PlaybackData)
}
