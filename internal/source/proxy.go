package source

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/NotMugil/inzx-core/internal/cache"
	"github.com/NotMugil/inzx-core/pkg/types"
)

// cacheProxy is a loopback HTTP server that sits between the player and
// the CDN: it streams the remote body to the player while teeing the
// same bytes into the byte cache, so a track is cached by the act of
// playing it. Some platforms forbid cleartext HTTP to loopback; the
// probe on first use surfaces that as ErrCleartextLoopback.
type cacheProxy struct {
	byteCache  *cache.ByteCache
	httpClient *http.Client
	userAgent  string
	debug      bool

	// probeFn replaces the loopback probe; tests use it to simulate a
	// platform that blocks cleartext loopback HTTP.
	probeFn func(addr string) error

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	entries  map[string]proxyEntry
}

type proxyEntry struct {
	data *types.PlaybackData
	key  cache.Key
}

func newCacheProxy(bc *cache.ByteCache, userAgent string, debug bool) *cacheProxy {
	return &cacheProxy{
		byteCache: bc,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConns:          10,
				DisableCompression:    true,
			},
		},
		userAgent: userAgent,
		debug:     debug,
		entries:   make(map[string]proxyEntry),
	}
}

func (p *cacheProxy) debugLog(format string, args ...interface{}) {
	if p.debug {
		log.Printf("[PROXY] "+format, args...)
	}
}

// start binds the loopback listener once and probes it with a real
// cleartext request; a platform that blocks loopback HTTP fails here.
func (p *cacheProxy) start() error {
	p.mu.Lock()
	if p.listener != nil {
		p.mu.Unlock()
		return nil
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrCleartextLoopback, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/stream/", p.handleStream)

	p.listener = listener
	p.server = &http.Server{Handler: mux}
	go func() {
		if serveErr := p.server.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			p.debugLog("Serve ended: %v", serveErr)
		}
	}()
	addr := listener.Addr().String()
	probe := p.probeFn
	p.mu.Unlock()

	if probe == nil {
		probe = p.probe
	}
	if err := probe(addr); err != nil {
		p.debugLog("Loopback probe failed: %v", err)
		p.close()
		return fmt.Errorf("%w: %v", ErrCleartextLoopback, err)
	}

	p.debugLog("Listening on %s", addr)
	return nil
}

// probe issues the first cleartext loopback request ourselves so a
// platform block is detected before the player ever touches the URL.
func (p *cacheProxy) probe(addr string) error {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + addr + "/healthz")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return nil
}

// register maps a track to its resolved stream and returns the loopback
// URL the player should consume.
func (p *cacheProxy) register(pd *types.PlaybackData, key cache.Key) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.entries[pd.TrackID] = proxyEntry{data: pd, key: key}
	return fmt.Sprintf("http://%s/stream/%s", p.listener.Addr().String(), pd.TrackID)
}

func (p *cacheProxy) handleStream(w http.ResponseWriter, r *http.Request) {
	trackID := r.URL.Path[len("/stream/"):]

	p.mu.Lock()
	entry, ok := p.entries[trackID]
	p.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, entry.data.StreamURL, nil)
	if err != nil {
		http.Error(w, "bad upstream url", http.StatusBadGateway)
		return
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.debugLog("Upstream fetch failed for %s: %v", trackID, err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		http.Error(w, "upstream error", http.StatusBadGateway)
		return
	}

	var expected int64
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if v, parseErr := strconv.ParseInt(cl, 10, 64); parseErr == nil && v > 0 {
			expected = v
			w.Header().Set("Content-Length", cl)
		}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}

	// Tee into a cache slot when no other writer holds the key; if one
	// does, the proxy degrades to a plain relay.
	slot, reserveErr := p.byteCache.ReserveWrite(entry.key, entry.data.Format.MimeType)
	var sink *os.File
	if reserveErr == nil {
		if sink, err = os.Create(slot.TempPath); err != nil {
			p.byteCache.Abort(slot)
			slot = nil
			sink = nil
		}
	} else {
		slot = nil
	}

	var body io.Reader = resp.Body
	if sink != nil {
		body = io.TeeReader(resp.Body, sink)
	}

	written, copyErr := io.Copy(w, body)

	if sink != nil {
		if closeErr := sink.Close(); closeErr != nil {
			p.debugLog("Sink close failed for %s: %v", trackID, closeErr)
		}
		if copyErr == nil && (expected == 0 || written == expected) {
			if commitErr := p.byteCache.Commit(slot, written, expected); commitErr != nil {
				p.debugLog("Commit failed for %s: %v", trackID, commitErr)
			} else {
				p.debugLog("Cached %s (%d bytes) via play-through", trackID, written)
			}
		} else {
			p.byteCache.Abort(slot)
		}
	}

	if copyErr != nil {
		p.debugLog("Relay ended early for %s after %d bytes: %v", trackID, written, copyErr)
	}
}

func (p *cacheProxy) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = p.server.Shutdown(ctx)
		cancel()
	}
	p.server = nil
	p.listener = nil
}
