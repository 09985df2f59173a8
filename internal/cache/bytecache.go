package cache

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/NotMugil/inzx-core/pkg/types"
)

const (
	// MinValidBodySize is the smallest committed body the cache will serve.
	MinValidBodySize = 50 * 1024

	bodyExt         = ".audio"
	mimeExt         = ".audio.mime"
	partExt         = ".audio.part"
	precachePartExt = ".audio.precache.part"

	enforceInterval = 3 * time.Minute
)

var (
	// ErrNotCached is returned when no valid body exists for a key.
	ErrNotCached = errors.New("cache: not cached")
	// ErrWriteInProgress is returned when another writer holds the key.
	ErrWriteInProgress = errors.New("cache: write in progress")
	// ErrTooSmall rejects a commit below the minimum valid body size.
	ErrTooSmall = errors.New("cache: body too small")
	// ErrLengthMismatch rejects a commit whose size disagrees with the
	// known content length.
	ErrLengthMismatch = errors.New("cache: length mismatch")
)

// Key identifies one cached audio body. Quality changes produce distinct
// keys, so a stale body is never served for a new quality.
type Key struct {
	TrackID string
	Quality types.AudioQuality
	Bitrate int
}

func (k Key) fileName() string {
	return fmt.Sprintf("%s_%s_%d%s", Sanitize(k.TrackID), k.Quality.String(), k.Bitrate, bodyExt)
}

// ByteCache is an on-disk LRU of downloaded audio bodies. File mtime is
// the LRU key; reads touch it.
type ByteCache struct {
	dir        string
	limitBytes int64
	debug      bool

	mu      sync.Mutex
	writers map[Key]struct{}

	done     chan struct{}
	stopOnce sync.Once
}

// WriteSlot is a reserved temp-file destination for one writer.
type WriteSlot struct {
	Key      Key
	TempPath string
	mimeType string
	cache    *ByteCache
}

// ReadHandle points at a valid committed body.
type ReadHandle struct {
	Path     string
	Size     int64
	MimeType string
}

func New(dir string, limitBytes int64, debug bool) (*ByteCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	c := &ByteCache{
		dir:        dir,
		limitBytes: limitBytes,
		debug:      debug,
		writers:    make(map[Key]struct{}),
		done:       make(chan struct{}),
	}

	go c.enforceLoop()

	return c, nil
}

func (c *ByteCache) debugLog(format string, args ...interface{}) {
	if c.debug {
		log.Printf("[CACHE] "+format, args...)
	}
}

// SetLimit updates the size ceiling used by periodic enforcement.
func (c *ByteCache) SetLimit(limitBytes int64) {
	c.mu.Lock()
	c.limitBytes = limitBytes
	c.mu.Unlock()
}

// OpenForRead returns a handle to a valid committed body and refreshes its
// mtime, or ErrNotCached.
func (c *ByteCache) OpenForRead(key Key) (*ReadHandle, error) {
	path := filepath.Join(c.dir, key.fileName())

	info, err := os.Stat(path)
	if err != nil {
		return nil, ErrNotCached
	}

	if !c.validSize(info.Size(), key) {
		c.debugLog("Invalid cached body for %s (%d bytes), deleting", key.TrackID, info.Size())
		_ = c.Delete(key)
		return nil, ErrNotCached
	}

	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		c.debugLog("Failed to touch %s: %v", path, err)
	}

	mime := ""
	if data, err := os.ReadFile(c.sidecar(key, mimeExt)); err == nil {
		mime = strings.TrimSpace(string(data))
	}

	return &ReadHandle{Path: path, Size: info.Size(), MimeType: mime}, nil
}

func (c *ByteCache) validSize(size int64, key Key) bool {
	if size < MinValidBodySize {
		return false
	}
	// Content length is recorded per write; a committed file has already
	// passed the exact-length check, so size alone is authoritative here.
	return true
}

// ReserveWrite claims the key for a single writer and returns the temp
// slot. Callers must finish with Commit or Abort.
func (c *ByteCache) ReserveWrite(key Key, mimeType string) (*WriteSlot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.writers[key]; busy {
		return nil, ErrWriteInProgress
	}
	c.writers[key] = struct{}{}

	base := strings.TrimSuffix(key.fileName(), bodyExt)
	return &WriteSlot{
		Key:      key,
		TempPath: filepath.Join(c.dir, base+precachePartExt),
		mimeType: mimeType,
		cache:    c,
	}, nil
}

// InFlight reports whether a writer currently holds the key.
func (c *ByteCache) InFlight(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, busy := c.writers[key]
	return busy
}

// Commit atomically publishes the slot's temp file as the body for its
// key. Undersized or length-mismatched bodies are rejected and removed.
func (c *ByteCache) Commit(slot *WriteSlot, downloadedBytes, expectedBytes int64) error {
	defer c.release(slot.Key)

	info, err := os.Stat(slot.TempPath)
	if err != nil {
		return fmt.Errorf("stat temp file: %w", err)
	}

	if info.Size() != downloadedBytes {
		_ = os.Remove(slot.TempPath)
		return fmt.Errorf("%w: temp file %d bytes, reported %d", ErrLengthMismatch, info.Size(), downloadedBytes)
	}
	if downloadedBytes < MinValidBodySize {
		_ = os.Remove(slot.TempPath)
		return fmt.Errorf("%w: %d bytes", ErrTooSmall, downloadedBytes)
	}
	if expectedBytes > 0 && downloadedBytes != expectedBytes {
		_ = os.Remove(slot.TempPath)
		return fmt.Errorf("%w: got %d, expected %d", ErrLengthMismatch, downloadedBytes, expectedBytes)
	}

	finalPath := filepath.Join(c.dir, slot.Key.fileName())
	if err := os.Rename(slot.TempPath, finalPath); err != nil {
		_ = os.Remove(slot.TempPath)
		return fmt.Errorf("publish cached body: %w", err)
	}

	if slot.mimeType != "" {
		if err := os.WriteFile(c.sidecar(slot.Key, mimeExt), []byte(slot.mimeType), 0644); err != nil {
			c.debugLog("Failed to write mime sidecar for %s: %v", slot.Key.TrackID, err)
		}
	}

	c.debugLog("Committed %s (%d bytes)", slot.Key.TrackID, downloadedBytes)

	c.mu.Lock()
	limit := c.limitBytes
	c.mu.Unlock()
	if err := c.EnforceLimit(limit); err != nil {
		c.debugLog("Enforce after commit failed: %v", err)
	}
	return nil
}

// Abort releases the key and removes the slot's temp artifacts.
func (c *ByteCache) Abort(slot *WriteSlot) {
	defer c.release(slot.Key)
	if err := os.Remove(slot.TempPath); err != nil && !os.IsNotExist(err) {
		c.debugLog("Failed to remove temp file %s: %v", slot.TempPath, err)
	}
}

func (c *ByteCache) release(key Key) {
	c.mu.Lock()
	delete(c.writers, key)
	c.mu.Unlock()
}

func (c *ByteCache) sidecar(key Key, ext string) string {
	base := strings.TrimSuffix(key.fileName(), bodyExt)
	return filepath.Join(c.dir, base+ext)
}

// Delete removes the body and every sidecar for a key.
func (c *ByteCache) Delete(key Key) error {
	base := strings.TrimSuffix(key.fileName(), bodyExt)

	var firstErr error
	remove := func(name string) {
		err := os.Remove(filepath.Join(c.dir, name))
		if err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}

	remove(base + bodyExt)
	remove(base + mimeExt)
	remove(base + partExt)
	remove(base + precachePartExt)

	entries, err := os.ReadDir(c.dir)
	if err == nil {
		for _, e := range entries {
			name := e.Name()
			if strings.HasPrefix(name, base+".audio.seg") && strings.HasSuffix(name, ".part") {
				remove(name)
			}
		}
	}

	return firstErr
}

// UsageBytes sums committed body sizes.
func (c *ByteCache) UsageBytes() (int64, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("read cache directory: %w", err)
	}

	var total int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), bodyExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// EnforceLimit deletes committed bodies oldest-mtime-first until usage is
// within limitBytes. Keys with an in-flight writer are never touched.
func (c *ByteCache) EnforceLimit(limitBytes int64) error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("read cache directory: %w", err)
	}

	type bodyFile struct {
		name  string
		size  int64
		mtime time.Time
	}

	var bodies []bodyFile
	var total int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), bodyExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		bodies = append(bodies, bodyFile{name: e.Name(), size: info.Size(), mtime: info.ModTime()})
		total += info.Size()
	}

	if total <= limitBytes {
		return nil
	}

	sort.Slice(bodies, func(i, j int) bool { return bodies[i].mtime.Before(bodies[j].mtime) })

	c.mu.Lock()
	inFlight := make(map[string]struct{}, len(c.writers))
	for k := range c.writers {
		inFlight[k.fileName()] = struct{}{}
	}
	c.mu.Unlock()

	for _, b := range bodies {
		if total <= limitBytes {
			break
		}
		if _, busy := inFlight[b.name]; busy {
			continue
		}

		base := strings.TrimSuffix(b.name, bodyExt)
		if err := os.Remove(filepath.Join(c.dir, b.name)); err != nil {
			c.debugLog("Failed to evict %s: %v", b.name, err)
			continue
		}
		_ = os.Remove(filepath.Join(c.dir, base+mimeExt))
		total -= b.size
		c.debugLog("Evicted %s (%d bytes), usage now %d", b.name, b.size, total)
	}

	return nil
}

func (c *ByteCache) enforceLoop() {
	ticker := time.NewTicker(enforceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			limit := c.limitBytes
			c.mu.Unlock()
			if err := c.EnforceLimit(limit); err != nil {
				c.debugLog("Periodic enforce failed: %v", err)
			}
		case <-c.done:
			return
		}
	}
}

// ClearAll removes every body and sidecar except those of keys with an
// in-flight writer. Used when the audio quality setting changes.
func (c *ByteCache) ClearAll() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("read cache directory: %w", err)
	}

	c.mu.Lock()
	inFlight := make(map[string]struct{}, len(c.writers))
	for k := range c.writers {
		inFlight[strings.TrimSuffix(k.fileName(), bodyExt)] = struct{}{}
	}
	c.mu.Unlock()

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.Contains(name, bodyExt) {
			continue
		}
		base := name
		if idx := strings.Index(name, bodyExt); idx >= 0 {
			base = name[:idx]
		}
		if _, busy := inFlight[base]; busy {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil {
			c.debugLog("Failed to remove %s: %v", name, err)
		}
	}

	return nil
}

func (c *ByteCache) Close() {
	c.stopOnce.Do(func() { close(c.done) })
}

// Sanitize makes a string safe for use in a file name: reserved
// characters become underscores, whitespace collapses, edges are trimmed.
func Sanitize(name string) string {
	replacer := strings.NewReplacer(
		"<", "_", ">", "_", ":", "_", "\"", "_", "/", "_",
		"\\", "_", "|", "_", "?", "_", "*", "_",
	)
	safe := replacer.Replace(name)
	safe = strings.Join(strings.Fields(safe), " ")
	return strings.TrimSpace(safe)
}
