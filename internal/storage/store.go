package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NotMugil/inzx-core/pkg/types"
)

// ErrNotFound is returned when a key or row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store is the process-wide persistent map and offline-library registry,
// backed by a single SQLite connection.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	debug  bool
}

func NewStore(databasePath string, enableWAL, debug bool) (*Store, error) {
	dbDir := filepath.Dir(databasePath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := openDatabase(databasePath, enableWAL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &Store{
		db:    db,
		debug: debug,
	}

	if err := store.runMigrations(); err != nil {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("[DB] Failed to close database after migration error: %v", closeErr)
		}
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

func openDatabase(dbPath string, enableWAL bool) (*sql.DB, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Printf("[DB] Creating new database at %s", dbPath)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=memory",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=30000",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			if closeErr := db.Close(); closeErr != nil {
				log.Printf("[DB] Failed to close database after pragma error: %v", closeErr)
			}
			return nil, fmt.Errorf("execute pragma %s: %w", pragma, err)
		}
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("[DB] Failed to close database after ping error: %v", closeErr)
		}
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

func (s *Store) debugLog(operation string, err error, duration time.Duration) {
	if !s.debug || err == nil {
		return
	}
	log.Printf("[DB] %s failed in %v: %v", operation, duration, err)
}

func (s *Store) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// Get reads a raw value from the persistent map.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()

	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	s.debugLog("Get", err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}

// Put writes a raw value into the persistent map.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	start := time.Now()

	if err := s.checkClosed(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	s.debugLog("Put", err, time.Since(start))
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Delete removes a key from the persistent map. Missing keys are not an
// error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// GetFlag reads a boolean flag, defaulting to false when absent.
func (s *Store) GetFlag(ctx context.Context, key string) (bool, error) {
	value, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(value) == 1 && value[0] == '1', nil
}

// SetFlag writes a boolean flag.
func (s *Store) SetFlag(ctx context.Context, key string, set bool) error {
	v := []byte{'0'}
	if set {
		v[0] = '1'
	}
	return s.Put(ctx, key, v)
}

// SaveCompletedDownload records a finished offline-library task.
func (s *Store) SaveCompletedDownload(ctx context.Context, track types.Track, localPath string, sizeBytes int64) error {
	start := time.Now()

	if err := s.checkClosed(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO downloads (track_id, title, artist, album, duration_ms, local_path, size_bytes, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(track_id) DO UPDATE SET
			local_path = excluded.local_path,
			size_bytes = excluded.size_bytes,
			completed_at = excluded.completed_at`,
		track.ID, track.Title, track.Artist, track.Album,
		track.Duration.Milliseconds(), localPath, sizeBytes, time.Now().UnixMilli())
	s.debugLog("SaveCompletedDownload", err, time.Since(start))
	if err != nil {
		return fmt.Errorf("save download %s: %w", track.ID, err)
	}
	return nil
}

// CompletedDownloads returns every finished offline-library track, newest
// first.
func (s *Store) CompletedDownloads(ctx context.Context) ([]types.Track, error) {
	start := time.Now()

	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT track_id, title, artist, album, duration_ms, local_path
		FROM downloads ORDER BY completed_at DESC`)
	s.debugLog("CompletedDownloads", err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("query downloads: %w", err)
	}
	defer rows.Close()

	var tracks []types.Track
	for rows.Next() {
		var t types.Track
		var durationMs int64
		if err := rows.Scan(&t.ID, &t.Title, &t.Artist, &t.Album, &durationMs, &t.LocalPath); err != nil {
			return nil, fmt.Errorf("scan download row: %w", err)
		}
		t.Duration = time.Duration(durationMs) * time.Millisecond
		tracks = append(tracks, t)
	}
	return tracks, rows.Err()
}

// DeleteCompletedDownload drops a finished task row, e.g. after the user
// removes the file.
func (s *Store) DeleteCompletedDownload(ctx context.Context, trackID string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM downloads WHERE track_id = ?`, trackID)
	if err != nil {
		return fmt.Errorf("delete download %s: %w", trackID, err)
	}
	return nil
}

// UpdateStoredDuration patches the duration of a completed download after
// the player reports an authoritative value.
func (s *Store) UpdateStoredDuration(ctx context.Context, trackID string, d time.Duration) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE downloads SET duration_ms = ? WHERE track_id = ?`,
		d.Milliseconds(), trackID)
	if err != nil {
		return fmt.Errorf("update duration %s: %w", trackID, err)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
