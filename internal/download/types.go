package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/NotMugil/inzx-core/pkg/types"
)

var (
	// ErrCancelled means the task's cancel token fired.
	ErrCancelled = errors.New("download: cancelled")

	// ErrCorrupt means the downloaded file failed the header check.
	ErrCorrupt = errors.New("download: corrupt file")

	// ErrAlreadyActive means a task for the track is queued or running.
	ErrAlreadyActive = errors.New("download: already in progress")
)

// HTTPStatusError is a non-2xx response on the byte transfer path.
type HTTPStatusError struct {
	Code int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("download: HTTP %d", e.Code)
}

// IncompleteError means the body came up short of the expected length by
// more than the tolerated deficit.
type IncompleteError struct {
	MissingPercent float64
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("download: incomplete, %.1f%% missing", e.MissingPercent)
}

// TransientError wraps a failure worth retrying: socket resets, timeouts,
// DNS, handshake drops, early connection closes.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("download: transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ProgressFunc receives byte counts during a transfer. total is zero when
// the server did not announce a length.
type ProgressFunc func(downloaded, total int64)

// State mirrors types.DownloadStatus for the internal task registry.
type State int

const (
	StateQueued State = iota
	StateDownloading
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) Status() types.DownloadStatus {
	switch s {
	case StateQueued:
		return types.DownloadStatusQueued
	case StateDownloading:
		return types.DownloadStatusDownloading
	case StateCompleted:
		return types.DownloadStatusCompleted
	case StateCancelled:
		return types.DownloadStatusCancelled
	default:
		return types.DownloadStatusFailed
	}
}

// Task is one offline-library download with its live progress.
type Task struct {
	Track       types.Track
	Destination string
	State       State
	Downloaded  int64
	Total       int64
	Speed       float64
	Err         error
	StartedAt   time.Time
	LastUpdate  time.Time
	Attempt     int
	CancelFunc  context.CancelFunc

	lastNotify time.Time
	mu         sync.RWMutex
}

func (t *Task) snapshot() *types.DownloadProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()

	progress := 0.0
	if t.Total > 0 {
		progress = float64(t.Downloaded) / float64(t.Total)
		if progress > 1 {
			progress = 1
		}
	} else if t.State == StateCompleted {
		progress = 1
	}

	errMsg := ""
	if t.Err != nil {
		errMsg = t.Err.Error()
	}

	localPath := ""
	if t.State == StateCompleted {
		localPath = t.Destination
	}

	return &types.DownloadProgress{
		TrackID:    t.Track.ID,
		Title:      t.Track.Title,
		Status:     t.State.Status(),
		Progress:   progress,
		Downloaded: t.Downloaded,
		Total:      t.Total,
		Speed:      t.Speed,
		Error:      errMsg,
		LocalPath:  localPath,
		StartedAt:  t.StartedAt,
		LastUpdate: t.LastUpdate,
	}
}
