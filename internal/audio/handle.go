package audio

import (
	"context"
	"time"

	"github.com/NotMugil/inzx-core/internal/source"
	"github.com/NotMugil/inzx-core/pkg/types"
)

// Status is the lifecycle of one player handle's current source.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusReady
	StatusPlaying
	StatusPaused
	StatusBuffering
	StatusCompleted
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	case StatusBuffering:
		return "buffering"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// EventType tags handle events.
type EventType int

const (
	EventStatus EventType = iota
	EventPosition
	EventDuration
	EventCompleted
	EventError
)

// Event is delivered on a handle's bounded event channel. The channel
// never blocks the producer; when it is full the oldest queued event is
// dropped, whatever its type.
type Event struct {
	Type     EventType
	Status   Status
	Position time.Duration
	Duration time.Duration
	TrackID  string
	Err      error
}

// Handle is one audio player. The engine owns exactly two and the
// controller task is the only caller of its methods.
type Handle interface {
	// SetSource loads a new source, replacing the previous one. With
	// preload the handle buffers without starting output.
	SetSource(ctx context.Context, src *source.Source, preload bool) error

	Play() error
	Pause() error
	Stop() error
	Seek(position time.Duration) error

	SetVolume(level float64) error
	Volume() float64
	SetSpeed(speed float64) error
	SetLoop(mode types.LoopMode) error

	Position() time.Duration
	BufferedPosition() time.Duration
	Duration() time.Duration
	Status() Status
	TrackID() string

	Events() <-chan Event
	Close() error
}
