package player

import (
	"time"

	"github.com/NotMugil/inzx-core/pkg/types"
)

// PlaybackState is the coarse observable state of the controller. The
// coarse stream emits only when Equal (which excludes the two position
// fields) reports a change, so high-frequency ticks never invalidate
// subscribers.
type PlaybackState struct {
	CurrentTrack  *types.Track
	Queue         []types.Track
	QueueRevision uint64
	CurrentIndex  int

	IsPlaying   bool
	IsBuffering bool
	IsLoading   bool

	Position         time.Duration
	BufferedPosition time.Duration
	Duration         time.Duration
	Speed            float64

	LoopMode       types.LoopMode
	ShuffleEnabled bool
	Error          string

	AudioQuality        types.AudioQuality
	CurrentPlaybackData *types.PlaybackData
	SourceID            string

	IsRadioMode     bool
	IsFetchingRadio bool

	CacheWifiOnly      bool
	CacheSizeLimitMB   int
	CacheMaxConcurrent int
	CrossfadeMs        int
}

// Equal compares two states for subscriber-visible changes. Position and
// BufferedPosition are deliberately excluded.
func (s PlaybackState) Equal(o PlaybackState) bool {
	if !trackPtrEqual(s.CurrentTrack, o.CurrentTrack) {
		return false
	}
	if s.QueueRevision != o.QueueRevision ||
		s.CurrentIndex != o.CurrentIndex ||
		s.IsPlaying != o.IsPlaying ||
		s.IsBuffering != o.IsBuffering ||
		s.IsLoading != o.IsLoading ||
		s.Duration != o.Duration ||
		s.Speed != o.Speed ||
		s.LoopMode != o.LoopMode ||
		s.ShuffleEnabled != o.ShuffleEnabled ||
		s.Error != o.Error ||
		s.AudioQuality != o.AudioQuality ||
		s.SourceID != o.SourceID ||
		s.IsRadioMode != o.IsRadioMode ||
		s.IsFetchingRadio != o.IsFetchingRadio ||
		s.CacheWifiOnly != o.CacheWifiOnly ||
		s.CacheSizeLimitMB != o.CacheSizeLimitMB ||
		s.CacheMaxConcurrent != o.CacheMaxConcurrent ||
		s.CrossfadeMs != o.CrossfadeMs {
		return false
	}
	return playbackDataEqual(s.CurrentPlaybackData, o.CurrentPlaybackData)
}

func trackPtrEqual(a, b *types.Track) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID && a.Duration == b.Duration
}

func playbackDataEqual(a, b *types.PlaybackData) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.StreamURL == b.StreamURL && a.ExpiresAt.Equal(b.ExpiresAt)
}
