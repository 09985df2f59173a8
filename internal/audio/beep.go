package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/effects"
	"github.com/gopxl/beep/mp3"
	"github.com/gopxl/beep/speaker"
	"github.com/gopxl/beep/vorbis"

	"github.com/NotMugil/inzx-core/internal/source"
	"github.com/NotMugil/inzx-core/pkg/types"
)

var speakerOnce sync.Once

const (
	eventBufferSize = 32
	tickInterval    = 100 * time.Millisecond
)

// BeepHandle is a player handle backed by the beep speaker. Two of them
// can be mixed simultaneously, which is what the crossfade engine needs.
type BeepHandle struct {
	name       string
	sampleRate beep.SampleRate
	userAgent  string
	httpClient *http.Client
	debug      bool

	mu           sync.Mutex
	streamer     beep.StreamSeekCloser
	resampler    *beep.Resampler
	ctrl         *beep.Ctrl
	volume       *effects.Volume
	activeStream *StreamReader
	status       Status
	trackID      string
	mimeType     string
	level        float64
	speed        float64
	loopMode     types.LoopMode
	duration     time.Duration
	baseOffset   time.Duration
	srcRate      beep.SampleRate
	generation   uint64
	inMixer      bool

	loadCancel context.CancelFunc

	events chan Event
	done   chan struct{}
	closed sync.Once
}

func NewBeepHandle(name string, sampleRate int, userAgent string, debug bool) (*BeepHandle, error) {
	sr := beep.SampleRate(sampleRate)

	var initErr error
	speakerOnce.Do(func() {
		initErr = speaker.Init(sr, sr.N(200*time.Millisecond))
	})
	if initErr != nil {
		return nil, fmt.Errorf("initialize speaker: %w", initErr)
	}

	h := &BeepHandle{
		name:       name,
		sampleRate: sr,
		userAgent:  userAgent,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
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
		debug:  debug,
		status: StatusIdle,
		level:  1.0,
		speed:  1.0,
		events: make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
	}

	go h.tickLoop()

	return h, nil
}

func (h *BeepHandle) debugLog(format string, args ...interface{}) {
	if h.debug {
		log.Printf("[PLAYER:"+h.name+"] "+format, args...)
	}
}

// emit delivers an event without ever blocking the producer; when the
// channel is full the oldest event is dropped.
func (h *BeepHandle) emit(ev Event) {
	for {
		select {
		case h.events <- ev:
			return
		default:
			select {
			case <-h.events:
			default:
			}
		}
	}
}

func (h *BeepHandle) setStatus(s Status) {
	if h.status == s {
		return
	}
	h.status = s
	h.emit(Event{Type: EventStatus, Status: s, TrackID: h.trackID})
}

// SetSource loads a new source into the handle. The previous source is
// torn down first; completion callbacks from it are suppressed via a
// generation counter.
func (h *BeepHandle) SetSource(ctx context.Context, src *source.Source, preload bool) error {
	h.mu.Lock()
	if h.loadCancel != nil {
		h.loadCancel()
	}
	loadCtx, cancel := context.WithCancel(ctx)
	h.loadCancel = cancel

	h.stopLocked()
	h.generation++
	gen := h.generation
	h.trackID = src.Track.ID
	h.mimeType = src.MimeType
	h.duration = src.Track.Duration
	h.baseOffset = 0
	h.setStatus(StatusLoading)
	h.mu.Unlock()

	var (
		reader io.ReadCloser
		stream *StreamReader
		err    error
	)

	switch src.Kind {
	case source.KindFile:
		reader, err = os.Open(src.Path)
		if err != nil {
			h.failLoad(gen, fmt.Errorf("open source file: %w", err))
			return err
		}
	case source.KindStream:
		stream = NewStreamReader(loadCtx, h.httpClient, src.URL, h.userAgent, h.debug)
		h.mu.Lock()
		h.setStatus(StatusBuffering)
		h.mu.Unlock()
		if !stream.WaitReady(loadCtx) {
			stream.Close()
			err = fmt.Errorf("stream buffer wait failed")
			h.failLoad(gen, err)
			return err
		}
		reader = stream
	default:
		return fmt.Errorf("unknown source kind %d", src.Kind)
	}

	streamer, format, err := decodeByMime(src.MimeType, reader)
	if err != nil {
		reader.Close()
		h.failLoad(gen, fmt.Errorf("decode source: %w", err))
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if gen != h.generation {
		// Another SetSource raced in while we were decoding.
		_ = streamer.Close()
		return nil
	}

	h.streamer = streamer
	h.activeStream = stream
	h.srcRate = format.SampleRate

	if h.duration == 0 && src.Kind == source.KindFile && streamer.Len() > 0 {
		h.duration = format.SampleRate.D(streamer.Len())
		h.emit(Event{Type: EventDuration, Duration: h.duration, TrackID: h.trackID})
	}

	ratio := float64(format.SampleRate) / float64(h.sampleRate) * h.speed
	h.resampler = beep.ResampleRatio(4, ratio, streamer)
	h.ctrl = &beep.Ctrl{Streamer: h.resampler}
	h.volume = &effects.Volume{Streamer: h.ctrl, Base: 2}
	h.applyVolumeLocked(h.level)

	h.setStatus(StatusReady)
	h.debugLog("Source ready: %s (rate=%d, dur=%v, preload=%v)", h.trackID, format.SampleRate, h.duration, preload)

	if !preload {
		h.startPlaybackLocked(gen)
	}
	return nil
}

func (h *BeepHandle) failLoad(gen uint64, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if gen != h.generation {
		return
	}
	h.setStatus(StatusError)
	h.emit(Event{Type: EventError, Err: err, TrackID: h.trackID})
}

func decodeByMime(mimeType string, reader io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error) {
	switch mimeType {
	case "audio/ogg", "application/ogg":
		return vorbis.Decode(reader)
	default:
		return mp3.Decode(reader)
	}
}

// startPlaybackLocked adds the handle's chain to the speaker mixer and
// arms the drain callback for this generation.
func (h *BeepHandle) startPlaybackLocked(gen uint64) {
	if h.volume == nil {
		return
	}
	if h.inMixer {
		speaker.Lock()
		h.ctrl.Paused = false
		speaker.Unlock()
		h.setStatus(StatusPlaying)
		return
	}

	h.inMixer = true
	seq := beep.Seq(h.volume, beep.Callback(func() {
		go h.onDrained(gen)
	}))
	speaker.Play(seq)
	h.setStatus(StatusPlaying)
}

// onDrained fires when the mixer exhausts the handle's streamer: either
// true end-of-track or a teardown. Teardowns bump the generation first,
// so a stale gen means we stay silent.
func (h *BeepHandle) onDrained(gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if gen != h.generation {
		return
	}
	h.inMixer = false

	if h.loopMode == types.LoopOne && h.streamer != nil {
		if err := h.streamer.Seek(0); err == nil {
			h.baseOffset = 0
			h.startPlaybackLocked(gen)
			return
		}
	}

	h.setStatus(StatusCompleted)
	h.emit(Event{Type: EventCompleted, TrackID: h.trackID})
}

func (h *BeepHandle) Play() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ctrl == nil {
		return fmt.Errorf("no source attached")
	}
	h.startPlaybackLocked(h.generation)
	return nil
}

func (h *BeepHandle) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ctrl == nil || h.status != StatusPlaying {
		return nil
	}
	speaker.Lock()
	h.ctrl.Paused = true
	speaker.Unlock()
	h.setStatus(StatusPaused)
	return nil
}

func (h *BeepHandle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
	h.setStatus(StatusIdle)
	return nil
}

// stopLocked tears down the current chain. The generation bump makes the
// in-mixer drain callback a no-op; pausing the ctrl silences it until
// the mixer drains it naturally.
func (h *BeepHandle) stopLocked() {
	h.generation++

	if h.ctrl != nil {
		speaker.Lock()
		h.ctrl.Paused = true
		h.ctrl.Streamer = nil
		speaker.Unlock()
	}
	if h.streamer != nil {
		_ = h.streamer.Close()
		h.streamer = nil
	}
	if h.activeStream != nil {
		_ = h.activeStream.Close()
		h.activeStream = nil
	}

	h.resampler = nil
	h.ctrl = nil
	h.volume = nil
	h.inMixer = false
	h.baseOffset = 0
	h.duration = 0
}

func (h *BeepHandle) Seek(position time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.streamer == nil {
		return fmt.Errorf("no active stream")
	}

	target := position
	if target < 0 {
		target = 0
	}
	if h.duration > 0 && target > h.duration {
		target = h.duration
	}

	// Native seek when the decoder knows its length (files, cached
	// bodies).
	if h.streamer.Len() > 0 && h.srcRate > 0 {
		sample := h.srcRate.N(target)
		if l := h.streamer.Len(); sample >= l {
			sample = l - 1
		}
		if sample < 0 {
			sample = 0
		}

		speaker.Lock()
		err := h.streamer.Seek(sample)
		speaker.Unlock()
		if err != nil {
			return err
		}
		h.baseOffset = 0
		h.debugLog("Native seek to %v", target)
		return nil
	}

	// Buffered re-decode for network streams: rebuild a decoder from the
	// downloaded byte region and splice it into the live chain.
	if h.activeStream == nil {
		return fmt.Errorf("seek not supported")
	}

	downloaded, total := h.activeStream.Progress()
	if total <= 0 {
		total = downloaded
	}
	if total <= 0 || h.duration <= 0 {
		return fmt.Errorf("buffer not available yet")
	}

	ratio := float64(target) / float64(h.duration)
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	wantOffset := int64(ratio * float64(total))
	if wantOffset > downloaded-1 {
		wantOffset = downloaded - 1
	}
	if wantOffset < 0 {
		wantOffset = 0
	}

	h.activeStream.mutex.RLock()
	segment := h.activeStream.buffer[wantOffset:]
	h.activeStream.mutex.RUnlock()
	if len(segment) == 0 {
		return fmt.Errorf("no buffered data at requested position")
	}

	newStreamer, newFormat, err := decodeByMime(h.mimeType, io.NopCloser(bytes.NewReader(segment)))
	if err != nil {
		return err
	}

	newRatio := float64(newFormat.SampleRate) / float64(h.sampleRate) * h.speed
	newResampler := beep.ResampleRatio(4, newRatio, newStreamer)

	speaker.Lock()
	h.ctrl.Streamer = newResampler
	speaker.Unlock()

	old := h.streamer
	h.streamer = newStreamer
	h.resampler = newResampler
	h.srcRate = newFormat.SampleRate
	h.baseOffset = target
	_ = old.Close()

	h.debugLog("Buffered seek to %v (~%d/%d bytes)", target, wantOffset, total)
	return nil
}

func (h *BeepHandle) SetVolume(level float64) error {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.level = level
	if h.volume == nil {
		return nil
	}

	speaker.Lock()
	h.applyVolumeLocked(level)
	speaker.Unlock()
	return nil
}

func (h *BeepHandle) applyVolumeLocked(level float64) {
	if h.volume == nil {
		return
	}
	if level == 0 {
		h.volume.Silent = true
	} else {
		h.volume.Silent = false
		h.volume.Volume = (level - 1) * 5
	}
}

func (h *BeepHandle) Volume() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.level
}

func (h *BeepHandle) SetSpeed(speed float64) error {
	if speed < 0.25 {
		speed = 0.25
	}
	if speed > 4 {
		speed = 4
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.speed = speed
	if h.resampler == nil || h.srcRate == 0 {
		return nil
	}

	speaker.Lock()
	h.resampler.SetRatio(float64(h.srcRate) / float64(h.sampleRate) * speed)
	speaker.Unlock()
	return nil
}

func (h *BeepHandle) SetLoop(mode types.LoopMode) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loopMode = mode
	return nil
}

func (h *BeepHandle) Position() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.positionLocked()
}

func (h *BeepHandle) positionLocked() time.Duration {
	if h.streamer == nil || h.srcRate == 0 {
		return 0
	}
	return h.baseOffset + h.srcRate.D(h.streamer.Position())
}

func (h *BeepHandle) BufferedPosition() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.activeStream == nil {
		return h.duration
	}
	downloaded, total := h.activeStream.Progress()
	if total <= 0 || h.duration <= 0 {
		return 0
	}
	frac := float64(downloaded) / float64(total)
	if frac > 1 {
		frac = 1
	}
	return time.Duration(frac * float64(h.duration))
}

func (h *BeepHandle) Duration() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.duration
}

func (h *BeepHandle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *BeepHandle) TrackID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.trackID
}

func (h *BeepHandle) Events() <-chan Event {
	return h.events
}

// tickLoop publishes position events while the handle is playing.
func (h *BeepHandle) tickLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.mu.Lock()
			playing := h.status == StatusPlaying
			pos := time.Duration(0)
			if playing {
				pos = h.positionLocked()
			}
			trackID := h.trackID
			h.mu.Unlock()

			if playing {
				h.emit(Event{Type: EventPosition, Position: pos, TrackID: trackID})
			}
		}
	}
}

func (h *BeepHandle) Close() error {
	h.closed.Do(func() { close(h.done) })

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.loadCancel != nil {
		h.loadCancel()
	}
	h.stopLocked()
	return nil
}
