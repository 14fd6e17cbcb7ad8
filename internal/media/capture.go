package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"call-signaling/internal/calls"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

var (
	// ErrUnavailable is returned when the requested devices cannot be opened.
	ErrUnavailable = errors.New("media: devices unavailable")
	// ErrNoTrack is returned when a stream carries no track of the requested kind.
	ErrNoTrack = errors.New("media: no such track")
)

// TrackKind names one local input within a stream.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Stream is a set of local tracks acquired for one call.
// Stop releases the devices; it is safe to call more than once.
type Stream interface {
	ID() string
	Kind() calls.MediaKind
	Tracks() []webrtc.TrackLocal
	// SetEnabled mutes or unmutes one input without renegotiating.
	// A disabled track stays negotiated but sends nothing.
	SetEnabled(kind TrackKind, enabled bool) error
	Stop()
}

// Capturer acquires local media. Implementations must honor ctx cancellation.
type Capturer interface {
	Acquire(ctx context.Context, kind calls.MediaKind) (Stream, error)
}

// Devices describes which local inputs exist on this host.
type Devices struct {
	Audio bool
	Video bool
}

// Supports reports whether kind can be captured with these devices.
// Voice needs audio; video needs both.
func (d Devices) Supports(kind calls.MediaKind) bool {
	switch kind {
	case calls.MediaVoice:
		return d.Audio
	case calls.MediaVideo:
		return d.Audio && d.Video
	default:
		return false
	}
}

const (
	audioFrame = 20 * time.Millisecond
)

// opus comfort-noise frame: TOC byte for a 20ms CELT frame followed by silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// StaticCapturer produces synthetic local tracks. Audio carries opus silence
// so the remote side sees RTP flowing; video is negotiated but idle.
type StaticCapturer struct {
	Devices Devices
	Logger  *slog.Logger
}

func NewStaticCapturer(d Devices, log *slog.Logger) *StaticCapturer {
	if log == nil {
		log = slog.Default()
	}
	return &StaticCapturer{Devices: d, Logger: log}
}

func (c *StaticCapturer) Acquire(ctx context.Context, kind calls.MediaKind) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown media kind %q", ErrUnavailable, kind)
	}
	if !c.Devices.Supports(kind) {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, kind)
	}

	streamID := uuid.NewString()
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s := &LocalStream{
		id:     streamID,
		kind:   kind,
		tracks: []webrtc.TrackLocal{audio},
		done:   make(chan struct{}),
	}

	if kind == calls.MediaVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video",
			streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		s.tracks = append(s.tracks, video)
	}

	log := c.Logger
	if log == nil {
		log = slog.Default()
	}
	go s.pump(audio, log.With("component", "media", "stream_id", streamID))
	return s, nil
}

// LocalStream is the Stream returned by StaticCapturer.
type LocalStream struct {
	id     string
	kind   calls.MediaKind
	tracks []webrtc.TrackLocal

	audioOff atomic.Bool
	videoOff atomic.Bool

	stopOnce sync.Once
	done     chan struct{}
}

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) Kind() calls.MediaKind { return s.kind }

func (s *LocalStream) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *LocalStream) SetEnabled(kind TrackKind, enabled bool) error {
	switch {
	case kind == TrackAudio:
		s.audioOff.Store(!enabled)
	case kind == TrackVideo && s.kind == calls.MediaVideo:
		s.videoOff.Store(!enabled)
	default:
		return fmt.Errorf("%w: %s", ErrNoTrack, kind)
	}
	return nil
}

// Enabled reports whether kind is currently sending.
func (s *LocalStream) Enabled(kind TrackKind) bool {
	switch {
	case kind == TrackAudio:
		return !s.audioOff.Load()
	case kind == TrackVideo && s.kind == calls.MediaVideo:
		return !s.videoOff.Load()
	default:
		return false
	}
}

func (s *LocalStream) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Stopped reports whether Stop has been called.
func (s *LocalStream) Stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *LocalStream) pump(track *webrtc.TrackLocalStaticSample, log *slog.Logger) {
	t := time.NewTicker(audioFrame)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if s.audioOff.Load() {
				continue
			}
			if err := track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: audioFrame}); err != nil {
				log.Debug("audio sample write failed", "err", err)
			}
		}
	}
}
