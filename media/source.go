// Package media acquires local tracks for a call.
//
// Capture from real devices is outside this module; a Source stands in for
// "getUserMedia". SyntheticSource produces pion sample tracks and can pump
// opus silence so the far end sees a live audio track.
package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"github.com/akinalp/medcall/pkg"
	"github.com/akinalp/medcall/rtc"
)

const (
	opusSampleRate = 48000
	opusChannels   = 2
	opusFrame      = 20 * time.Millisecond
	vp8ClockRate   = 90000
)

// opusSilence is a single opus frame that decodes to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Source acquires a local stream. Acquire may block, and a denied
// permission is reported as pkg.ErrPermissionDenied.
type Source interface {
	Acquire(ctx context.Context) (rtc.LocalStream, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (rtc.LocalStream, error)

func (f SourceFunc) Acquire(ctx context.Context) (rtc.LocalStream, error) { return f(ctx) }

// Denied is a Source whose permission was refused.
var Denied Source = SourceFunc(func(context.Context) (rtc.LocalStream, error) {
	return nil, fmt.Errorf("acquire media: %w", pkg.ErrPermissionDenied)
})

// SyntheticSource builds audio/video sample tracks without any device.
type SyntheticSource struct {
	Audio bool
	Video bool
	// PumpSilence writes an opus silence frame every 20ms until the stream
	// is closed.
	PumpSilence bool
	Clock       clock.Clock
	Logger      *zap.Logger
}

// NewSyntheticSource returns an audio+video source.
func NewSyntheticSource(logger *zap.Logger) *SyntheticSource {
	return &SyntheticSource{Audio: true, Video: true, Clock: clock.New(), Logger: logger}
}

// Acquire creates a fresh stream with its own stream id.
func (s *SyntheticSource) Acquire(ctx context.Context) (rtc.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.Audio && !s.Video {
		return nil, fmt.Errorf("%w: no media kinds requested", pkg.ErrBadRequest)
	}

	streamID := uuid.NewString()
	st := &Stream{id: streamID, done: make(chan struct{})}

	if s.Audio {
		audio, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusSampleRate, Channels: opusChannels},
			"audio", streamID)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		st.audio = audio
		st.tracks = append(st.tracks, audio)
	}
	if s.Video {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: vp8ClockRate},
			"video", streamID)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		st.tracks = append(st.tracks, video)
	}

	if s.PumpSilence && st.audio != nil {
		clk := s.Clock
		if clk == nil {
			clk = clock.New()
		}
		logger := s.Logger
		if logger == nil {
			logger = zap.NewNop()
		}
		st.wg.Add(1)
		go st.pump(clk, logger)
	}
	return st, nil
}

// Stream is a synthetic local stream.
type Stream struct {
	id     string
	tracks []webrtc.TrackLocal
	audio  *webrtc.TrackLocalStaticSample

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

// ID is the stream id shared by the stream's tracks.
func (s *Stream) ID() string { return s.id }

// Tracks implements rtc.LocalStream.
func (s *Stream) Tracks() []webrtc.TrackLocal { return s.tracks }

// Close stops the pump. Closing twice is a no-op.
func (s *Stream) Close() error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

func (s *Stream) pump(clk clock.Clock, logger *zap.Logger) {
	defer s.wg.Done()

	ticker := clk.Ticker(opusFrame)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.audio.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: opusFrame}); err != nil {
				logger.Debug("write silence failed", zap.Error(err))
			}
		}
	}
}
