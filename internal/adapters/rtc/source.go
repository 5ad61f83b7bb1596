package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/presence/internal/core"
)

const audioFrame = 20 * time.Millisecond

// opusSilence is a single 20ms opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SampleSource captures synthetic media: an opus track fed with silence and,
// optionally, an idle vp8 track. It stands in for a microphone and camera.
type SampleSource struct {
	Video bool
}

func NewSampleSource(video bool) *SampleSource {
	return &SampleSource{Video: video}
}

func (s *SampleSource) Capture(ctx context.Context) (core.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := "presence-" + uuid.NewString()

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID)
	if err != nil {
		return nil, err
	}
	tracks := []webrtc.TrackLocal{audio}
	if s.Video {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, video)
	}

	st := &sampleStream{tracks: tracks, stop: make(chan struct{})}
	go st.pump(audio)
	log.Info().Str("module", "rtc").Str("stream", streamID).Int("tracks", len(tracks)).Msg("captured sample stream")
	return st, nil
}

type sampleStream struct {
	tracks []webrtc.TrackLocal
	stop   chan struct{}
	once   sync.Once
}

func (s *sampleStream) Tracks() []webrtc.TrackLocal {
	return append([]webrtc.TrackLocal(nil), s.tracks...)
}

func (s *sampleStream) Release() {
	s.once.Do(func() {
		close(s.stop)
		log.Info().Str("module", "rtc").Msg("released sample stream")
	})
}

func (s *sampleStream) pump(audio *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(audioFrame)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			// Unbound tracks report io.ErrClosedPipe; that is normal before any link exists.
			_ = audio.WriteSample(media.Sample{Data: opusSilence, Duration: audioFrame})
		}
	}
}

func (s *sampleStream) released() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}
