package rtc

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
)

// SinkFactory picks where a participant's track is played.
type SinkFactory func(id domain.ParticipantID, track core.RemoteTrack) Sink

type discardSink struct{}

func (discardSink) WriteRTP(*rtp.Packet) error { return nil }

// PlaybackStats counts packets per participant.
type PlaybackStats struct {
	Tracks  int
	Played  uint64
	Skipped uint64
	Muted   bool
}

// Playback pumps remote RTP into sinks. Muting applies to audio tracks only;
// muted packets are read and skipped so the connection keeps flowing.
type Playback struct {
	sinks SinkFactory

	mu    sync.RWMutex
	out   map[domain.ParticipantID][]*OutTrack
	muted map[domain.ParticipantID]bool
}

func NewPlayback(sinks SinkFactory) *Playback {
	if sinks == nil {
		sinks = func(domain.ParticipantID, core.RemoteTrack) Sink { return discardSink{} }
	}
	return &Playback{
		sinks: sinks,
		out:   make(map[domain.ParticipantID][]*OutTrack),
		muted: make(map[domain.ParticipantID]bool),
	}
}

func (p *Playback) Attach(id domain.ParticipantID, track core.RemoteTrack) {
	ot := NewOutTrack(track, p.sinks(id, track))

	p.mu.Lock()
	for _, existing := range p.out[id] {
		if existing.Src.ID() == track.ID() {
			existing.MarkDelete()
		}
	}
	kept := p.out[id][:0]
	for _, existing := range p.out[id] {
		if existing.GetState() != TrackStateDelete {
			kept = append(kept, existing)
		}
	}
	if p.muted[id] && track.Kind() == webrtc.RTPCodecTypeAudio {
		ot.MarkMuted()
	}
	p.out[id] = append(kept, ot)
	p.mu.Unlock()

	log.Info().Str("module", "rtc.playback").Str("participant", string(id)).Str("track", track.ID()).Str("kind", track.Kind().String()).Msg("attached")
	go p.loop(id, ot)
}

func (p *Playback) Detach(id domain.ParticipantID) {
	p.mu.Lock()
	tracks := p.out[id]
	delete(p.out, id)
	delete(p.muted, id)
	p.mu.Unlock()
	for _, ot := range tracks {
		ot.MarkDelete()
	}
	if len(tracks) > 0 {
		log.Info().Str("module", "rtc.playback").Str("participant", string(id)).Msg("detached")
	}
}

func (p *Playback) SetMuted(id domain.ParticipantID, muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted[id] = muted
	for _, ot := range p.out[id] {
		if ot.Src.Kind() != webrtc.RTPCodecTypeAudio {
			continue
		}
		if muted {
			ot.MarkMuted()
		} else {
			ot.MarkOk()
		}
	}
}

func (p *Playback) Stats(id domain.ParticipantID) PlaybackStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := PlaybackStats{Muted: p.muted[id]}
	for _, ot := range p.out[id] {
		st.Tracks++
		st.Played += ot.played.Load()
		st.Skipped += ot.skipped.Load()
	}
	return st
}

// loop reads RTP from the remote track until it ends or is detached.
func (p *Playback) loop(id domain.ParticipantID, ot *OutTrack) {
	logger := log.With().Str("module", "rtc.playback").Str("participant", string(id)).Str("track", ot.Src.ID()).Logger()
	for {
		pkt, _, err := ot.Src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("track ended")
			p.remove(id, ot)
			return
		}
		switch ot.GetState() {
		case TrackStateDelete:
			return
		case TrackStateMuted:
			ot.skipped.Add(1)
		case TrackStateOk:
			if err := ot.Sink.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Msg("sink write error, dropping track")
				ot.MarkDelete()
				p.remove(id, ot)
				return
			}
			ot.played.Add(1)
		}
	}
}

func (p *Playback) remove(id domain.ParticipantID, ot *OutTrack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tracks := p.out[id]
	for i, t := range tracks {
		if t == ot {
			p.out[id] = append(tracks[:i], tracks[i+1:]...)
			break
		}
	}
	if len(p.out[id]) == 0 {
		delete(p.out, id)
	}
}
