package rtc

import (
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/dkeye/presence/internal/core"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// Sink consumes played-back RTP. *webrtc.TrackLocalStaticRTP satisfies it.
type Sink interface {
	WriteRTP(p *rtp.Packet) error
}

// OutTrack is one remote track being played into a sink.
type OutTrack struct {
	Src  core.RemoteTrack
	Sink Sink

	state   atomic.Int32 // Zero by default (TrackStateOk)
	played  atomic.Uint64
	skipped atomic.Uint64
}

func NewOutTrack(src core.RemoteTrack, sink Sink) *OutTrack {
	return &OutTrack{Src: src, Sink: sink}
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() {
	ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
