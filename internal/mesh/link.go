// Package mesh builds and tears down the full mesh of direct peer connections,
// and layers direct calls and meetings on top of it.
package mesh

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
)

type LinkState int32

const (
	StateCreated LinkState = iota
	StateOfferSent
	StateAnswerSent
	StateConnected
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOfferSent:
		return "offer-sent"
	case StateAnswerSent:
		return "answer-sent"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PeerLink is the negotiation state for one remote participant.
// mu serializes negotiation steps; connection callbacks only touch atomics.
type PeerLink struct {
	remote domain.ParticipantID

	mu        sync.Mutex
	conn      core.MediaConnection
	remoteSet bool
	iceQueue  []webrtc.ICECandidateInit
	senders   []core.TrackSender

	gen    atomic.Uint64
	state  atomic.Int32
	closed atomic.Bool
}

func (l *PeerLink) Remote() domain.ParticipantID { return l.remote }

func (l *PeerLink) State() LinkState { return LinkState(l.state.Load()) }

func (l *PeerLink) setState(s LinkState) {
	if l.closed.Load() && s != StateClosed {
		return
	}
	l.state.Store(int32(s))
}

// QueuedICE returns the number of remote candidates waiting for a remote description.
func (l *PeerLink) QueuedICE() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.iceQueue)
}

// current reports whether a callback bound to generation g still owns the link.
func (l *PeerLink) current(g uint64) bool {
	return !l.closed.Load() && l.gen.Load() == g
}
