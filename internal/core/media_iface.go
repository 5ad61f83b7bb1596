package core

import (
	"context"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/presence/internal/domain"
)

// TrackSender is the handle returned by AddTrack. *webrtc.RTPSender satisfies it.
type TrackSender interface {
	Track() webrtc.TrackLocal
}

// RemoteTrack is an inbound media track. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// MediaConnection is one direct peer connection.
// CreateOffer and CreateAnswer also set the local description; candidates trickle via OnICECandidate.
type MediaConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	CreateAnswer() (webrtc.SessionDescription, error)
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) (TrackSender, error)
	RemoveTrack(TrackSender) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(RemoteTrack))
	OnStateChange(func(webrtc.PeerConnectionState))
	// Close should stop all underlying media resources.
	Close() error
}

type ConnectionFactory interface {
	New(remote domain.ParticipantID) (MediaConnection, error)
}

// LocalStream is the shared capture handle. Only Release stops its tracks.
type LocalStream interface {
	Tracks() []webrtc.TrackLocal
	Release()
}

type MediaSource interface {
	Capture(ctx context.Context) (LocalStream, error)
}

// Playback renders remote media per participant.
type Playback interface {
	Attach(id domain.ParticipantID, track RemoteTrack)
	Detach(id domain.ParticipantID)
	SetMuted(id domain.ParticipantID, muted bool)
}
