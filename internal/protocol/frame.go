package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/presence/internal/domain"
)

// FrameType identifies relay websocket frames between wsbus clients and the relay server.
type FrameType string

const (
	FrameJoin    FrameType = "join"
	FrameJoined  FrameType = "joined"
	FrameLeave   FrameType = "leave"
	FrameLeft    FrameType = "left"
	FramePing    FrameType = "ping"
	FramePong    FrameType = "pong"
	FramePublish FrameType = "publish"
	FrameEvent   FrameType = "event"
	FrameError   FrameType = "error"
)

var ErrInvalidFrame = errors.New("invalid frame")

// Frame is the relay envelope. Payload is the codec-encoded message and
// travels base64 encoded inside the json frame.
type Frame struct {
	Type    FrameType            `json:"type"`
	Room    domain.RoomID        `json:"room,omitempty"`
	Event   Event                `json:"event,omitempty"`
	From    domain.ParticipantID `json:"from,omitempty"`
	Payload []byte               `json:"payload,omitempty"`
	Members int                  `json:"members,omitempty"`
	Error   string               `json:"error,omitempty"`
}

func EncodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	switch f.Type {
	case FrameJoin:
		if f.Room == "" {
			return Frame{}, fmt.Errorf("%w: join without room", ErrInvalidFrame)
		}
	case FramePublish, FrameEvent:
		if f.Event == "" {
			return Frame{}, fmt.Errorf("%w: %s without event", ErrInvalidFrame, f.Type)
		}
	case FrameJoined, FrameLeave, FrameLeft, FramePing, FramePong, FrameError:
	default:
		return Frame{}, fmt.Errorf("%w: unsupported type %q", ErrInvalidFrame, f.Type)
	}
	return f, nil
}

// P2PEnvelope wraps a payload for transports without per-event routing (gossipsub).
type P2PEnvelope struct {
	Event   Event                `json:"event"`
	From    domain.ParticipantID `json:"from"`
	Payload []byte               `json:"payload"`
}
