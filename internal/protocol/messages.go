// Package protocol defines the room broadcast events exchanged between participants
// and the codecs used to put them on the wire.
package protocol

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/presence/internal/domain"
)

// Event names a broadcast message kind. Every transport routes on it.
type Event string

const (
	EventPosition     Event = "position"
	EventMeta         Event = "meta"
	EventMetaRequest  Event = "meta-request"
	EventLinkRequest  Event = "link-request"
	EventLinkAck      Event = "link-ack"
	EventOffer        Event = "offer"
	EventAnswer       Event = "answer"
	EventICE          Event = "ice"
	EventLinkDestroy  Event = "link-destroy"
	EventCallInvite   Event = "call-invite"
	EventCallResponse Event = "call-response"
	EventCallLeave    Event = "call-leave"
	EventChat         Event = "chat"
)

// Events lists every event a session subscribes to.
var Events = []Event{
	EventPosition,
	EventMeta,
	EventMetaRequest,
	EventLinkRequest,
	EventLinkAck,
	EventOffer,
	EventAnswer,
	EventICE,
	EventLinkDestroy,
	EventCallInvite,
	EventCallResponse,
	EventCallLeave,
	EventChat,
}

type Position struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
	X             float64              `json:"x"`
	Y             float64              `json:"y"`
	TS            int64                `json:"ts"` // unix millis
}

type Meta struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
	DisplayName   string               `json:"displayName,omitempty"`
	CharacterID   string               `json:"characterId,omitempty"`
	AvatarRef     string               `json:"avatarRef,omitempty"`
}

func (m Meta) Meta() domain.Meta {
	return domain.Meta{DisplayName: m.DisplayName, CharacterID: m.CharacterID, AvatarRef: m.AvatarRef}
}

func NewMeta(id domain.ParticipantID, m domain.Meta) Meta {
	return Meta{ParticipantID: id, DisplayName: m.DisplayName, CharacterID: m.CharacterID, AvatarRef: m.AvatarRef}
}

type MetaRequest struct {
	AskerID domain.ParticipantID `json:"askerId"`
}

// LinkRequest asks every participant (or only To, when set) to acknowledge
// so the requester can send an offer.
type LinkRequest struct {
	From domain.ParticipantID `json:"from"`
	To   domain.ParticipantID `json:"to,omitempty"`
}

type LinkAck struct {
	From domain.ParticipantID `json:"from"`
	To   domain.ParticipantID `json:"to"`
}

// SDP carries both offers and answers; the event tells them apart.
type SDP struct {
	From domain.ParticipantID `json:"from"`
	To   domain.ParticipantID `json:"to"`
	SDP  string               `json:"sdp"`
}

type ICE struct {
	From      domain.ParticipantID    `json:"from"`
	To        domain.ParticipantID    `json:"to"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type LinkDestroy struct {
	From domain.ParticipantID `json:"from"`
}

// CallInvite with an empty To and a MeetingID announces a room-wide meeting.
type CallInvite struct {
	From      domain.ParticipantID `json:"from"`
	To        domain.ParticipantID `json:"to,omitempty"`
	MeetingID string               `json:"meetingId,omitempty"`
}

type CallResponse struct {
	From     domain.ParticipantID `json:"from"`
	To       domain.ParticipantID `json:"to"`
	Accepted bool                 `json:"accepted"`
}

type CallLeave struct {
	From domain.ParticipantID `json:"from"`
}

type Chat struct {
	ID         string               `json:"id"`
	SenderID   domain.ParticipantID `json:"senderId"`
	SenderName string               `json:"senderName,omitempty"`
	Text       string               `json:"text"`
	TS         int64                `json:"ts"`
}
