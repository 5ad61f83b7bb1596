package core

import (
	"github.com/dkeye/presence/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID domain.ParticipantID `json:"id"`
}

// RoomService is the core-facing API of a relay room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	Room() *domain.Room
	MemberCount() int
	MembersSnapshot() []MemberDTO

	AddMember(sid SessionID, ms MemberSession)
	RemoveMember(sid SessionID)
	// Broadcast fans data out to every member; the sender only when includeSelf.
	Broadcast(from SessionID, data Frame, includeSelf bool) PublishResult
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"member_count"`
}

type RoomManager interface {
	GetOrCreate(id domain.RoomID) RoomService
	GetRoom(id domain.RoomID) (RoomService, bool)
	List() []RoomInfo
	StopRoom(id domain.RoomID)
}
