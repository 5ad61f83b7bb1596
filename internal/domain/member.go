package domain

// Member represents a participant's attachment to a relay room.
// No transport or lifecycle logic here.
type Member struct {
	ID   ParticipantID
	Room RoomID
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(id ParticipantID, room RoomID) *Member {
	return &Member{ID: id, Room: room}
}
