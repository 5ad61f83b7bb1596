package orch

import (
	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/rs/zerolog/log"
)

// Join moves sid into roomID, leaving its current room first.
func (o *Orchestrator) Join(sid core.SessionID, roomID domain.RoomID) (core.RoomService, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if current, _, ok := o.Registry.RoomOf(sid); ok {
		if current == roomID {
			room, ok := o.Rooms.GetRoom(roomID)
			return room, ok
		}
		o.leaveLocked(sid)
		log.Info().Str("module", "app.orch").Str("sid", string(sid)).Str("from_room", string(current)).Msg("left previous room")
	}
	session, ok := o.Registry.GetSession(sid)
	if !ok {
		return nil, false
	}
	room := o.Rooms.GetOrCreate(roomID)
	room.AddMember(sid, session)
	o.Registry.UpdateRoom(sid, roomID)
	o.Metrics.AddRelayMembers(1)
	log.Info().Str("module", "app.orch").Str("sid", string(sid)).Str("room", string(roomID)).Msg("added to room")
	return room, true
}

// KickBySID removes sid from its room. The connection stays open.
func (o *Orchestrator) KickBySID(sid core.SessionID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.leaveLocked(sid)
}

func (o *Orchestrator) leaveLocked(sid core.SessionID) {
	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	o.Registry.RemoveRoom(sid)
	o.Metrics.AddRelayMembers(-1)
	room, ok := o.Rooms.GetRoom(roomID)
	if !ok {
		return
	}
	room.RemoveMember(sid)
	if room.MemberCount() == 0 {
		o.Rooms.StopRoom(roomID)
		log.Info().Str("module", "app.orch").Str("room", string(roomID)).Msg("room empty, stopped")
	}
}

// Disconnect kicks sid and cancels its connection context.
func (o *Orchestrator) Disconnect(sid core.SessionID) {
	o.KickBySID(sid)
	o.Registry.Cancel(sid)
}

func (o *Orchestrator) EvictRoom(id domain.RoomID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, snap := range o.Registry.MembersOfRoom(id) {
		o.leaveLocked(snap.SID)
	}
	o.Rooms.StopRoom(id)
}
