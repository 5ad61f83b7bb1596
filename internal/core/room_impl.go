package core

import (
	"sort"
	"sync"

	"github.com/dkeye/presence/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	room          *domain.Room
	mu            sync.RWMutex
	bySID         map[SessionID]MemberSession
	byParticipant map[domain.ParticipantID]SessionID
}

func NewRoomService(room *domain.Room) RoomService {
	return &roomImpl{
		room:          room,
		bySID:         make(map[SessionID]MemberSession),
		byParticipant: make(map[domain.ParticipantID]SessionID),
	}
}

func (r *roomImpl) Room() *domain.Room { return r.room }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySID)
}

func (r *roomImpl) AddMember(sid SessionID, ms MemberSession) {
	p := ms.Meta().ID
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySID[sid] = ms
	r.byParticipant[p] = sid
	log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("sid", string(sid)).Str("participant", string(p)).Msg("member added")
}

func (r *roomImpl) RemoveMember(sid SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ms, ok := r.bySID[sid]; ok {
		p := ms.Meta().ID
		if r.byParticipant[p] == sid {
			delete(r.byParticipant, p)
		}
	}
	delete(r.bySID, sid)
	log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("sid", string(sid)).Msg("member removed")
}

func (r *roomImpl) Broadcast(from SessionID, data Frame, includeSelf bool) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for sid, m := range r.bySID {
		if sid == from && !includeSelf {
			continue
		}
		sig := m.Signal()
		if sig == nil {
			continue
		}
		if err := sig.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *roomImpl) MembersSnapshot() []MemberDTO {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MemberDTO, 0, len(r.bySID))
	for _, ms := range r.bySID {
		out = append(out, MemberDTO{ID: ms.Meta().ID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
