// Package orch glues relay connections, rooms and the backpressure policy together.
package orch

import (
	"sync"

	"github.com/dkeye/presence/internal/app"
	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/observability"
)

type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
	Metrics  *observability.Metrics
	// Echo delivers a participant's own publishes back to it.
	Echo bool

	// mu serializes membership changes so an emptied room is never
	// stopped underneath a concurrent join.
	mu sync.Mutex
}

// Publish fans an encoded event frame out to everyone in the sender's room.
// Members that cannot keep up are handed to the policy.
func (o *Orchestrator) Publish(sid core.SessionID, data core.Frame) core.PublishResult {
	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return core.PublishResult{}
	}
	room, ok := o.Rooms.GetRoom(roomID)
	if !ok {
		return core.PublishResult{}
	}

	res := room.Broadcast(sid, data, o.Echo)
	if len(res.Dropped) > 0 {
		o.Metrics.IncRelayDropped(len(res.Dropped))
	}
	if o.Policy == nil {
		return res
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(room, slow) {
		case app.KickMember:
			if slowSID, ok := o.Registry.SIDOf(slow); ok {
				o.Disconnect(slowSID)
			}
		case app.MarkSlow, app.DropFrame, app.NoAction:
		}
	}
	return res
}
