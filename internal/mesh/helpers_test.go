package mesh

import (
	"context"
	"sync"
	"testing"

	"github.com/dkeye/presence/internal/adapters/membus"
	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/core/coretest"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/protocol"
)

type sent struct {
	event protocol.Event
	msg   any
}

// outbox is a Publisher that keeps messages for manual delivery.
type outbox struct {
	mu   sync.Mutex
	msgs []sent
}

func (o *outbox) Publish(_ context.Context, event protocol.Event, msg any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, sent{event, msg})
	return nil
}

// take drains and returns everything published so far.
func (o *outbox) take() []sent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.msgs
	o.msgs = nil
	return out
}

func (o *outbox) count(event protocol.Event) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, s := range o.msgs {
		if s.event == event {
			n++
		}
	}
	return n
}

func events(msgs []sent) []protocol.Event {
	out := make([]protocol.Event, len(msgs))
	for i, s := range msgs {
		out[i] = s.event
	}
	return out
}

type node struct {
	id      domain.ParticipantID
	out     *outbox
	factory *coretest.FakeFactory
	media   *coretest.FakeMediaSource
	mgr     *Manager
	calls   *Calls
}

func newNode(t *testing.T, id domain.ParticipantID, withMedia bool) *node {
	t.Helper()
	n := &node{
		id:      id,
		out:     &outbox{},
		factory: coretest.NewFakeFactory(id),
		media:   &coretest.FakeMediaSource{},
	}
	n.mgr = NewManager(context.Background(), id, n.out, n.factory, nil)
	n.calls = NewCalls(id, n.out, n.mgr, n.media)
	if withMedia {
		if err := n.calls.EnsureMedia(context.Background()); err != nil {
			t.Fatalf("media: %v", err)
		}
	}
	return n
}

// deliver hands one published message to the node's handlers.
func (n *node) deliver(s sent) {
	ctx := context.Background()
	switch msg := s.msg.(type) {
	case protocol.LinkRequest:
		n.mgr.HandleLinkRequest(ctx, msg)
	case protocol.LinkAck:
		n.mgr.HandleLinkAck(ctx, msg)
	case protocol.SDP:
		if s.event == protocol.EventOffer {
			n.mgr.HandleOffer(ctx, msg)
		} else {
			n.mgr.HandleAnswer(ctx, msg)
		}
	case protocol.ICE:
		n.mgr.HandleICE(ctx, msg)
	case protocol.LinkDestroy:
		n.mgr.HandleDestroy(msg)
	case protocol.CallInvite:
		n.calls.HandleInvite(ctx, msg)
	case protocol.CallResponse:
		n.calls.HandleResponse(ctx, msg)
	case protocol.CallLeave:
		n.calls.HandleLeave(ctx, msg)
	}
}

func (n *node) deliverAll(msgs []sent) {
	for _, s := range msgs {
		n.deliver(s)
	}
}

// busNode is a manager wired to a membus channel.
type busNode struct {
	id      domain.ParticipantID
	factory *coretest.FakeFactory
	media   *coretest.FakeMediaSource
	mgr     *Manager
	calls   *Calls
	ch      core.Channel
}

func newBusNode(t *testing.T, hub *membus.Hub, room domain.RoomID, id domain.ParticipantID) *busNode {
	t.Helper()
	ch, err := hub.Open(room, id)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	pub := core.NewCodecPublisher(ch, protocol.JSON, nil)
	n := &busNode{
		id:      id,
		factory: coretest.NewFakeFactory(id),
		media:   &coretest.FakeMediaSource{},
		ch:      ch,
	}
	n.mgr = NewManager(ctx, id, pub, n.factory, nil)
	n.calls = NewCalls(id, pub, n.mgr, n.media)

	c := protocol.JSON
	core.On(ch, c, protocol.EventLinkRequest, func(_ domain.ParticipantID, m protocol.LinkRequest) { n.mgr.HandleLinkRequest(ctx, m) })
	core.On(ch, c, protocol.EventLinkAck, func(_ domain.ParticipantID, m protocol.LinkAck) { n.mgr.HandleLinkAck(ctx, m) })
	core.On(ch, c, protocol.EventOffer, func(_ domain.ParticipantID, m protocol.SDP) { n.mgr.HandleOffer(ctx, m) })
	core.On(ch, c, protocol.EventAnswer, func(_ domain.ParticipantID, m protocol.SDP) { n.mgr.HandleAnswer(ctx, m) })
	core.On(ch, c, protocol.EventICE, func(_ domain.ParticipantID, m protocol.ICE) { n.mgr.HandleICE(ctx, m) })
	core.On(ch, c, protocol.EventLinkDestroy, func(_ domain.ParticipantID, m protocol.LinkDestroy) { n.mgr.HandleDestroy(m) })
	core.On(ch, c, protocol.EventCallInvite, func(_ domain.ParticipantID, m protocol.CallInvite) { n.calls.HandleInvite(ctx, m) })
	core.On(ch, c, protocol.EventCallResponse, func(_ domain.ParticipantID, m protocol.CallResponse) { n.calls.HandleResponse(ctx, m) })
	core.On(ch, c, protocol.EventCallLeave, func(_ domain.ParticipantID, m protocol.CallLeave) { n.calls.HandleLeave(ctx, m) })

	if err := ch.Subscribe(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return n
}
