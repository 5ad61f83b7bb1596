package mesh

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/presence/internal/adapters/membus"
	"github.com/dkeye/presence/internal/core/coretest"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/protocol"
)

func ice(from, to domain.ParticipantID, cand string) protocol.ICE {
	return protocol.ICE{From: from, To: to, Candidate: webrtc.ICECandidateInit{Candidate: cand}}
}

func TestLinkIsCreatedOnce(t *testing.T) {
	a := newNode(t, "a", false)
	l1, err := a.mgr.Link("b")
	if err != nil {
		t.Fatal(err)
	}
	l2, _ := a.mgr.Link("b")
	if l1 != l2 {
		t.Fatal("second Link returned a different link")
	}
	if n := len(a.factory.Conns("b")); n != 1 {
		t.Fatalf("connections created = %d", n)
	}
}

func TestICEQueuedUntilOfferApplied(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "a", true)
	b := newNode(t, "b", false)

	if err := a.mgr.Offer(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	fromA := a.out.take()
	if got := events(fromA); !slices.Equal(got, []protocol.Event{protocol.EventICE, protocol.EventOffer}) {
		t.Fatalf("a published %v", got)
	}

	b.deliver(fromA[0])
	b.mgr.HandleICE(ctx, ice("a", "b", "c2"))
	b.mgr.HandleICE(ctx, ice("a", "b", "c3"))
	link, _ := b.mgr.Lookup("a")
	if link.QueuedICE() != 3 {
		t.Fatalf("queued = %d, want 3", link.QueuedICE())
	}

	b.deliver(fromA[1])
	b.mgr.HandleICE(ctx, ice("a", "b", "c4"))

	conn := b.factory.Last("a")
	want := []string{"candidate:a offer 1", "c2", "c3", "c4"}
	if got := conn.Applied(); !slices.Equal(got, want) {
		t.Fatalf("applied = %v, want %v", got, want)
	}
	if conn.EarlyICE() != 0 {
		t.Fatalf("candidates applied before remote description: %d", conn.EarlyICE())
	}
	if link.QueuedICE() != 0 {
		t.Fatal("queue not flushed")
	}
	if link.State() != StateAnswerSent {
		t.Fatalf("b state = %s", link.State())
	}
}

func TestICEQueuedUntilAnswerApplied(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "a", true)
	b := newNode(t, "b", false)

	_ = a.mgr.Offer(ctx, "b")
	b.deliverAll(a.out.take())

	fromB := b.out.take()
	if got := events(fromB); !slices.Equal(got, []protocol.Event{protocol.EventICE, protocol.EventAnswer}) {
		t.Fatalf("b published %v", got)
	}
	a.deliverAll(fromB)

	conn := a.factory.Last("b")
	if got := conn.Applied(); !slices.Equal(got, []string{"candidate:b answer 1"}) {
		t.Fatalf("applied = %v", got)
	}
	if conn.EarlyICE() != 0 {
		t.Fatal("candidate applied before answer")
	}
	link, _ := a.mgr.Lookup("b")
	if link.State() != StateConnected {
		t.Fatalf("a state = %s", link.State())
	}
	if conn.Senders() != 2 {
		t.Fatalf("senders = %d, want one per kind", conn.Senders())
	}
}

func TestAnswerIgnoredWithoutOutstandingOffer(t *testing.T) {
	a := newNode(t, "a", false)
	_, _ = a.mgr.Link("b")
	a.mgr.HandleAnswer(context.Background(), protocol.SDP{From: "b", To: "a", SDP: "x"})
	if got := a.factory.Last("b").RemoteDescriptions(); len(got) != 0 {
		t.Fatalf("answer applied in created state: %v", got)
	}
}

func TestGlarePoliteRenewsImpoliteIgnores(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "a", true) // "a" < "b": polite
	b := newNode(t, "b", true)

	_ = a.mgr.Offer(ctx, "b")
	_ = b.mgr.Offer(ctx, "a")
	fromA := a.out.take()
	fromB := b.out.take()

	a.deliverAll(fromB)
	b.deliverAll(fromA)
	if n := b.out.count(protocol.EventAnswer); n != 0 {
		t.Fatalf("impolite side answered %d offers", n)
	}
	b.deliverAll(a.out.take())

	aConns := a.factory.Conns("b")
	if len(aConns) != 2 {
		t.Fatalf("polite side connections = %d, want renewed", len(aConns))
	}
	if !aConns[0].Closed() {
		t.Fatal("replaced connection not closed")
	}
	if got := aConns[1].Applied(); !slices.Equal(got, []string{"candidate:b offer 1"}) {
		t.Fatalf("queued remote ICE not kept across renew: %v", got)
	}

	offers := 0
	for _, c := range append(aConns, b.factory.Conns("a")...) {
		for _, d := range c.RemoteDescriptions() {
			if d.Type == webrtc.SDPTypeOffer {
				offers++
			}
		}
	}
	if offers != 1 {
		t.Fatalf("accepted offers = %d, want 1", offers)
	}

	la, _ := a.mgr.Lookup("b")
	lb, _ := b.mgr.Lookup("a")
	if la.State() != StateAnswerSent || lb.State() != StateConnected {
		t.Fatalf("states a=%s b=%s", la.State(), lb.State())
	}
}

func TestMeshConvergesOverBus(t *testing.T) {
	ids := []domain.ParticipantID{"ann", "bob", "cid"}
	for round := 0; round < 10; round++ {
		t.Run(fmt.Sprintf("round-%d", round), func(t *testing.T) {
			hub := membus.NewHub()
			nodes := make(map[domain.ParticipantID]*busNode)
			for _, id := range ids {
				n := newBusNode(t, hub, "room", id)
				if err := n.calls.EnsureMedia(context.Background()); err != nil {
					t.Fatal(err)
				}
				nodes[id] = n
			}
			for _, id := range ids {
				nodes[id].mgr.RequestLinks(context.Background(), "")
			}
			if !hub.Settle(5 * time.Second) {
				t.Fatal("bus did not settle")
			}

			for i, x := range ids {
				for _, y := range ids[i+1:] {
					xs := nodes[x].factory.Conns(y)
					ys := nodes[y].factory.Conns(x)
					offers, answers := 0, 0
					for _, c := range append(xs, ys...) {
						if c.EarlyICE() != 0 {
							t.Fatalf("%s/%s: candidate applied before remote description", x, y)
						}
						for _, d := range c.RemoteDescriptions() {
							switch d.Type {
							case webrtc.SDPTypeOffer:
								offers++
							case webrtc.SDPTypeAnswer:
								answers++
							}
						}
					}
					if offers != 1 || answers != 1 {
						t.Fatalf("%s/%s: offers=%d answers=%d", x, y, offers, answers)
					}
					lx, okx := nodes[x].mgr.Lookup(y)
					ly, oky := nodes[y].mgr.Lookup(x)
					if !okx || !oky {
						t.Fatalf("%s/%s: link missing", x, y)
					}
					states := []LinkState{lx.State(), ly.State()}
					slices.Sort(states)
					if !slices.Equal(states, []LinkState{StateAnswerSent, StateConnected}) {
						t.Fatalf("%s/%s: states %v", x, y, states)
					}
				}
			}
		})
	}
}

func TestDestroyDropsPendingTracks(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "a", true)
	b := newNode(t, "b", false)
	_ = a.mgr.Offer(ctx, "b")
	b.deliverAll(a.out.take())

	var notified []domain.ParticipantID
	b.mgr.OnTrackAvailable(func(id domain.ParticipantID) { notified = append(notified, id) })
	var closed []domain.ParticipantID
	b.mgr.OnLinkClosed(func(id domain.ParticipantID) { closed = append(closed, id) })

	conn := b.factory.Last("a")
	conn.DeliverTrack(coretest.NewFakeRemoteTrack("t1", "s", webrtc.RTPCodecTypeAudio))
	conn.DeliverTrack(coretest.NewFakeRemoteTrack("t2", "s", webrtc.RTPCodecTypeVideo))
	if !slices.Equal(notified, []domain.ParticipantID{"a", "a"}) {
		t.Fatalf("notified %v", notified)
	}

	b.mgr.HandleDestroy(protocol.LinkDestroy{From: "a"})
	if got := b.mgr.TakeTracks("a"); len(got) != 0 {
		t.Fatalf("tracks survived destroy: %d", len(got))
	}
	if _, ok := b.mgr.Lookup("a"); ok {
		t.Fatal("link survived destroy")
	}
	if !conn.Closed() {
		t.Fatal("connection not closed")
	}
	if !slices.Equal(closed, []domain.ParticipantID{"a"}) {
		t.Fatalf("closed hooks %v", closed)
	}

	// Callbacks of a closed connection are ignored.
	conn.DeliverTrack(coretest.NewFakeRemoteTrack("t3", "s", webrtc.RTPCodecTypeAudio))
	if len(notified) != 2 {
		t.Fatal("stale connection delivered a track")
	}
}

func TestTakeTracksDrains(t *testing.T) {
	b := newNode(t, "b", false)
	_, _ = b.mgr.Link("a")
	b.factory.Last("a").DeliverTrack(coretest.NewFakeRemoteTrack("t1", "s", webrtc.RTPCodecTypeAudio))

	if got := b.mgr.TakeTracks("a"); len(got) != 1 || got[0].ID() != "t1" {
		t.Fatalf("take = %v", got)
	}
	if got := b.mgr.TakeTracks("a"); len(got) != 0 {
		t.Fatal("second take not empty")
	}
}

func TestIgnoresSelfAndMisaddressed(t *testing.T) {
	ctx := context.Background()
	b := newNode(t, "b", true)

	b.mgr.HandleLinkRequest(ctx, protocol.LinkRequest{From: "b"})
	b.mgr.HandleLinkRequest(ctx, protocol.LinkRequest{From: "a", To: "c"})
	b.mgr.HandleLinkAck(ctx, protocol.LinkAck{From: "a", To: "c"})
	b.mgr.HandleOffer(ctx, protocol.SDP{From: "a", To: "c", SDP: "x"})
	b.mgr.HandleOffer(ctx, protocol.SDP{From: "b", To: "b", SDP: "x"})
	b.mgr.HandleICE(ctx, ice("a", "c", "x"))
	b.mgr.HandleDestroy(protocol.LinkDestroy{From: "b"})

	if got := b.mgr.Links(); len(got) != 0 {
		t.Fatalf("links = %v", got)
	}
	if got := b.out.take(); len(got) != 0 {
		t.Fatalf("published %v", events(got))
	}
}

func TestLinkRequestAckFlow(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "a", true)
	b := newNode(t, "b", false)

	a.mgr.RequestLinks(ctx, "")
	b.deliverAll(a.out.take())
	fromB := b.out.take()
	if got := events(fromB); !slices.Equal(got, []protocol.Event{protocol.EventLinkAck}) {
		t.Fatalf("b published %v", got)
	}

	a.deliverAll(fromB)
	if got := events(a.out.take()); !slices.Equal(got, []protocol.Event{protocol.EventICE, protocol.EventOffer}) {
		t.Fatalf("a published %v after ack", got)
	}

	// A second ack while the offer is outstanding does not re-offer.
	a.deliverAll(fromB)
	if got := a.out.take(); len(got) != 0 {
		t.Fatalf("re-offered mid negotiation: %v", events(got))
	}
}

func TestLinkAckWithoutMediaDoesNotOffer(t *testing.T) {
	a := newNode(t, "a", false)
	a.mgr.HandleLinkAck(context.Background(), protocol.LinkAck{From: "b", To: "a"})
	if _, ok := a.mgr.Lookup("b"); !ok {
		t.Fatal("link not created")
	}
	if got := a.out.take(); len(got) != 0 {
		t.Fatalf("published %v", events(got))
	}
}

func TestRenegotiationReplacesSenders(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "a", true)
	b := newNode(t, "b", false)
	_ = a.mgr.Offer(ctx, "b")
	b.deliverAll(a.out.take())
	a.deliverAll(b.out.take())

	_ = a.mgr.Offer(ctx, "b")
	conn := a.factory.Last("b")
	if conn.Senders() != 2 || conn.Removed() != 2 {
		t.Fatalf("senders=%d removed=%d", conn.Senders(), conn.Removed())
	}
}

func TestBadCandidateIsNotFatal(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "a", true)
	b := newNode(t, "b", false)
	_ = a.mgr.Offer(ctx, "b")
	b.deliverAll(a.out.take())

	b.mgr.HandleICE(ctx, ice("a", "b", coretest.BadCandidate))
	b.mgr.HandleICE(ctx, ice("a", "b", "good"))
	got := b.factory.Last("a").Applied()
	if got[len(got)-1] != "good" {
		t.Fatalf("applied = %v", got)
	}
}

func TestFailedConnectionClosesLocally(t *testing.T) {
	a := newNode(t, "a", false)
	_, _ = a.mgr.Link("b")
	a.factory.Last("b").SetState(webrtc.PeerConnectionStateFailed)

	if _, ok := a.mgr.Lookup("b"); ok {
		t.Fatal("failed link kept")
	}
	if n := a.out.count(protocol.EventLinkDestroy); n != 0 {
		t.Fatal("failure was broadcast")
	}
}

func TestConnectedStateFromConnection(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "a", true)
	b := newNode(t, "b", false)
	_ = a.mgr.Offer(ctx, "b")
	b.deliverAll(a.out.take())

	b.factory.Last("a").SetState(webrtc.PeerConnectionStateConnected)
	l, _ := b.mgr.Lookup("a")
	if l.State() != StateConnected {
		t.Fatalf("state = %s", l.State())
	}
}

func TestTeardown(t *testing.T) {
	a := newNode(t, "a", false)
	_, _ = a.mgr.Link("b")
	_, _ = a.mgr.Link("c")
	a.mgr.Teardown(context.Background())

	if got := events(a.out.take()); !slices.Equal(got, []protocol.Event{protocol.EventLinkDestroy}) {
		t.Fatalf("published %v", got)
	}
	if len(a.mgr.Links()) != 0 {
		t.Fatal("links survived teardown")
	}
	for _, id := range []domain.ParticipantID{"b", "c"} {
		if !a.factory.Last(id).Closed() {
			t.Fatalf("connection to %s open", id)
		}
	}
	if _, err := a.mgr.Link("d"); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("link after teardown: %v", err)
	}
}

func TestFactoryErrorCreatesNoLink(t *testing.T) {
	b := newNode(t, "b", false)
	b.factory.Err = errors.New("no pc")
	b.mgr.HandleLinkRequest(context.Background(), protocol.LinkRequest{From: "a"})
	if len(b.mgr.Links()) != 0 {
		t.Fatal("link created despite factory error")
	}
	if got := b.out.take(); len(got) != 0 {
		t.Fatalf("acked without a link: %v", events(got))
	}
}
