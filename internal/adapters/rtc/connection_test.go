package rtc

import (
	"context"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/presence/internal/core/coretest"
)

func TestConnectionOfferCarriesTracks(t *testing.T) {
	f := NewFactory(webrtc.Configuration{})
	conn, err := f.New("bob")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer conn.Close()

	st, err := NewSampleSource(false).Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	defer st.Release()

	sender, err := conn.AddTrack(st.Tracks()[0])
	if err != nil {
		t.Fatalf("AddTrack() error = %v", err)
	}
	if sender.Track() != st.Tracks()[0] {
		t.Fatal("sender does not carry the added track")
	}

	offer, err := conn.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || !strings.Contains(strings.ToLower(offer.SDP), "opus") {
		t.Fatalf("offer = %v, want opus offer", offer.Type)
	}

	if err := conn.RemoveTrack(sender); err != nil {
		t.Fatalf("RemoveTrack() error = %v", err)
	}
	if err := conn.RemoveTrack(&coretest.FakeSender{}); err != ErrForeignSender {
		t.Fatalf("RemoveTrack(foreign) = %v, want ErrForeignSender", err)
	}
}

func TestConnectionAnswersRemoteOffer(t *testing.T) {
	f := NewFactory(webrtc.Configuration{})
	caller, err := f.New("callee")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer caller.Close()
	callee, err := f.New("caller")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer callee.Close()

	st, _ := NewSampleSource(false).Capture(context.Background())
	defer st.Release()
	if _, err := caller.AddTrack(st.Tracks()[0]); err != nil {
		t.Fatalf("AddTrack() error = %v", err)
	}

	offer, err := caller.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	if err := callee.SetRemoteDescription(offer); err != nil {
		t.Fatalf("SetRemoteDescription(offer) error = %v", err)
	}
	answer, err := callee.CreateAnswer()
	if err != nil {
		t.Fatalf("CreateAnswer() error = %v", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("answer type = %v", answer.Type)
	}
	if err := caller.SetRemoteDescription(answer); err != nil {
		t.Fatalf("SetRemoteDescription(answer) error = %v", err)
	}
}
