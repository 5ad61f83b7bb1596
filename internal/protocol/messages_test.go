package protocol

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestCodecByName(t *testing.T) {
	for _, name := range []string{"", "json", "cbor"} {
		if _, err := CodecByName(name); err != nil {
			t.Fatalf("CodecByName(%q) error = %v", name, err)
		}
	}
	if _, err := CodecByName("xml"); !errors.Is(err, ErrUnknownCodec) {
		t.Fatalf("CodecByName(xml) error = %v, want ErrUnknownCodec", err)
	}
}

func TestCodecsAgreeOnICEPayload(t *testing.T) {
	mid := "0"
	idx := uint16(1)
	msg := ICE{
		From: "a",
		To:   "b",
		Candidate: webrtc.ICECandidateInit{
			Candidate:     "candidate:1 1 udp 2122260223 10.0.0.2 50000 typ host",
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		},
	}
	for _, codec := range []Codec{JSON, CBOR} {
		t.Run(codec.Name(), func(t *testing.T) {
			raw, err := codec.Marshal(msg)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			var got ICE
			if err := codec.Unmarshal(raw, &got); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if got.From != "a" || got.To != "b" || got.Candidate.Candidate != msg.Candidate.Candidate {
				t.Fatalf("decoded = %+v, want %+v", got, msg)
			}
			if got.Candidate.SDPMid == nil || *got.Candidate.SDPMid != "0" {
				t.Fatalf("SDPMid lost in %s round trip", codec.Name())
			}
		})
	}
}

func TestDecodeFrameRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "{"},
		{"unknown type", `{"type":"shout"}`},
		{"join without room", `{"type":"join"}`},
		{"publish without event", `{"type":"publish","payload":"e30="}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeFrame([]byte(tc.raw)); !errors.Is(err, ErrInvalidFrame) {
				t.Fatalf("DecodeFrame() error = %v, want ErrInvalidFrame", err)
			}
		})
	}
}

func TestFrameCarriesBinaryPayload(t *testing.T) {
	raw, err := EncodeFrame(Frame{Type: FrameEvent, Event: EventChat, From: "a", Payload: []byte{0xa1, 0x00}})
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	f, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if len(f.Payload) != 2 || f.Payload[0] != 0xa1 {
		t.Fatalf("payload = %v, want [a1 00]", f.Payload)
	}
}
