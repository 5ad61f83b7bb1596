package main

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/mesh"
)

type fakeRoster struct {
	self  domain.ParticipantID
	ids   []domain.ParticipantID
	meta  map[domain.ParticipantID]domain.Meta
	pos   map[domain.ParticipantID]domain.Position
	muted map[domain.ParticipantID]bool
	links []domain.ParticipantID
}

func (f *fakeRoster) Self() domain.ParticipantID            { return f.self }
func (f *fakeRoster) Participants() []domain.ParticipantID { return f.ids }
func (f *fakeRoster) Links() []domain.ParticipantID        { return f.links }

func (f *fakeRoster) Meta(id domain.ParticipantID) (domain.Meta, bool) {
	m, ok := f.meta[id]
	return m, ok
}

func (f *fakeRoster) Latest(id domain.ParticipantID) (domain.Position, bool) {
	p, ok := f.pos[id]
	return p, ok
}

func (f *fakeRoster) Muted(id domain.ParticipantID) (bool, bool) {
	m, ok := f.muted[id]
	return m, ok
}

func TestRosterRows(t *testing.T) {
	r := &fakeRoster{
		self: "alice",
		ids:  []domain.ParticipantID{"alice", "bob", "carol"},
		meta: map[domain.ParticipantID]domain.Meta{
			"alice": {DisplayName: "Alice"},
			"bob":   {DisplayName: "Bob"},
		},
		pos: map[domain.ParticipantID]domain.Position{
			"bob": {X: 10.4, Y: -3},
		},
		muted: map[domain.ParticipantID]bool{"bob": false, "carol": true},
		links: []domain.ParticipantID{"bob"},
	}

	rows := rosterRows(r, func(domain.ParticipantID) uint64 { return 7 })
	if len(rows) != 4 {
		t.Fatalf("expected header + 3 rows, got %d", len(rows))
	}
	want := [][]string{
		{"alice", "Alice (you)", "-", "-", "-", "", ""},
		{"bob", "Bob", "10", "-3", "on", "yes", "7"},
		{"carol", "", "-", "-", "muted", "", "7"},
	}
	for i, w := range want {
		got := rows[i+1]
		for j := range w {
			if got[j] != w[j] {
				t.Fatalf("row %d col %d: expected %q, got %q", i, j, w[j], got[j])
			}
		}
	}
}

func TestCirclePoint(t *testing.T) {
	x, y := circlePoint(100, math.Pi/2, time.Second)
	if math.Abs(x) > 1e-9 || math.Abs(y-100) > 1e-9 {
		t.Fatalf("expected (0,100), got (%v,%v)", x, y)
	}
	x, y = circlePoint(100, 1, 0)
	if x != 100 || y != 0 {
		t.Fatalf("expected start at (100,0), got (%v,%v)", x, y)
	}
}

func TestParseCommand(t *testing.T) {
	cases := map[string]command{
		"hello there":     {name: "chat", arg: "hello there"},
		"  /call bob ":    {name: "call", arg: "bob"},
		"/MEETING":        {name: "meeting"},
		"/name Big  Bird": {name: "name", arg: "Big  Bird"},
		"":                {name: "chat"},
	}
	for in, want := range cases {
		if got := parseCommand(in); got != want {
			t.Fatalf("%q: expected %+v, got %+v", in, want, got)
		}
	}
}

type fakeControls struct {
	calls []string
	mode  mesh.Mode
}

func (f *fakeControls) SendChat(_ context.Context, text string) (domain.ChatMessage, error) {
	f.calls = append(f.calls, "chat:"+text)
	return domain.ChatMessage{Text: text}, nil
}

func (f *fakeControls) UpdateMeta(_ context.Context, m domain.Meta) (domain.Meta, error) {
	f.calls = append(f.calls, "name:"+m.DisplayName)
	return m, nil
}

func (f *fakeControls) StartMedia(context.Context) error {
	f.calls = append(f.calls, "media")
	return nil
}

func (f *fakeControls) RequestCall(_ context.Context, target domain.ParticipantID) error {
	f.calls = append(f.calls, "call:"+string(target))
	return nil
}

func (f *fakeControls) LeaveCall(context.Context) { f.calls = append(f.calls, "leave-call") }

func (f *fakeControls) StartMeeting(_ context.Context, id string) (string, error) {
	f.calls = append(f.calls, "meeting:"+id)
	return id, nil
}

func (f *fakeControls) JoinMeeting(_ context.Context, id string) error {
	f.calls = append(f.calls, "join:"+id)
	return nil
}

func (f *fakeControls) LeaveMeeting(context.Context) { f.calls = append(f.calls, "leave-meeting") }

func (f *fakeControls) CallMode() (mesh.Mode, domain.ParticipantID, string) {
	return f.mode, "", ""
}

func TestRunCommand(t *testing.T) {
	ctx := context.Background()
	c := &fakeControls{}
	for _, line := range []string{"hi", "", "/name Zed", "/media", "/call bob", "/meeting m1", "/join m2", "/leave"} {
		if err := runCommand(ctx, c, parseCommand(line)); err != nil {
			t.Fatalf("%q: %v", line, err)
		}
	}
	c.mode = mesh.ModeMeeting
	if err := runCommand(ctx, c, parseCommand("/leave")); err != nil {
		t.Fatal(err)
	}

	want := []string{"chat:hi", "name:Zed", "media", "call:bob", "meeting:m1", "join:m2", "leave-call", "leave-meeting"}
	if len(c.calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, c.calls)
	}
	for i := range want {
		if c.calls[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, c.calls)
		}
	}

	if err := runCommand(ctx, c, parseCommand("/bogus")); err == nil {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}
