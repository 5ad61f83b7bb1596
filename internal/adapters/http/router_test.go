package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dkeye/presence/internal/app"
	"github.com/dkeye/presence/internal/app/orch"
	"github.com/dkeye/presence/internal/config"
	"github.com/dkeye/presence/internal/observability"
	"github.com/dkeye/presence/internal/protocol"
)

func newTestServer(t *testing.T) (*httptest.Server, *orch.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := prometheus.NewRegistry()
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(),
		Policy:   app.SimplePolicy{},
		Metrics:  observability.NewMetrics(reg, "presence"),
	}
	cfg := &config.Config{
		Mode:   "test",
		Secret: "test-secret",
		Relay: config.RelayConfig{
			RateLimit:  100,
			RateWindow: time.Second,
			SendQueue:  16,
		},
	}
	srv := httptest.NewServer(SetupRouter(ctx, cfg, o, reg))
	t.Cleanup(srv.Close)
	return srv, o
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/relay?" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%q) error = %v", query, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) protocol.Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	f, err := protocol.DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	return f
}

func writeFrame(t *testing.T, ws *websocket.Conn, f protocol.Frame) {
	t.Helper()
	b, err := protocol.EncodeFrame(f)
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
}

func TestRelayRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)

	alice := dial(t, srv, "participant=alice&room=plaza")
	if f := readFrame(t, alice); f.Type != protocol.FrameJoined || f.Room != "plaza" || f.Members != 1 {
		t.Fatalf("alice joined frame = %+v", f)
	}
	bob := dial(t, srv, "participant=bob&room=plaza")
	if f := readFrame(t, bob); f.Type != protocol.FrameJoined || f.Members != 2 {
		t.Fatalf("bob joined frame = %+v", f)
	}

	writeFrame(t, alice, protocol.Frame{
		Type:    protocol.FramePublish,
		Event:   protocol.EventChat,
		From:    "mallory",
		Payload: []byte(`{"text":"hi"}`),
	})

	got := readFrame(t, bob)
	if got.Type != protocol.FrameEvent || got.Event != protocol.EventChat {
		t.Fatalf("bob got %+v, want chat event", got)
	}
	if got.From != "alice" {
		t.Fatalf("From = %q, want server-set alice", got.From)
	}
	if string(got.Payload) != `{"text":"hi"}` {
		t.Fatalf("Payload = %q", got.Payload)
	}

	writeFrame(t, alice, protocol.Frame{Type: protocol.FramePing})
	if f := readFrame(t, alice); f.Type != protocol.FramePong {
		t.Fatalf("alice got %+v, want pong (no echo of own publish)", f)
	}
}

func TestRelayJoinFrameAndPublishBeforeJoin(t *testing.T) {
	srv, _ := newTestServer(t)

	carol := dial(t, srv, "participant=carol")
	writeFrame(t, carol, protocol.Frame{Type: protocol.FramePublish, Event: protocol.EventPosition, Payload: []byte("{}")})
	if f := readFrame(t, carol); f.Type != protocol.FrameError || f.Error != "not_joined" {
		t.Fatalf("publish before join = %+v, want not_joined error", f)
	}

	writeFrame(t, carol, protocol.Frame{Type: protocol.FrameJoin, Room: "lobby"})
	if f := readFrame(t, carol); f.Type != protocol.FrameJoined || f.Room != "lobby" {
		t.Fatalf("join = %+v", f)
	}

	writeFrame(t, carol, protocol.Frame{Type: protocol.FrameLeave})
	if f := readFrame(t, carol); f.Type != protocol.FrameLeft {
		t.Fatalf("leave = %+v", f)
	}
}

func TestRelayRejectsMissingParticipant(t *testing.T) {
	srv, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/relay?room=plaza"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial() without participant succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("response = %+v, want 400", resp)
	}
}

func TestRoomsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dial(t, srv, "participant=dave&room=garden")
	readFrame(t, ws)

	resp, err := http.Get(srv.URL + "/api/rooms")
	if err != nil {
		t.Fatalf("GET /api/rooms error = %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Rooms []struct {
			ID          string `json:"id"`
			MemberCount int    `json:"member_count"`
		} `json:"rooms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode rooms error = %v", err)
	}
	if len(body.Rooms) != 1 || body.Rooms[0].ID != "garden" || body.Rooms[0].MemberCount != 1 {
		t.Fatalf("rooms = %+v", body.Rooms)
	}

	metrics, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer metrics.Body.Close()
	if metrics.StatusCode != http.StatusOK {
		t.Fatalf("/metrics status = %d", metrics.StatusCode)
	}
}
