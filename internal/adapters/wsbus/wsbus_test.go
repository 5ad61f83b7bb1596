package wsbus

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	router "github.com/dkeye/presence/internal/adapters/http"
	"github.com/dkeye/presence/internal/app"
	"github.com/dkeye/presence/internal/app/orch"
	"github.com/dkeye/presence/internal/config"
	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/core/coretest"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/protocol"
)

func relayURL(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(),
		Policy:   app.SimplePolicy{},
	}
	cfg := &config.Config{
		Mode:   "test",
		Secret: "test-secret",
		Relay:  config.RelayConfig{RateLimit: 1000, RateWindow: time.Second, SendQueue: 64},
	}
	srv := httptest.NewServer(router.SetupRouter(ctx, cfg, o, nil))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/relay"
}

type received struct {
	mu   sync.Mutex
	from []domain.ParticipantID
	body []string
}

func (r *received) handler(from domain.ParticipantID, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.from = append(r.from, from)
	r.body = append(r.body, string(payload))
}

func (r *received) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.body)
}

func TestPublishReachesRoomMates(t *testing.T) {
	tr := New(relayURL(t))
	ctx := context.Background()

	alice, err := tr.Open("plaza", "alice")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	bob, err := tr.Open("plaza", "bob")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer alice.Close()
	defer bob.Close()

	var aliceGot, bobGot received
	alice.OnEvent(protocol.EventChat, aliceGot.handler)
	bob.OnEvent(protocol.EventChat, bobGot.handler)

	if err := alice.Subscribe(ctx); err != nil {
		t.Fatalf("alice Subscribe() error = %v", err)
	}
	if err := bob.Subscribe(ctx); err != nil {
		t.Fatalf("bob Subscribe() error = %v", err)
	}

	for _, msg := range []string{"one", "two", "three"} {
		if err := alice.Publish(ctx, protocol.EventChat, []byte(msg)); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	coretest.Eventually(t, 2*time.Second, func() bool { return bobGot.len() == 3 }, "bob did not receive 3 messages")

	bobGot.mu.Lock()
	defer bobGot.mu.Unlock()
	for i, want := range []string{"one", "two", "three"} {
		if bobGot.body[i] != want || bobGot.from[i] != "alice" {
			t.Fatalf("message %d = %q from %q", i, bobGot.body[i], bobGot.from[i])
		}
	}
	if aliceGot.len() != 0 {
		t.Fatalf("alice received her own %d messages", aliceGot.len())
	}
}

func TestPublishStates(t *testing.T) {
	tr := New(relayURL(t))
	ch, err := tr.Open("plaza", "carol")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	ctx := context.Background()
	if err := ch.Publish(ctx, protocol.EventChat, nil); !errors.Is(err, core.ErrNotSubscribed) {
		t.Fatalf("Publish() before Subscribe = %v, want ErrNotSubscribed", err)
	}
	if err := ch.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := ch.Publish(ctx, protocol.EventChat, nil); !errors.Is(err, core.ErrClosed) {
		t.Fatalf("Publish() after Close = %v, want ErrClosed", err)
	}
}

func TestSubscribeRejectedParticipant(t *testing.T) {
	tr := New(relayURL(t))
	ch, err := tr.Open("plaza", "")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := ch.Subscribe(context.Background()); err == nil {
		t.Fatal("Subscribe() with empty participant succeeded")
	}
}

// silentRelay accepts the join and then never reads, so client pings go unanswered.
func silentRelay(t *testing.T) string {
	t.Helper()
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		b, _ := protocol.EncodeFrame(protocol.Frame{Type: protocol.FrameJoined, Room: domain.RoomID(r.URL.Query().Get("room")), Members: 1})
		_ = conn.WriteMessage(websocket.TextMessage, b)
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestUnresponsiveRelayClosesChannel(t *testing.T) {
	tr := New(silentRelay(t))
	tr.PingPeriod = 50 * time.Millisecond
	ch, err := tr.Open("plaza", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Subscribe(context.Background()); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case <-ch.(core.Lossy).Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel still open after the relay stopped answering pings")
	}
	if err := ch.Publish(context.Background(), protocol.EventChat, []byte("x")); !errors.Is(err, core.ErrClosed) {
		t.Fatalf("Publish() after loss = %v, want ErrClosed", err)
	}
}

func TestPingsKeepIdleChannelOpen(t *testing.T) {
	tr := New(relayURL(t))
	tr.PingPeriod = 50 * time.Millisecond
	ch, err := tr.Open("plaza", "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	if err := ch.Subscribe(context.Background()); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case <-ch.(core.Lossy).Done():
		t.Fatal("idle channel to a live relay was closed")
	case <-time.After(300 * time.Millisecond):
	}
}
