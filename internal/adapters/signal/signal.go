// Package signal serves the room relay websocket.
package signal

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/presence/internal/app/orch"
	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
)

const (
	defaultReadLimit  = 64 << 10
	defaultPingPeriod = 54 * time.Second
	defaultSendQueue  = 256
	writeWait         = 5 * time.Second
)

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Limiter *RoomRateLimiter

	ReadLimit  int64
	PingPeriod time.Duration
	SendQueue  int
}

func NewSignalWSController(o *orch.Orchestrator, limiter *RoomRateLimiter) *SignalWSController {
	return &SignalWSController{
		Orch:       o,
		Limiter:    limiter,
		ReadLimit:  defaultReadLimit,
		PingPeriod: defaultPingPeriod,
		SendQueue:  defaultSendQueue,
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleRelay upgrades GET /api/ws/relay?participant=P[&room=R].
// A room in the query joins it right away.
func (ctl *SignalWSController) HandleRelay(ctx context.Context, c *gin.Context) {
	participant := domain.ParticipantID(c.Query("participant"))
	if err := participant.Validate(); err != nil {
		ctl.Orch.Metrics.IncRelayRejected("bad_participant")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token := c.GetString("client_token")
	sid := core.SessionID(fmt.Sprintf("%s/%s", token, uuid.NewString()))
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("participant", string(participant)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	queue := ctl.SendQueue
	if queue <= 0 {
		queue = defaultSendQueue
	}
	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, queue),
	}

	sess := core.NewMemberSession(domain.NewMember(participant, "")).UpdateSignal(conn)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.BindSignal(sid, sess, cancel)

	if room := c.Query("room"); room != "" {
		ctl.join(sid, participant, conn, domain.RoomID(room))
	}

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, sid, participant, conn)
}

func (ctl *SignalWSController) release(sid core.SessionID, participant domain.ParticipantID) {
	ctl.Orch.Disconnect(sid)
	ctl.Orch.Registry.Unbind(sid)
	if ctl.Limiter != nil {
		ctl.Limiter.Forget(participant)
	}
}
