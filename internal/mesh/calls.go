package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/protocol"
)

var ErrInvalidTarget = errors.New("invalid call target")

type Mode int

const (
	ModeIdle Mode = iota
	ModeDirect
	ModeMeeting
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeMeeting:
		return "meeting"
	default:
		return "idle"
	}
}

// IncomingCall is handed to OnIncoming subscribers. MeetingID is set for room-wide meetings.
type IncomingCall struct {
	From      domain.ParticipantID
	MeetingID string
	Accept    func(ctx context.Context) error
	Reject    func(ctx context.Context) error
}

type CallResponse struct {
	From     domain.ParticipantID
	Accepted bool
}

// Calls is the call signaling overlay on top of the mesh. Direct calls and
// meetings are mutually exclusive; the last one started wins.
type Calls struct {
	self  domain.ParticipantID
	pub   core.Publisher
	mesh  *Manager
	media core.MediaSource
	log   zerolog.Logger

	mu      sync.Mutex
	mode    Mode
	peer    domain.ParticipantID
	meeting string

	subMu     sync.RWMutex
	nextSub   int
	incoming  map[int]func(IncomingCall)
	responses map[int]func(CallResponse)
}

func NewCalls(self domain.ParticipantID, pub core.Publisher, mesh *Manager, media core.MediaSource) *Calls {
	return &Calls{
		self:      self,
		pub:       pub,
		mesh:      mesh,
		media:     media,
		log:       log.With().Str("module", "mesh.calls").Str("self", string(self)).Logger(),
		incoming:  make(map[int]func(IncomingCall)),
		responses: make(map[int]func(CallResponse)),
	}
}

// Mode returns the current call mode with the direct peer or meeting id.
func (c *Calls) Mode() (mode Mode, peer domain.ParticipantID, meetingID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode, c.peer, c.meeting
}

func (c *Calls) setMode(mode Mode, peer domain.ParticipantID, meeting string) {
	c.mu.Lock()
	c.mode, c.peer, c.meeting = mode, peer, meeting
	c.mu.Unlock()
}

// EnsureMedia captures the local stream once and shares it with the mesh.
func (c *Calls) EnsureMedia(ctx context.Context) error {
	if c.mesh.HasMedia() {
		return nil
	}
	if c.media == nil {
		return ErrNoMedia
	}
	s, err := c.media.Capture(ctx)
	if err != nil {
		return fmt.Errorf("capture media: %w", err)
	}
	c.mesh.SetLocalStream(s)
	return nil
}

// RequestCall captures media and invites target. No link is created until the invitee accepts.
func (c *Calls) RequestCall(ctx context.Context, target domain.ParticipantID) error {
	if target == "" || target == c.self {
		return ErrInvalidTarget
	}
	if err := c.EnsureMedia(ctx); err != nil {
		return err
	}
	c.setMode(ModeDirect, target, "")
	c.publish(ctx, protocol.EventCallInvite, protocol.CallInvite{From: c.self, To: target})
	return nil
}

func (c *Calls) HandleInvite(ctx context.Context, msg protocol.CallInvite) {
	if msg.From == "" || msg.From == c.self {
		return
	}
	if msg.To != "" && msg.To != c.self {
		return
	}
	if msg.To == "" && msg.MeetingID == "" {
		return
	}
	from, meeting := msg.From, msg.MeetingID
	call := IncomingCall{
		From:      from,
		MeetingID: meeting,
		Accept: func(ctx context.Context) error {
			if meeting != "" {
				return c.JoinMeeting(ctx, meeting)
			}
			return c.accept(ctx, from)
		},
		Reject: func(ctx context.Context) error {
			c.publish(ctx, protocol.EventCallResponse, protocol.CallResponse{From: c.self, To: from, Accepted: false})
			return nil
		},
	}

	c.subMu.RLock()
	subs := make([]func(IncomingCall), 0, len(c.incoming))
	for _, fn := range c.incoming {
		subs = append(subs, fn)
	}
	c.subMu.RUnlock()
	if len(subs) == 0 {
		c.log.Debug().Str("from", string(from)).Msg("incoming call without handler")
	}
	for _, fn := range subs {
		fn(call)
	}
}

func (c *Calls) accept(ctx context.Context, caller domain.ParticipantID) error {
	if err := c.EnsureMedia(ctx); err != nil {
		return err
	}
	c.setMode(ModeDirect, caller, "")
	c.publish(ctx, protocol.EventCallResponse, protocol.CallResponse{From: c.self, To: caller, Accepted: true})
	c.mesh.RequestLinks(ctx, caller)
	return nil
}

func (c *Calls) HandleResponse(_ context.Context, msg protocol.CallResponse) {
	if msg.From == "" || msg.From == c.self || msg.To != c.self {
		return
	}
	if !msg.Accepted {
		c.mu.Lock()
		declined := c.mode == ModeDirect && c.peer == msg.From
		if declined {
			c.mode, c.peer = ModeIdle, ""
		}
		c.mu.Unlock()
		if declined && len(c.mesh.Links()) == 0 {
			c.mesh.ReleaseLocal()
		}
	}

	c.subMu.RLock()
	subs := make([]func(CallResponse), 0, len(c.responses))
	for _, fn := range c.responses {
		subs = append(subs, fn)
	}
	c.subMu.RUnlock()
	resp := CallResponse{From: msg.From, Accepted: msg.Accepted}
	for _, fn := range subs {
		fn(resp)
	}
}

// LeaveCall announces call-leave, closes every link, releases local media and goes idle.
func (c *Calls) LeaveCall(ctx context.Context) {
	c.publish(ctx, protocol.EventCallLeave, protocol.CallLeave{From: c.self})
	c.mesh.CloseAll()
	c.mesh.ReleaseLocal()
	c.setMode(ModeIdle, "", "")
}

// HandleLeave closes the link to the leaving participant and clears its remote media.
func (c *Calls) HandleLeave(_ context.Context, msg protocol.CallLeave) {
	if msg.From == "" || msg.From == c.self {
		return
	}
	c.mesh.CloseLink(msg.From)
	c.mu.Lock()
	if c.mode == ModeDirect && c.peer == msg.From {
		c.mode, c.peer = ModeIdle, ""
	}
	c.mu.Unlock()
}

// StartMeeting opens a room-wide meeting and returns its id. An empty id gets a fresh one.
func (c *Calls) StartMeeting(ctx context.Context, id string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if err := c.enterMeeting(ctx, id); err != nil {
		return "", err
	}
	c.publish(ctx, protocol.EventCallInvite, protocol.CallInvite{From: c.self, MeetingID: id})
	c.mesh.RequestLinks(ctx, "")
	return id, nil
}

func (c *Calls) JoinMeeting(ctx context.Context, id string) error {
	if err := c.enterMeeting(ctx, id); err != nil {
		return err
	}
	c.mesh.RequestLinks(ctx, "")
	return nil
}

func (c *Calls) LeaveMeeting(ctx context.Context) {
	c.LeaveCall(ctx)
}

func (c *Calls) enterMeeting(ctx context.Context, id string) error {
	c.mesh.DestroyAll(ctx)
	if err := c.EnsureMedia(ctx); err != nil {
		return err
	}
	c.setMode(ModeMeeting, "", id)
	return nil
}

func (c *Calls) OnIncoming(fn func(IncomingCall)) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.incoming[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.incoming, id)
		c.subMu.Unlock()
	}
}

func (c *Calls) OnResponse(fn func(CallResponse)) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.responses[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.responses, id)
		c.subMu.Unlock()
	}
}

// Reset drops subscribers and returns to idle without publishing.
func (c *Calls) Reset() {
	c.setMode(ModeIdle, "", "")
	c.subMu.Lock()
	clear(c.incoming)
	clear(c.responses)
	c.subMu.Unlock()
}

func (c *Calls) publish(ctx context.Context, event protocol.Event, msg any) {
	if err := c.pub.Publish(ctx, event, msg); err != nil {
		c.log.Warn().Err(err).Str("event", string(event)).Msg("call publish failed")
	}
}
