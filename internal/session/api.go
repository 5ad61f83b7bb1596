package session

import (
	"context"

	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/mesh"
)

// ReportLocalPosition records our own sample and hands it to the throttler.
func (s *Session) ReportLocalPosition(x, y float64) {
	if s.closed.Load() {
		return
	}
	p := domain.Position{X: x, Y: y, At: s.deps.Clock.Now()}
	s.registry.RecordLocal(p)
	s.throttler.Offer(p)
	s.gate.EvaluateAll()
}

// Participants lists everyone known in the room, self included, sorted.
func (s *Session) Participants() []domain.ParticipantID {
	return s.registry.AllParticipants()
}

func (s *Session) History(id domain.ParticipantID) []domain.Position {
	return s.registry.History(id)
}

func (s *Session) Latest(id domain.ParticipantID) (domain.Position, bool) {
	return s.registry.Latest(id)
}

func (s *Session) Meta(id domain.ParticipantID) (domain.Meta, bool) {
	return s.registry.Meta(id)
}

func (s *Session) LocalMeta() domain.Meta { return s.handshake.Local() }

// UpdateMeta merges m into our metadata and rebroadcasts it if anything changed.
func (s *Session) UpdateMeta(ctx context.Context, m domain.Meta) (domain.Meta, error) {
	if s.closed.Load() {
		return domain.Meta{}, ErrSessionClosed
	}
	return s.handshake.Update(ctx, m), nil
}

func (s *Session) OnPosition(fn func(domain.ParticipantID, domain.Position)) func() {
	return s.registry.OnPosition(fn)
}

func (s *Session) OnMeta(fn func(domain.ParticipantID, domain.Meta)) func() {
	return s.registry.OnMeta(fn)
}

func (s *Session) OnExpire(fn func(domain.ParticipantID)) func() {
	return s.registry.OnExpire(fn)
}

func (s *Session) OnChat(fn func(domain.ChatMessage)) func() {
	return s.chat.Subscribe(fn)
}

func (s *Session) SendChat(ctx context.Context, text string) (domain.ChatMessage, error) {
	if s.closed.Load() {
		return domain.ChatMessage{}, ErrSessionClosed
	}
	return s.chat.Send(ctx, text)
}

func (s *Session) ChatHistory() []domain.ChatMessage { return s.chat.History() }

// StartMedia captures local media and asks the whole room to link up.
func (s *Session) StartMedia(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if err := s.calls.EnsureMedia(ctx); err != nil {
		return err
	}
	s.mesh.RequestLinks(ctx, "")
	return nil
}

// Links lists the participants we hold a peer link with.
func (s *Session) Links() []domain.ParticipantID { return s.mesh.Links() }

// Muted reports the proximity gate decision for id.
func (s *Session) Muted(id domain.ParticipantID) (muted, known bool) { return s.gate.Muted(id) }

func (s *Session) RequestCall(ctx context.Context, target domain.ParticipantID) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.calls.RequestCall(ctx, target)
}

func (s *Session) OnIncomingCall(fn func(mesh.IncomingCall)) func() {
	return s.calls.OnIncoming(fn)
}

func (s *Session) OnCallResponse(fn func(mesh.CallResponse)) func() {
	return s.calls.OnResponse(fn)
}

func (s *Session) LeaveCall(ctx context.Context) {
	if s.closed.Load() {
		return
	}
	s.calls.LeaveCall(ctx)
}

func (s *Session) StartMeeting(ctx context.Context, id string) (string, error) {
	if s.closed.Load() {
		return "", ErrSessionClosed
	}
	return s.calls.StartMeeting(ctx, id)
}

func (s *Session) JoinMeeting(ctx context.Context, id string) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.calls.JoinMeeting(ctx, id)
}

func (s *Session) LeaveMeeting(ctx context.Context) {
	if s.closed.Load() {
		return
	}
	s.calls.LeaveMeeting(ctx)
}

// CallMode reports the call overlay state.
func (s *Session) CallMode() (mesh.Mode, domain.ParticipantID, string) {
	return s.calls.Mode()
}
