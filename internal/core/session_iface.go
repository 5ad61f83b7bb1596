package core

import "github.com/dkeye/presence/internal/domain"

// SessionID identifies one relay websocket connection.
type SessionID string

// MemberSession binds domain.Member and its transport endpoint.
// This is what a relay room stores and fans out to.
type MemberSession interface {
	Meta() *domain.Member
	Signal() SignalConnection
	UpdateSignal(SignalConnection) MemberSession
}
