package app

import "github.com/dkeye/presence/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

type Policy interface {
	OnBackPressure(room core.RoomService, member core.MemberSession) BackpressureAction
}

// SimplePolicy kicks any member whose send queue is full.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(room core.RoomService, member core.MemberSession) BackpressureAction {
	return KickMember
}

// LenientPolicy drops the frame for a slow member and keeps it in the room.
type LenientPolicy struct{}

func (LenientPolicy) OnBackPressure(room core.RoomService, member core.MemberSession) BackpressureAction {
	return DropFrame
}

func PolicyByName(name string) Policy {
	if name == "drop" {
		return LenientPolicy{}
	}
	return SimplePolicy{}
}
