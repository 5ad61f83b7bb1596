// Package domain holds the participant, position, room and chat value types with their validation and merge rules.
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxParticipantIDLen = 64
	MaxDisplayNameLen   = 36
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrParticipantIDEmpty = errors.New("participant id empty")
	ErrParticipantIDLong  = errors.New("participant id too long")
)

type ParticipantID string

// NewParticipantID is a tiny helper for callers that have no stable identity.
func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

func (id ParticipantID) Validate() error {
	if id == "" {
		return ErrParticipantIDEmpty
	}
	if len(id) > MaxParticipantIDLen {
		return ErrParticipantIDLong
	}
	return nil
}

// Meta is the identity record every participant advertises about itself.
// Empty fields mean "not provided".
type Meta struct {
	DisplayName string `json:"displayName,omitempty"`
	CharacterID string `json:"characterId,omitempty"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

func (m Meta) IsEmpty() bool {
	return m.DisplayName == "" && m.CharacterID == "" && m.AvatarRef == ""
}

// Merge returns m with every non-empty field of update applied on top.
func (m Meta) Merge(update Meta) Meta {
	if update.DisplayName != "" {
		m.DisplayName = update.DisplayName
	}
	if update.CharacterID != "" {
		m.CharacterID = update.CharacterID
	}
	if update.AvatarRef != "" {
		m.AvatarRef = update.AvatarRef
	}
	return m
}

func (m *Meta) SetDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	m.DisplayName = name
	return nil
}
