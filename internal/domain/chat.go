package domain

import "time"

type ChatMessage struct {
	ID         string
	SenderID   ParticipantID
	SenderName string
	Text       string
	SentAt     time.Time
}
