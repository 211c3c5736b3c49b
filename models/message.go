package models

import (
	"time"
)

type Message struct {
	ID             string          `json:"id"`
	ConsultationID string          `json:"consultation_id"`
	SenderID       string          `json:"sender_id"`
	Text           string          `json:"text"`
	CreatedAt      time.Time       `json:"created_at"`
	EditedAt       *time.Time      `json:"edited_at,omitempty"`
	DeletedForAll  bool            `json:"deleted_for_all"`
	HiddenFor      map[string]bool `json:"-"`
	ReadBy         map[string]bool `json:"-"`
}

// VisibleTo reports whether userID can still see the message.
func (m *Message) VisibleTo(userID string) bool {
	return !m.DeletedForAll && !m.HiddenFor[userID]
}

// ConnectionSession is the router-side view of one socket. Never persisted.
type ConnectionSession struct {
	SocketID       string          `json:"socket_id"`
	UserID         string          `json:"user_id"`
	Admin          bool            `json:"admin"`
	Joined         map[string]bool `json:"joined"`
	LastActivityAt time.Time       `json:"last_activity_at"`
}
