package models

import (
	"time"
)

type QueueEntry struct {
	ConsultationID          string    `json:"consultation_id"`
	ProviderID              string    `json:"provider_id"`
	UserID                  string    `json:"user_id"`
	JoinedAt                time.Time `json:"joined_at"`
	DurationMinutesAllotted int       `json:"duration_minutes_allotted"`
	Position                int       `json:"queue_position"`
	EstimatedWaitSeconds    int       `json:"estimated_wait_seconds"`
	HeldForFunds            bool      `json:"held_for_funds"`
}

// Before reports FIFO order: earlier JoinedAt first, ties by consultation id.
func (e QueueEntry) Before(other QueueEntry) bool {
	if !e.JoinedAt.Equal(other.JoinedAt) {
		return e.JoinedAt.Before(other.JoinedAt)
	}
	return e.ConsultationID < other.ConsultationID
}

type QueueView struct {
	ProviderID string       `json:"provider_id"`
	Entries    []QueueEntry `json:"entries"`
	Active     *ActiveView  `json:"active,omitempty"`
}

type ActiveView struct {
	ConsultationID   string    `json:"consultation_id"`
	ProviderID       string    `json:"provider_id"`
	UserID           string    `json:"user_id"`
	Status           Status    `json:"status"`
	StartedAt        time.Time `json:"started_at"`
	RemainingSeconds int       `json:"remaining_seconds"`
}

type QueueMetrics struct {
	ProviderID       string    `json:"provider_id"`
	TotalInQueue     int       `json:"total_in_queue"`
	HeldForFunds     int       `json:"held_for_funds"`
	HasActiveSession bool      `json:"has_active_session"`
	LastUpdated      time.Time `json:"last_updated"`
}
