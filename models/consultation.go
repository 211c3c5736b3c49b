package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusQueued       Status = "queued"
	StatusActive       Status = "active"
	StatusWarning      Status = "warning"
	StatusFinalWarning Status = "final_warning"
	StatusEnded        Status = "ended"
)

// Live reports whether the consultation is in a billed, running state.
func (s Status) Live() bool {
	return s == StatusActive || s == StatusWarning || s == StatusFinalWarning
}

type EndReason string

const (
	EndReasonExpired           EndReason = "expired"
	EndReasonUser              EndReason = "ended_by_user"
	EndReasonProvider          EndReason = "ended_by_provider"
	EndReasonAdmin             EndReason = "admin_force_end"
	EndReasonRerouted          EndReason = "rerouted"
	EndReasonInsufficientFunds EndReason = "insufficient_funds"
	EndReasonCancelled         EndReason = "cancelled"
	EndReasonInternalError     EndReason = "internal_error"
)

type Consultation struct {
	ID                      string          `json:"id"`
	UserID                  string          `json:"user_id"`
	ProviderID              string          `json:"provider_id"`
	Status                  Status          `json:"status"`
	RatePerMinute           decimal.Decimal `json:"rate_per_minute"`
	Currency                string          `json:"currency"`
	DurationMinutesAllotted int             `json:"duration_minutes_allotted"`
	JoinedAt                time.Time       `json:"joined_at"`
	StartedAt               *time.Time      `json:"started_at,omitempty"`
	EndedAt                 *time.Time      `json:"ended_at,omitempty"`
	QueuePosition           *int            `json:"queue_position,omitempty"`
	EndReason               EndReason       `json:"end_reason,omitempty"`
	BilledMinutes           int             `json:"billed_minutes"`
}

// Allotted returns the full allotted duration.
func (c *Consultation) Allotted() time.Duration {
	return time.Duration(c.DurationMinutesAllotted) * time.Minute
}

// Elapsed is the wall time since activation, zero while queued.
func (c *Consultation) Elapsed(now time.Time) time.Duration {
	if c.StartedAt == nil {
		return 0
	}
	end := now
	if c.EndedAt != nil {
		end = *c.EndedAt
	}
	if end.Before(*c.StartedAt) {
		return 0
	}
	return end.Sub(*c.StartedAt)
}

// RemainingSeconds is recomputed from the start time rather than counted down,
// so it never drifts. Queued consultations report their full allotment.
func (c *Consultation) RemainingSeconds(now time.Time) int {
	remaining := c.Allotted() - c.Elapsed(now)
	if remaining <= 0 {
		return 0
	}
	secs := int(remaining / time.Second)
	if remaining%time.Second != 0 {
		secs++
	}
	return secs
}

func (c *Consultation) Ended() bool {
	return c.Status == StatusEnded
}

// Clone returns a copy that shares no pointers with c.
func (c *Consultation) Clone() Consultation {
	out := *c
	if c.StartedAt != nil {
		t := *c.StartedAt
		out.StartedAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	if c.QueuePosition != nil {
		p := *c.QueuePosition
		out.QueuePosition = &p
	}
	return out
}
