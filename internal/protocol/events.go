package protocol

import (
	"encoding/json"
	"time"

	"consult-system/models"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EvtNewMessage          EventType = "new-message"
	EvtTypingStart         EventType = "typing-start"
	EvtTypingStop          EventType = "typing-stop"
	EvtMessageRead         EventType = "message-read"
	EvtMessageEdited       EventType = "message-edited"
	EvtMessageDeleted      EventType = "message-deleted"
	EvtMessageEditFailed   EventType = "message-edit-failed"
	EvtMessageDeleteFailed EventType = "message-delete-failed"
	EvtSessionTimeLeft     EventType = "session-time-left"
	EvtSessionWarning      EventType = "session-warning"
	EvtSessionAlert        EventType = "session-alert"
	EvtSessionExpired      EventType = "session-expired"
	EvtSessionExtended     EventType = "session-extended"
	EvtConsultationEnded   EventType = "consultation-ended"
	EvtWalletBalanceUpdate EventType = "wallet-balance-update"
	EvtWalletDeducted      EventType = "wallet-deducted"
	EvtWalletInsufficient  EventType = "wallet-insufficient"
	EvtPaymentProcessed    EventType = "payment-processed"
	EvtAdminOverrideActive EventType = "admin-override-active"
	EvtRerouted            EventType = "consultation-rerouted"
	EvtNotificationPopup   EventType = "notification-popup"

	EvtSessionStarted  EventType = "session-started"
	EvtQueuePosition   EventType = "queue-position"
	EvtCommandRejected EventType = "command-rejected"
)

// Privileged reports whether only the admin control plane may emit t.
func (t EventType) Privileged() bool {
	switch t {
	case EvtAdminOverrideActive, EvtRerouted, EvtNotificationPopup:
		return true
	}
	return false
}

// Event is one outbound frame. Data always holds one of the payload types
// declared below.
type Event struct {
	Type           EventType `json:"type"`
	ConsultationID string    `json:"consultation_id,omitempty"`
	Data           any       `json:"data,omitempty"`
	At             time.Time `json:"at"`
}

func NewEvent(t EventType, consultationID string, data any, at time.Time) Event {
	return Event{Type: t, ConsultationID: consultationID, Data: data, At: at}
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

type TimeLeft struct {
	Status           models.Status `json:"status"`
	RemainingSeconds int           `json:"remaining_seconds"`
	DurationMinutes  int           `json:"duration_minutes"`
}

type Warning struct {
	RemainingSeconds int    `json:"remaining_seconds"`
	Message          string `json:"message"`
}

type SessionStarted struct {
	UserID          string          `json:"user_id"`
	ProviderID      string          `json:"provider_id"`
	RatePerMinute   decimal.Decimal `json:"rate_per_minute"`
	DurationMinutes int             `json:"duration_minutes"`
	StartedAt       time.Time       `json:"started_at"`
}

type Extended struct {
	AddedMinutes     int `json:"added_minutes"`
	DurationMinutes  int `json:"duration_minutes"`
	RemainingSeconds int `json:"remaining_seconds"`
}

type Ended struct {
	Reason        models.EndReason `json:"reason"`
	EndedAt       time.Time        `json:"ended_at"`
	BilledMinutes int              `json:"billed_minutes"`
	TotalDebited  decimal.Decimal  `json:"total_debited"`
}

type WalletBalance struct {
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
	Low      bool            `json:"low"`
}

type WalletDeducted struct {
	MinuteIndex  int             `json:"minute_index"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
}

type WalletInsufficient struct {
	Required decimal.Decimal `json:"required"`
	Balance  decimal.Decimal `json:"balance"`
	Message  string          `json:"message"`
}

type PaymentProcessed struct {
	PaymentID string          `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Balance   decimal.Decimal `json:"balance"`
}

type NewMessage struct {
	Message   models.Message `json:"message"`
	ClientRef string         `json:"client_ref,omitempty"`
}

type Typing struct {
	UserID string `json:"user_id"`
}

type ReadReceipt struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
}

type MessageEdited struct {
	MessageID string    `json:"message_id"`
	Text      string    `json:"text"`
	EditedAt  time.Time `json:"edited_at"`
}

type MessageDeleted struct {
	MessageID string      `json:"message_id"`
	Scope     DeleteScope `json:"scope"`
}

type CommandFailed struct {
	Command   CommandType `json:"command"`
	MessageID string      `json:"message_id,omitempty"`
	Reason    string      `json:"reason"`
}

type AdminOverride struct {
	AdminID string `json:"admin_id"`
	Note    string `json:"note,omitempty"`
}

type Rerouted struct {
	FromProviderID    string `json:"from_provider_id"`
	ToProviderID      string `json:"to_provider_id"`
	NewConsultationID string `json:"new_consultation_id"`
}

type Popup struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Level string `json:"level,omitempty"`
}

type QueuePosition struct {
	ProviderID           string `json:"provider_id"`
	Position             int    `json:"queue_position"`
	EstimatedWaitSeconds int    `json:"estimated_wait_seconds"`
	HeldForFunds         bool   `json:"held_for_funds,omitempty"`
}
