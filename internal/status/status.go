package status

import "errors"

var (
	ErrProviderUnavailable  = errors.New("queue: provider unavailable")
	ErrAlreadyQueued        = errors.New("queue: consultation already queued or active")
	ErrNotQueued            = errors.New("queue: consultation not queued")
	ErrInsufficientFunds    = errors.New("wallet: insufficient funds")
	ErrWalletUnavailable    = errors.New("wallet: ledger unavailable")
	ErrInvalidAmount        = errors.New("wallet: amount must be positive")
	ErrDuplicateTransition  = errors.New("session: duplicate transition")
	ErrConsultationNotFound = errors.New("session: consultation not found")
	ErrSessionExpired       = errors.New("session: session already expired")
	ErrInvalidDuration      = errors.New("session: duration must be positive")
	ErrSessionNotLive       = errors.New("session: session is not running")
	ErrUnauthorizedCommand  = errors.New("command: unauthorized")
	ErrUnknownCommand       = errors.New("command: unknown command type")
	ErrMalformedCommand     = errors.New("command: malformed payload")
	ErrRateLimited          = errors.New("command: rate limited")
	ErrEditWindowClosed     = errors.New("message: edit window closed")
	ErrMessageNotFound      = errors.New("message: message not found")
	ErrStaleConnection      = errors.New("connection: stale connection")
	ErrConnectionClosed     = errors.New("connection: connection closed")
	ErrProviderNotFound     = errors.New("provider: provider not found")
)
