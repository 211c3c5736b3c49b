package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type WalletAccount struct {
	UserID   string          `json:"user_id"`
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
}

// LedgerEntry is the audit line appended next to every balance mutation.
type LedgerEntry struct {
	UserID    string          `json:"user_id"`
	Kind      string          `json:"kind"` // debit, credit
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
	CreatedAt time.Time       `json:"created_at"`
}
