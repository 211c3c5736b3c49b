package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BillingTick is one completed, charged minute. Never mutated after creation.
type BillingTick struct {
	ConsultationID     string          `json:"consultation_id"`
	ProviderID         string          `json:"provider_id"`
	UserID             string          `json:"user_id"`
	MinuteIndex        int             `json:"minute_index"`
	AmountDebited      decimal.Decimal `json:"amount_debited"`
	WalletBalanceAfter decimal.Decimal `json:"wallet_balance_after"`
	CreatedAt          time.Time       `json:"created_at"`
}

// TotalDebited sums the amounts of ticks.
func TotalDebited(ticks []BillingTick) decimal.Decimal {
	total := decimal.Zero
	for _, t := range ticks {
		total = total.Add(t.AmountDebited)
	}
	return total
}
