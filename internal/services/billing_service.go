package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"consult-system/internal/protocol"
	"consult-system/internal/session"
	"consult-system/internal/status"
	"consult-system/internal/store"
	"consult-system/models"

	"github.com/shopspring/decimal"
)

// CostCalculator prices a number of minutes at a frozen rate.
type CostCalculator interface {
	SessionCost(rate decimal.Decimal, minutes int) decimal.Decimal
}

type PerMinuteCost struct{}

func (PerMinuteCost) SessionCost(rate decimal.Decimal, minutes int) decimal.Decimal {
	if minutes <= 0 {
		return decimal.Zero
	}
	return rate.Mul(decimal.NewFromInt(int64(minutes)))
}

// BillingService charges every completed minute of a live session exactly
// once and decides whether the session can keep running.
type BillingService struct {
	ledger     Ledger
	store      store.Store
	cost       CostCalculator
	lowMinutes int
}

func NewBillingService(ledger Ledger, st store.Store, cost CostCalculator, lowMinutes int) *BillingService {
	if cost == nil {
		cost = PerMinuteCost{}
	}
	return &BillingService{ledger: ledger, store: st, cost: cost, lowMinutes: lowMinutes}
}

// Settle debits every minute due at now and feeds each charge back into the
// state machine. When the wallet cannot pay for a due minute, or cannot fund
// the next one, the session is ended with insufficient_funds.
func (b *BillingService) Settle(ctx context.Context, s session.State, now time.Time, th session.Thresholds) (session.State, []protocol.Event) {
	var events []protocol.Event

	for session.MinutesDue(s.Consultation, now) > 0 {
		c := s.Consultation
		minute := c.BilledMinutes + 1
		amount := LedgerAmount(b.cost.SessionCost(c.RatePerMinute, 1))

		balance, err := b.ledger.Debit(ctx, c.UserID, amount, fmt.Sprintf("%s:%d", c.ID, minute))
		if err != nil {
			return b.stop(s, amount, balance, err, now, th, events)
		}

		tick := models.BillingTick{
			ConsultationID:     c.ID,
			ProviderID:         c.ProviderID,
			UserID:             c.UserID,
			MinuteIndex:        minute,
			AmountDebited:      amount,
			WalletBalanceAfter: balance,
			CreatedAt:          c.StartedAt.Add(time.Duration(minute) * time.Minute),
		}
		if err := b.store.AppendBillingTick(ctx, tick); err != nil {
			slog.Error("append billing tick", "consultation", c.ID, "minute", minute, "error", err)
		}

		next, evs, err := session.Step(s, session.MinuteBilled{
			Tick:     tick,
			Currency: c.Currency,
			Low:      b.IsLow(balance, c.RatePerMinute),
			Now:      now,
		}, th)
		if err != nil {
			slog.Debug("minute billed", "consultation", c.ID, "minute", minute, "error", err)
			return s, events
		}
		s = next
		events = append(events, evs...)

		if s.Consultation.BilledMinutes < s.Consultation.DurationMinutesAllotted && balance.LessThan(amount) {
			return b.stop(s, amount, balance, status.ErrInsufficientFunds, tick.CreatedAt, th, events)
		}
	}
	return s, events
}

// FrozenRate is the per-minute rate a session locks in at activation,
// rounded to ledger precision so every tick records what the wallet lost.
func FrozenRate(rate decimal.Decimal) decimal.Decimal {
	return LedgerAmount(rate)
}

// PreAuthorize checks that userID can pay for minutes at rate without
// moving any money.
func (b *BillingService) PreAuthorize(ctx context.Context, userID string, rate decimal.Decimal, minutes int) (decimal.Decimal, decimal.Decimal, error) {
	required := LedgerAmount(b.cost.SessionCost(FrozenRate(rate), minutes))
	balance, err := b.ledger.Balance(ctx, userID)
	if err != nil {
		return required, decimal.Zero, err
	}
	if balance.LessThan(required) {
		return required, balance, status.ErrInsufficientFunds
	}
	return required, balance, nil
}

// IsLow reports whether balance covers fewer than the configured number of
// minutes at rate.
func (b *BillingService) IsLow(balance, rate decimal.Decimal) bool {
	if b.lowMinutes <= 0 || rate.IsZero() {
		return false
	}
	return balance.LessThan(b.cost.SessionCost(rate, b.lowMinutes))
}

func (b *BillingService) stop(s session.State, required, balance decimal.Decimal, cause error, now time.Time, th session.Thresholds, events []protocol.Event) (session.State, []protocol.Event) {
	c := s.Consultation
	msg := "Your wallet balance is too low to continue this consultation."
	if errors.Is(cause, status.ErrWalletUnavailable) {
		msg = "The wallet is temporarily unavailable."
	}
	slog.Warn("ending session on billing failure", "consultation", c.ID, "user", c.UserID, "error", cause)

	events = append(events, protocol.NewEvent(protocol.EvtWalletInsufficient, c.ID, protocol.WalletInsufficient{
		Required: required,
		Balance:  balance,
		Message:  msg,
	}, now))

	next, evs, err := session.Step(s, session.End{Reason: models.EndReasonInsufficientFunds, Now: now}, th)
	if err != nil {
		slog.Debug("end after billing failure", "consultation", c.ID, "error", err)
		return s, events
	}
	return next, append(events, evs...)
}
