package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"consult-system/internal/status"
	"consult-system/models"
	"consult-system/utils"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Ledger is the wallet collaborator. Every mutation is a single atomic step;
// a debit that would take the balance below zero is rejected, never clamped.
// On ErrInsufficientFunds the returned balance is the untouched current one.
type Ledger interface {
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	Debit(ctx context.Context, userID string, amount decimal.Decimal, reference string) (decimal.Decimal, error)
	Credit(ctx context.Context, userID string, amount decimal.Decimal, reference string) (decimal.Decimal, error)
}

const ledgerHistoryLimit = 1000

// debitScript checks and decrements in one server-side step so two sessions
// (or a session and a top-up) can never interleave a read and a write.
const debitScript = `
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
if balance < amount then
	return {0, balance}
end
local after = redis.call('DECRBY', KEYS[1], amount)
redis.call('RPUSH', KEYS[2], ARGV[2])
redis.call('LTRIM', KEYS[2], ARGV[3], -1)
return {1, after}
`

const creditScript = `
local after = redis.call('INCRBY', KEYS[1], ARGV[1])
redis.call('RPUSH', KEYS[2], ARGV[2])
redis.call('LTRIM', KEYS[2], ARGV[3], -1)
return after
`

// RedisLedger keeps balances in minor units (two decimal places) under
// wallet:balance:<user>.
type RedisLedger struct {
	Redis   *redis.Client
	breaker *utils.CircuitBreaker
	now     func() time.Time
}

func NewRedisLedger(redisClient *redis.Client) *RedisLedger {
	return &RedisLedger{
		Redis:   redisClient,
		breaker: utils.NewCircuitBreaker("wallet-ledger"),
		now:     time.Now,
	}
}

func balanceKey(userID string) string {
	return fmt.Sprintf("wallet:balance:%s", userID)
}

func ledgerKey(userID string) string {
	return fmt.Sprintf("wallet:ledger:%s", userID)
}

// LedgerPlaces is the precision every wallet movement is kept at.
const LedgerPlaces = 2

// LedgerAmount rounds amount to what the ledger can actually move.
func LedgerAmount(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(LedgerPlaces)
}

func toMinor(amount decimal.Decimal) int64 {
	return amount.Shift(LedgerPlaces).Round(0).IntPart()
}

func fromMinor(v int64) decimal.Decimal {
	return decimal.New(v, -LedgerPlaces)
}

func (l *RedisLedger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	res, err := l.breaker.Execute(ctx, func() (any, error) {
		v, err := l.Redis.Get(ctx, balanceKey(userID)).Int64()
		if errors.Is(err, redis.Nil) {
			return int64(0), nil
		}
		return v, err
	})
	if err != nil {
		return decimal.Zero, l.wrap(err)
	}
	return fromMinor(res.(int64)), nil
}

func (l *RedisLedger) Debit(ctx context.Context, userID string, amount decimal.Decimal, reference string) (decimal.Decimal, error) {
	minor := toMinor(amount)
	if minor <= 0 {
		return decimal.Zero, status.ErrInvalidAmount
	}
	line, err := l.entry(userID, "debit", amount, reference)
	if err != nil {
		return decimal.Zero, err
	}

	res, err := l.breaker.Execute(ctx, func() (any, error) {
		return l.Redis.Eval(ctx, debitScript,
			[]string{balanceKey(userID), ledgerKey(userID)},
			minor, line, -ledgerHistoryLimit,
		).Slice()
	})
	if err != nil {
		return decimal.Zero, l.wrap(err)
	}

	ok, balance, err := parseDebitResult(res.([]any))
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return fromMinor(balance), status.ErrInsufficientFunds
	}
	return fromMinor(balance), nil
}

func (l *RedisLedger) Credit(ctx context.Context, userID string, amount decimal.Decimal, reference string) (decimal.Decimal, error) {
	minor := toMinor(amount)
	if minor <= 0 {
		return decimal.Zero, status.ErrInvalidAmount
	}
	line, err := l.entry(userID, "credit", amount, reference)
	if err != nil {
		return decimal.Zero, err
	}

	res, err := l.breaker.Execute(ctx, func() (any, error) {
		return l.Redis.Eval(ctx, creditScript,
			[]string{balanceKey(userID), ledgerKey(userID)},
			minor, line, -ledgerHistoryLimit,
		).Int64()
	})
	if err != nil {
		return decimal.Zero, l.wrap(err)
	}
	return fromMinor(res.(int64)), nil
}

func (l *RedisLedger) entry(userID, kind string, amount decimal.Decimal, reference string) (string, error) {
	data, err := json.Marshal(models.LedgerEntry{
		UserID:    userID,
		Kind:      kind,
		Amount:    amount,
		Reference: reference,
		CreatedAt: l.now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (l *RedisLedger) wrap(err error) error {
	if errors.Is(err, utils.ErrOpenState) || errors.Is(err, utils.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", status.ErrWalletUnavailable, err)
	}
	return fmt.Errorf("wallet ledger: %w", err)
}

func parseDebitResult(values []any) (bool, int64, error) {
	if len(values) != 2 {
		return false, 0, fmt.Errorf("wallet ledger: unexpected debit result %v", values)
	}
	flag, ok1 := values[0].(int64)
	balance, ok2 := values[1].(int64)
	if !ok1 || !ok2 {
		return false, 0, fmt.Errorf("wallet ledger: unexpected debit result %v", values)
	}
	return flag == 1, balance, nil
}

// MemoryLedger is a process-local ledger guarded by one mutex.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	entries  map[string][]models.LedgerEntry
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]int64),
		entries:  make(map[string][]models.LedgerEntry),
	}
}

func (l *MemoryLedger) Balance(_ context.Context, userID string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fromMinor(l.balances[userID]), nil
}

func (l *MemoryLedger) Debit(_ context.Context, userID string, amount decimal.Decimal, reference string) (decimal.Decimal, error) {
	minor := toMinor(amount)
	if minor <= 0 {
		return decimal.Zero, status.ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.balances[userID]
	if balance < minor {
		return fromMinor(balance), status.ErrInsufficientFunds
	}
	l.balances[userID] = balance - minor
	l.record(userID, "debit", amount, reference)
	return fromMinor(l.balances[userID]), nil
}

func (l *MemoryLedger) Credit(_ context.Context, userID string, amount decimal.Decimal, reference string) (decimal.Decimal, error) {
	minor := toMinor(amount)
	if minor <= 0 {
		return decimal.Zero, status.ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances[userID] += minor
	l.record(userID, "credit", amount, reference)
	return fromMinor(l.balances[userID]), nil
}

// Entries returns a copy of the audit lines for userID.
func (l *MemoryLedger) Entries(userID string) []models.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.LedgerEntry(nil), l.entries[userID]...)
}

func (l *MemoryLedger) record(userID, kind string, amount decimal.Decimal, reference string) {
	l.entries[userID] = append(l.entries[userID], models.LedgerEntry{
		UserID:    userID,
		Kind:      kind,
		Amount:    amount,
		Reference: reference,
		CreatedAt: time.Now().UTC(),
	})
}
