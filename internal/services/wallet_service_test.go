package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"consult-system/internal/status"

	"github.com/go-redis/redismock/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ledgerNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockLedger(t *testing.T) (*RedisLedger, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	l := NewRedisLedger(db)
	l.now = func() time.Time { return ledgerNow }
	return l, mock
}

func TestRedisLedger_Balance(t *testing.T) {
	l, mock := newMockLedger(t)
	ctx := context.Background()

	mock.ExpectGet("wallet:balance:u-1").SetVal("12345")
	mock.ExpectGet("wallet:balance:u-2").RedisNil()

	balance, err := l.Balance(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("123.45").Equal(balance))

	balance, err = l.Balance(ctx, "u-2")
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLedger_Debit(t *testing.T) {
	l, mock := newMockLedger(t)
	ctx := context.Background()
	amount := decimal.NewFromInt(10)

	line, err := l.entry("u-1", "debit", amount, "c-1:1")
	require.NoError(t, err)

	mock.ExpectEval(debitScript,
		[]string{"wallet:balance:u-1", "wallet:ledger:u-1"},
		int64(1000), line, -ledgerHistoryLimit,
	).SetVal([]interface{}{int64(1), int64(9000)})

	balance, err := l.Debit(ctx, "u-1", amount, "c-1:1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(90).Equal(balance))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLedger_DebitRejectedNotClamped(t *testing.T) {
	l, mock := newMockLedger(t)
	ctx := context.Background()
	amount := decimal.NewFromInt(10)

	line, err := l.entry("u-1", "debit", amount, "c-1:3")
	require.NoError(t, err)

	mock.ExpectEval(debitScript,
		[]string{"wallet:balance:u-1", "wallet:ledger:u-1"},
		int64(1000), line, -ledgerHistoryLimit,
	).SetVal([]interface{}{int64(0), int64(500)})

	balance, err := l.Debit(ctx, "u-1", amount, "c-1:3")
	assert.ErrorIs(t, err, status.ErrInsufficientFunds)
	assert.True(t, decimal.NewFromInt(5).Equal(balance))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLedger_Credit(t *testing.T) {
	l, mock := newMockLedger(t)
	ctx := context.Background()
	amount := decimal.RequireFromString("99.50")

	line, err := l.entry("u-1", "credit", amount, "pay-1")
	require.NoError(t, err)

	mock.ExpectEval(creditScript,
		[]string{"wallet:balance:u-1", "wallet:ledger:u-1"},
		int64(9950), line, -ledgerHistoryLimit,
	).SetVal(int64(10450))

	balance, err := l.Credit(ctx, "u-1", amount, "pay-1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("104.50").Equal(balance))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLedger_RejectsNonPositiveAmounts(t *testing.T) {
	l, mock := newMockLedger(t)
	ctx := context.Background()

	_, err := l.Debit(ctx, "u-1", decimal.Zero, "x")
	assert.ErrorIs(t, err, status.ErrInvalidAmount)
	_, err = l.Credit(ctx, "u-1", decimal.NewFromInt(-5), "x")
	assert.ErrorIs(t, err, status.ErrInvalidAmount)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLedger_OpenBreakerReportsUnavailable(t *testing.T) {
	l, mock := newMockLedger(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		mock.ExpectGet("wallet:balance:u-1").SetErr(errors.New("connection refused"))
	}
	for i := 0; i < 20; i++ {
		_, err := l.Balance(ctx, "u-1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, status.ErrWalletUnavailable)
	}

	_, err := l.Balance(ctx, "u-1")
	assert.ErrorIs(t, err, status.ErrWalletUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryLedger_NeverNegative(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	_, err := l.Credit(ctx, "u-1", decimal.NewFromInt(100), "seed")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Debit(ctx, "u-1", decimal.NewFromInt(7), "race"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	balance, err := l.Balance(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 14, succeeded)
	assert.True(t, decimal.NewFromInt(2).Equal(balance))
	assert.Len(t, l.Entries("u-1"), 15)
}

func TestMemoryLedger_InsufficientReturnsCurrentBalance(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	_, err := l.Credit(ctx, "u-1", decimal.NewFromInt(5), "seed")
	require.NoError(t, err)

	balance, err := l.Debit(ctx, "u-1", decimal.NewFromInt(10), "c-1:1")
	assert.ErrorIs(t, err, status.ErrInsufficientFunds)
	assert.True(t, decimal.NewFromInt(5).Equal(balance))
}
