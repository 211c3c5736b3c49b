package services

import (
	"context"
	"errors"
	"testing"

	"consult-system/internal/protocol"
	"consult-system/internal/status"
	"consult-system/models"

	"github.com/go-redis/redismock/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type creditSpy struct{ users []string }

func (c *creditSpy) CreditReceived(_ context.Context, userID string) {
	c.users = append(c.users, userID)
}

func TestPaymentService_CreditsOncePerPayment(t *testing.T) {
	ledger := NewMemoryLedger()
	out := &recorder{}
	spy := &creditSpy{}
	svc := NewPaymentService(nil, nil, ledger, spy, out, "wallet-topup-notifications", "INR")
	ctx := context.Background()

	n := models.TopUpNotification{PaymentID: "pay-1", UserID: "u-1", Amount: decimal.NewFromInt(250), Status: "success"}

	balance, err := svc.HandleNotification(ctx, n)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(250).Equal(balance))

	_, err = svc.HandleNotification(ctx, n)
	assert.ErrorIs(t, err, status.ErrDuplicateTransition)

	after, err := ledger.Balance(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(250).Equal(after))

	assert.Equal(t, []string{"u-1"}, spy.users)
	assert.Len(t, out.user("u-1", protocol.EvtPaymentProcessed), 1)
	updates := out.user("u-1", protocol.EvtWalletBalanceUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, "INR", updates[0].Data.(protocol.WalletBalance).Currency)
}

func TestPaymentService_IgnoresFailedPayments(t *testing.T) {
	ledger := NewMemoryLedger()
	svc := NewPaymentService(nil, nil, ledger, nil, &recorder{}, "ch", "INR")

	_, err := svc.HandleNotification(context.Background(), models.TopUpNotification{
		PaymentID: "pay-2", UserID: "u-1", Amount: decimal.NewFromInt(10), Status: "failed",
	})
	require.NoError(t, err)

	balance, _ := ledger.Balance(context.Background(), "u-1")
	assert.True(t, balance.IsZero())
}

func TestPaymentService_RejectsBadNotifications(t *testing.T) {
	svc := NewPaymentService(nil, nil, NewMemoryLedger(), nil, &recorder{}, "ch", "INR")
	ctx := context.Background()

	_, err := svc.HandleNotification(ctx, models.TopUpNotification{PaymentID: "p", Amount: decimal.NewFromInt(1), Status: "success"})
	assert.ErrorIs(t, err, status.ErrMalformedCommand)

	_, err = svc.HandleNotification(ctx, models.TopUpNotification{PaymentID: "p", UserID: "u", Amount: decimal.Zero, Status: "success"})
	assert.ErrorIs(t, err, status.ErrInvalidAmount)
}

func TestPaymentService_RedisClaim(t *testing.T) {
	db, mock := redismock.NewClientMock()
	svc := NewPaymentService(nil, db, NewMemoryLedger(), nil, &recorder{}, "ch", "INR")
	ctx := context.Background()
	n := models.TopUpNotification{PaymentID: "pay-9", UserID: "u-1", Amount: decimal.NewFromInt(40), Status: "success"}

	mock.ExpectSetNX("payment:processed:pay-9", 1, processedPaymentTTL).SetVal(true)
	mock.ExpectSetNX("payment:processed:pay-9", 1, processedPaymentTTL).SetVal(false)

	_, err := svc.HandleNotification(ctx, n)
	require.NoError(t, err)
	_, err = svc.HandleNotification(ctx, n)
	assert.ErrorIs(t, err, status.ErrDuplicateTransition)

	mock.ExpectSetNX("payment:processed:pay-10", 1, processedPaymentTTL).SetErr(errors.New("down"))
	n.PaymentID = "pay-10"
	_, err = svc.HandleNotification(ctx, n)
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentService_SimulateTopUp(t *testing.T) {
	ledger := NewMemoryLedger()
	svc := NewPaymentService(nil, nil, ledger, nil, &recorder{}, "ch", "INR")

	id, balance, err := svc.SimulateTopUp(context.Background(), "u-1", decimal.NewFromInt(75))
	require.NoError(t, err)
	assert.Regexp(t, `^dev_[0-9A-F]{8}_\d+$`, id)
	assert.True(t, decimal.NewFromInt(75).Equal(balance))
}

func TestDecodeTopUp(t *testing.T) {
	n, err := decodeTopUp(map[string]any{
		"payment_id": "pay-1",
		"user_id":    "u-1",
		"amount":     "99.5",
		"status":     "success",
	})
	require.NoError(t, err)
	assert.Equal(t, "pay-1", n.PaymentID)
	assert.True(t, decimal.RequireFromString("99.5").Equal(n.Amount))

	n, err = decodeTopUp(`{"payment_id":"pay-2","user_id":"u-2","amount":10,"status":"success"}`)
	require.NoError(t, err)
	assert.Equal(t, "u-2", n.UserID)

	_, err = decodeTopUp(42)
	assert.ErrorIs(t, err, status.ErrMalformedCommand)
}
