package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"consult-system/internal/protocol"
	"consult-system/internal/status"
	"consult-system/models"
	"consult-system/utils"

	pubnub "github.com/pubnub/go"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const processedPaymentTTL = 24 * time.Hour

// CreditListener is told when a user's wallet has been credited.
type CreditListener interface {
	CreditReceived(ctx context.Context, userID string)
}

// PaymentService applies settled wallet top-ups published by the payment
// collaborator on a PubNub channel.
type PaymentService struct {
	PubNub   *pubnub.PubNub
	Redis    *redis.Client
	ledger   Ledger
	credits  CreditListener
	out      Broadcaster
	channel  string
	currency string

	mu        sync.Mutex
	processed map[string]bool
}

func NewPaymentService(pn *pubnub.PubNub, redisClient *redis.Client, ledger Ledger, credits CreditListener, out Broadcaster, channel, currency string) *PaymentService {
	return &PaymentService{
		PubNub:    pn,
		Redis:     redisClient,
		ledger:    ledger,
		credits:   credits,
		out:       out,
		channel:   channel,
		currency:  currency,
		processed: make(map[string]bool),
	}
}

// Subscribe consumes top-up notifications until ctx is cancelled.
func (s *PaymentService) Subscribe(ctx context.Context) error {
	if s.PubNub == nil {
		<-ctx.Done()
		return nil
	}

	listener := pubnub.NewListener()
	s.PubNub.AddListener(listener)
	s.PubNub.Subscribe().
		Channels([]string{s.channel}).
		Execute()
	defer func() {
		s.PubNub.Unsubscribe().Channels([]string{s.channel}).Execute()
		s.PubNub.RemoveListener(listener)
	}()

	slog.Info("subscribed to top-up notifications", "channel", s.channel)
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-listener.Status:
			if st != nil && st.Error {
				slog.Warn("pubnub status", "category", st.Category, "error", st.ErrorData)
			}
		case message := <-listener.Message:
			if message == nil {
				continue
			}
			n, err := decodeTopUp(message.Message)
			if err != nil {
				slog.Warn("unreadable top-up notification", "channel", message.Channel, "error", err)
				continue
			}
			if _, err := s.HandleNotification(ctx, n); err != nil {
				slog.Warn("top-up not applied", "payment_id", n.PaymentID, "user", n.UserID, "error", err)
			}
		}
	}
}

// HandleNotification credits the wallet for a successful top-up exactly once
// per payment id, notifies the user and releases queue holds.
func (s *PaymentService) HandleNotification(ctx context.Context, n models.TopUpNotification) (decimal.Decimal, error) {
	if n.Status != "success" {
		slog.Info("ignoring top-up", "payment_id", n.PaymentID, "status", n.Status)
		return decimal.Zero, nil
	}
	if n.UserID == "" || n.PaymentID == "" {
		return decimal.Zero, fmt.Errorf("%w: missing user or payment id", status.ErrMalformedCommand)
	}
	if !n.Amount.IsPositive() {
		return decimal.Zero, status.ErrInvalidAmount
	}

	first, err := s.claim(ctx, n.PaymentID)
	if err != nil {
		return decimal.Zero, err
	}
	if !first {
		return decimal.Zero, status.ErrDuplicateTransition
	}

	balance, err := s.ledger.Credit(ctx, n.UserID, n.Amount, "topup:"+n.PaymentID)
	if err != nil {
		s.release(ctx, n.PaymentID)
		return decimal.Zero, err
	}

	now := time.Now()
	s.out.User(n.UserID, protocol.NewEvent(protocol.EvtPaymentProcessed, "", protocol.PaymentProcessed{
		PaymentID: n.PaymentID,
		Amount:    n.Amount,
		Balance:   balance,
	}, now))
	s.out.User(n.UserID, protocol.NewEvent(protocol.EvtWalletBalanceUpdate, "", protocol.WalletBalance{
		Balance:  balance,
		Currency: s.currency,
	}, now))

	if s.credits != nil {
		s.credits.CreditReceived(ctx, n.UserID)
	}
	slog.Info("wallet topped up", "payment_id", n.PaymentID, "user", n.UserID, "amount", n.Amount.String())
	return balance, nil
}

// SimulateTopUp applies a synthetic successful top-up. Development only.
func (s *PaymentService) SimulateTopUp(ctx context.Context, userID string, amount decimal.Decimal) (string, decimal.Decimal, error) {
	code, err := utils.GenerateCode(4)
	if err != nil {
		return "", decimal.Zero, err
	}
	paymentID := fmt.Sprintf("dev_%s_%d", code, time.Now().Unix())
	balance, err := s.HandleNotification(ctx, models.TopUpNotification{
		PaymentID: paymentID,
		UserID:    userID,
		Amount:    amount,
		Status:    "success",
		Timestamp: time.Now(),
	})
	return paymentID, balance, err
}

func (s *PaymentService) claim(ctx context.Context, paymentID string) (bool, error) {
	if s.Redis != nil {
		ok, err := s.Redis.SetNX(ctx, processedKey(paymentID), 1, processedPaymentTTL).Result()
		if err != nil {
			return false, fmt.Errorf("claim payment %s: %w", paymentID, err)
		}
		return ok, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processed[paymentID] {
		return false, nil
	}
	s.processed[paymentID] = true
	return true, nil
}

func (s *PaymentService) release(ctx context.Context, paymentID string) {
	if s.Redis != nil {
		if err := s.Redis.Del(ctx, processedKey(paymentID)).Err(); err != nil {
			slog.Error("release payment claim", "payment_id", paymentID, "error", err)
		}
		return
	}
	s.mu.Lock()
	delete(s.processed, paymentID)
	s.mu.Unlock()
}

func processedKey(paymentID string) string {
	return fmt.Sprintf("payment:processed:%s", paymentID)
}

// decodeTopUp accepts the decoded JSON object PubNub hands over.
func decodeTopUp(message any) (models.TopUpNotification, error) {
	var n models.TopUpNotification

	var data []byte
	switch m := message.(type) {
	case string:
		data = []byte(m)
	case map[string]any:
		encoded, err := json.Marshal(m)
		if err != nil {
			return n, err
		}
		data = encoded
	default:
		return n, fmt.Errorf("%w: unexpected payload %T", status.ErrMalformedCommand, message)
	}

	if err := json.Unmarshal(data, &n); err != nil {
		return n, fmt.Errorf("%w: %v", status.ErrMalformedCommand, err)
	}
	return n, nil
}
