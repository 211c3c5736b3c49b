package handlers

import (
	"log/slog"
	"net/http"

	"consult-system/internal/services"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/shopspring/decimal"
)

type PaymentHandler struct {
	ledger   services.Ledger
	payments *services.PaymentService
	currency string
}

func NewPaymentHandler(ledger services.Ledger, payments *services.PaymentService, currency string) *PaymentHandler {
	return &PaymentHandler{ledger: ledger, payments: payments, currency: currency}
}

// GetBalance returns the caller's wallet balance.
func (h *PaymentHandler) GetBalance(e *core.RequestEvent) error {
	if err := requireAuth(e); err != nil {
		return err
	}

	balance, err := h.ledger.Balance(e.Request.Context(), e.Auth.Id)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"user_id":  e.Auth.Id,
		"balance":  balance,
		"currency": h.currency,
	})
}

// SimulateTopUp credits a wallet as if the payment collaborator had
// reported a successful top-up. Only routed in development.
func (h *PaymentHandler) SimulateTopUp(e *core.RequestEvent) error {
	if err := requireAuth(e); err != nil {
		return err
	}

	var req struct {
		UserID string          `json:"user_id"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	userID := e.Auth.Id
	if req.UserID != "" && req.UserID != userID {
		if !e.Auth.IsSuperuser() {
			return apis.NewForbiddenError("Cannot top up another user's wallet", nil)
		}
		userID = req.UserID
	}

	paymentID, balance, err := h.payments.SimulateTopUp(e.Request.Context(), userID, req.Amount)
	if err != nil {
		return apiError(err)
	}
	slog.Info("simulated top-up", "payment_id", paymentID, "user", userID, "amount", req.Amount.String())

	return e.JSON(http.StatusOK, map[string]any{
		"payment_id": paymentID,
		"user_id":    userID,
		"balance":    balance,
		"currency":   h.currency,
	})
}
