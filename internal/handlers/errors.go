package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"consult-system/internal/status"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

// apiError maps domain errors onto HTTP errors.
func apiError(err error) error {
	switch {
	case errors.Is(err, status.ErrConsultationNotFound),
		errors.Is(err, status.ErrProviderNotFound),
		errors.Is(err, status.ErrMessageNotFound),
		errors.Is(err, status.ErrNotQueued):
		return apis.NewNotFoundError(err.Error(), nil)
	case errors.Is(err, status.ErrUnauthorizedCommand):
		return apis.NewForbiddenError(err.Error(), nil)
	case errors.Is(err, status.ErrInsufficientFunds):
		return apis.NewApiError(http.StatusPaymentRequired, err.Error(), nil)
	case errors.Is(err, status.ErrAlreadyQueued),
		errors.Is(err, status.ErrSessionExpired),
		errors.Is(err, status.ErrSessionNotLive),
		errors.Is(err, status.ErrDuplicateTransition):
		return apis.NewApiError(http.StatusConflict, err.Error(), nil)
	case errors.Is(err, status.ErrWalletUnavailable):
		return apis.NewApiError(http.StatusServiceUnavailable, err.Error(), nil)
	case errors.Is(err, status.ErrProviderUnavailable),
		errors.Is(err, status.ErrInvalidDuration),
		errors.Is(err, status.ErrInvalidAmount),
		errors.Is(err, status.ErrMalformedCommand):
		return apis.NewBadRequestError(err.Error(), nil)
	}
	slog.Error("unhandled error", "error", err)
	return apis.NewInternalServerError("Something went wrong", nil)
}

func requireAuth(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}
	return nil
}

func requireSuperuser(e *core.RequestEvent) error {
	if e.Auth == nil || !e.Auth.IsSuperuser() {
		return apis.NewForbiddenError("Admin access required", nil)
	}
	return nil
}
