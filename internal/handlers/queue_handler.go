package handlers

import (
	"net/http"

	"consult-system/internal/services"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

// QueueHandler serves the provider-side read models and availability.
type QueueHandler struct {
	engine *services.SessionService
}

func NewQueueHandler(engine *services.SessionService) *QueueHandler {
	return &QueueHandler{engine: engine}
}

func (h *QueueHandler) GetQueue(e *core.RequestEvent) error {
	if err := requireAuth(e); err != nil {
		return err
	}
	return e.JSON(http.StatusOK, h.engine.QueueView(e.Request.PathValue("providerId")))
}

func (h *QueueHandler) GetActive(e *core.RequestEvent) error {
	if err := requireAuth(e); err != nil {
		return err
	}
	active := h.engine.ActiveView(e.Request.PathValue("providerId"))
	if active == nil {
		return apis.NewNotFoundError("No active consultation", nil)
	}
	return e.JSON(http.StatusOK, active)
}

// SetAvailability lets a provider, or an admin on their behalf, open or
// close their queue.
func (h *QueueHandler) SetAvailability(e *core.RequestEvent) error {
	if err := requireAuth(e); err != nil {
		return err
	}
	providerID := e.Request.PathValue("providerId")
	if e.Auth.Id != providerID && !e.Auth.IsSuperuser() {
		return apis.NewForbiddenError("Only the provider can change availability", nil)
	}

	var req struct {
		Available *bool `json:"available"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.Available == nil {
		return apis.NewBadRequestError("available is required", nil)
	}

	if err := h.engine.SetProviderAvailability(e.Request.Context(), providerID, *req.Available); err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{"provider_id": providerID, "available": *req.Available})
}
