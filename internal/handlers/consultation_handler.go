package handlers

import (
	"log/slog"
	"net/http"

	"consult-system/internal/services"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type ConsultationHandler struct {
	engine *services.SessionService
}

func NewConsultationHandler(engine *services.SessionService) *ConsultationHandler {
	return &ConsultationHandler{engine: engine}
}

// Join queues a consultation with a provider for the requested minutes.
func (h *ConsultationHandler) Join(e *core.RequestEvent) error {
	if err := requireAuth(e); err != nil {
		return err
	}

	var req struct {
		ProviderID      string `json:"provider_id"`
		DurationMinutes int    `json:"duration_minutes"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.ProviderID == "" {
		return apis.NewBadRequestError("provider_id is required", nil)
	}

	c, err := h.engine.Join(e.Request.Context(), e.Auth.Id, req.ProviderID, req.DurationMinutes)
	if err != nil {
		slog.Info("join rejected", "user", e.Auth.Id, "provider", req.ProviderID, "error", err)
		return apiError(err)
	}
	return e.JSON(http.StatusCreated, c)
}

func (h *ConsultationHandler) Get(e *core.RequestEvent) error {
	if err := requireAuth(e); err != nil {
		return err
	}
	id := e.Request.PathValue("id")

	if err := h.engine.Authorize(id, e.Auth.Id, e.Auth.IsSuperuser()); err != nil {
		return apiError(err)
	}
	c, err := h.engine.Consultation(id)
	if err != nil {
		return apiError(err)
	}
	left, err := h.engine.TimeLeft(id)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{"consultation": c, "time_left": left.Data})
}

func (h *ConsultationHandler) Cancel(e *core.RequestEvent) error {
	if err := requireAuth(e); err != nil {
		return err
	}
	id := e.Request.PathValue("id")

	if err := h.engine.Cancel(e.Request.Context(), id, e.Auth.Id); err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{"message": "Consultation cancelled", "consultation_id": id})
}

func (h *ConsultationHandler) End(e *core.RequestEvent) error {
	if err := requireAuth(e); err != nil {
		return err
	}
	id := e.Request.PathValue("id")

	if err := h.engine.End(e.Request.Context(), id, e.Auth.Id); err != nil {
		return apiError(err)
	}
	c, err := h.engine.Consultation(id)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, c)
}

func (h *ConsultationHandler) Extend(e *core.RequestEvent) error {
	if err := requireAuth(e); err != nil {
		return err
	}

	var req struct {
		Minutes int `json:"minutes"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	c, err := h.engine.Extend(e.Request.Context(), e.Request.PathValue("id"), e.Auth.Id, req.Minutes)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, c)
}
