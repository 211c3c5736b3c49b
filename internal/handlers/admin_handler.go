package handlers

import (
	"log/slog"
	"net/http"

	"consult-system/internal/protocol"
	"consult-system/internal/services"
	"consult-system/models"
	"consult-system/monitoring"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type Snapshotter interface {
	Snapshot() monitoring.Snapshot
}

type AdminHandler struct {
	engine  *services.SessionService
	monitor Snapshotter
}

func NewAdminHandler(engine *services.SessionService, monitor Snapshotter) *AdminHandler {
	return &AdminHandler{engine: engine, monitor: monitor}
}

// GetDashboard - queues, active sessions and runtime health
func (h *AdminHandler) GetDashboard(e *core.RequestEvent) error {
	if err := requireSuperuser(e); err != nil {
		return err
	}

	queues := []models.QueueView{}
	for _, providerID := range h.engine.QueuedProviders() {
		queues = append(queues, h.engine.QueueView(providerID))
	}

	response := map[string]any{
		"queues":  queues,
		"active":  h.engine.ActiveSessions(),
		"metrics": h.engine.QueueMetrics(),
	}
	if h.monitor != nil {
		response["monitor"] = h.monitor.Snapshot()
	}
	return e.JSON(http.StatusOK, response)
}

func (h *AdminHandler) ForceEnd(e *core.RequestEvent) error {
	if err := requireSuperuser(e); err != nil {
		return err
	}
	id := e.Request.PathValue("id")

	if err := h.engine.ForceEnd(e.Request.Context(), id, e.Auth.Id); err != nil {
		return apiError(err)
	}
	slog.Info("admin force-end", "consultation", id, "admin", e.Auth.Id)

	c, err := h.engine.Consultation(id)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, c)
}

func (h *AdminHandler) Reroute(e *core.RequestEvent) error {
	if err := requireSuperuser(e); err != nil {
		return err
	}

	var req struct {
		ProviderID string `json:"provider_id"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.ProviderID == "" {
		return apis.NewBadRequestError("provider_id is required", nil)
	}

	id := e.Request.PathValue("id")
	c, err := h.engine.Reroute(e.Request.Context(), id, req.ProviderID, e.Auth.Id)
	if err != nil {
		return apiError(err)
	}
	slog.Info("admin reroute", "consultation", id, "to", req.ProviderID, "result", c.ID, "admin", e.Auth.Id)
	return e.JSON(http.StatusOK, c)
}

func (h *AdminHandler) Override(e *core.RequestEvent) error {
	if err := requireSuperuser(e); err != nil {
		return err
	}

	var req struct {
		Note string `json:"note"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	id := e.Request.PathValue("id")
	if err := h.engine.Override(e.Request.Context(), id, e.Auth.Id, req.Note); err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{"consultation_id": id, "override": true})
}

// SendPopup pushes a notification-popup to one user.
func (h *AdminHandler) SendPopup(e *core.RequestEvent) error {
	if err := requireSuperuser(e); err != nil {
		return err
	}

	var req struct {
		ConsultationID string `json:"consultation_id"`
		Title          string `json:"title"`
		Body           string `json:"body"`
		Level          string `json:"level"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.Title == "" && req.Body == "" {
		return apis.NewBadRequestError("title or body is required", nil)
	}

	userID := e.Request.PathValue("userId")
	popup := protocol.Popup{Title: req.Title, Body: req.Body, Level: req.Level}
	if err := h.engine.Notify(e.Request.Context(), userID, req.ConsultationID, popup); err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{"user_id": userID, "delivered": true})
}
