package handlers

import (
	"net/http"

	"consult-system/utils"

	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

type HealthHandler struct {
	redis *redis.Client
}

func NewHealthHandler(redisClient *redis.Client) *HealthHandler {
	return &HealthHandler{redis: redisClient}
}

func (h *HealthHandler) Check(e *core.RequestEvent) error {
	if h.redis == nil {
		return e.JSON(http.StatusOK, map[string]string{"status": "healthy", "redis": "disabled"})
	}
	if err := utils.RedisHealthCheck(h.redis); err != nil {
		return e.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	return e.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}
