package dashboard

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/memeforge/trust-engine/internal/httpapi"
)

// Handler serves the dashboard HTTP surface.
type Handler struct {
	service *Service
	hub     *Hub
}

// NewHandler creates a dashboard handler.
func NewHandler(service *Service, hub *Hub) *Handler {
	return &Handler{service: service, hub: hub}
}

// HandleData is GET /api/dashboard/data?time_range={1h,24h,7d,30d}.
func (h *Handler) HandleData(c *gin.Context) {
	rangeName := c.DefaultQuery("time_range", "24h")
	window, err := ParseTimeRange(rangeName)
	if err != nil {
		httpapi.AbortError(c, http.StatusBadRequest, httpapi.CodeValidationError, err.Error())
		return
	}

	data, err := h.service.Data(c.Request.Context(), rangeName, window)
	if err != nil {
		status, code := httpapi.ClassifyDBError(err)
		log.Error().Err(err).Msg("Dashboard data query failed")
		httpapi.AbortError(c, status, code, "Failed to build dashboard data")
		return
	}

	c.JSON(http.StatusOK, data)
}

// HandleMetrics is GET /api/dashboard/metrics.
func (h *Handler) HandleMetrics(c *gin.Context) {
	metrics, err := h.service.Metrics(c.Request.Context())
	if err != nil {
		status, code := httpapi.ClassifyDBError(err)
		log.Error().Err(err).Msg("Dashboard metrics query failed")
		httpapi.AbortError(c, status, code, "Failed to build dashboard metrics")
		return
	}

	c.JSON(http.StatusOK, metrics)
}

// HandleStream upgrades to the websocket push channel.
func (h *Handler) HandleStream(c *gin.Context) {
	h.hub.Subscribe(c)
}
