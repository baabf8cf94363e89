package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jengzang/geofence-backend-go/internal/geofence"
	"github.com/jengzang/geofence-backend-go/internal/models"
	"github.com/jengzang/geofence-backend-go/internal/service"
	"github.com/jengzang/geofence-backend-go/pkg/response"
)

const heartbeatInterval = 15 * time.Second

// MonitorHandler handles monitor control, position ingestion and the live
// alert stream
type MonitorHandler struct {
	service *service.MonitorService
}

// NewMonitorHandler creates a new monitor handler
func NewMonitorHandler(service *service.MonitorService) *MonitorHandler {
	return &MonitorHandler{service: service}
}

// PositionRequest is the body of POST /api/v1/positions
type PositionRequest struct {
	Latitude        *float64 `json:"latitude" binding:"required"`
	Longitude       *float64 `json:"longitude" binding:"required"`
	TimestampMillis int64    `json:"timestampMillis"`
	AccuracyMeters  *float64 `json:"accuracyMeters"`
}

// SourceErrorRequest is the body of POST /api/v1/positions/errors
type SourceErrorRequest struct {
	Code    geofence.ErrorCode `json:"code" binding:"required"`
	Message string             `json:"message"`
}

// Start handles POST /api/v1/monitor/start
func (h *MonitorHandler) Start(c *gin.Context) {
	status, err := h.service.Start()
	if errors.Is(err, geofence.ErrMonitorRunning) {
		response.Error(c, http.StatusConflict, "Monitoring already running", err)
		return
	}
	if err != nil {
		response.InternalError(c, "Failed to start monitoring", err)
		return
	}
	c.JSON(http.StatusAccepted, response.Response{Code: 0, Message: "monitoring requested", Data: status})
}

// Stop handles POST /api/v1/monitor/stop
func (h *MonitorHandler) Stop(c *gin.Context) {
	response.Success(c, h.service.Stop())
}

// Status handles GET /api/v1/monitor/status
func (h *MonitorHandler) Status(c *gin.Context) {
	response.Success(c, h.service.Status())
}

// PushPosition handles POST /api/v1/positions
func (h *MonitorHandler) PushPosition(c *gin.Context) {
	var req PositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request body", err)
		return
	}

	sample := models.PositionSample{
		Latitude:        *req.Latitude,
		Longitude:       *req.Longitude,
		TimestampMillis: req.TimestampMillis,
		AccuracyMeters:  req.AccuracyMeters,
	}
	if sample.TimestampMillis == 0 {
		sample.TimestampMillis = time.Now().UnixMilli()
	}

	if err := h.service.PushPosition(sample); err != nil {
		var invalid *geofence.InvalidPositionError
		if errors.As(err, &invalid) {
			response.Error(c, http.StatusUnprocessableEntity, "Invalid position", err)
			return
		}
		response.InternalError(c, "Failed to accept position", err)
		return
	}
	c.JSON(http.StatusAccepted, response.Response{Code: 0, Message: "accepted"})
}

// ReportSourceError handles POST /api/v1/positions/errors
func (h *MonitorHandler) ReportSourceError(c *gin.Context) {
	var req SourceErrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request body", err)
		return
	}

	if err := h.service.ReportSourceError(req.Code, req.Message); err != nil {
		if errors.Is(err, service.ErrUnknownErrorCode) {
			response.BadRequest(c, "Unknown error code", err)
			return
		}
		response.InternalError(c, "Failed to report error", err)
		return
	}
	c.JSON(http.StatusAccepted, response.Response{Code: 0, Message: "accepted"})
}

// StreamAlerts handles GET /api/v1/alerts/stream as server-sent events
func (h *MonitorHandler) StreamAlerts(c *gin.Context) {
	events, cancel := h.service.Subscribe(64)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("status", h.service.Status())
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(ev.Type, ev.Data)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"time": time.Now().UnixMilli()})
			return true
		}
	})
}
