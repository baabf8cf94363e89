package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jengzang/geofence-backend-go/internal/geofence"
	"github.com/jengzang/geofence-backend-go/internal/models"
	"github.com/jengzang/geofence-backend-go/internal/service"
	"github.com/jengzang/geofence-backend-go/pkg/response"
)

// ZoneHandler handles HTTP requests for the zone catalog
type ZoneHandler struct {
	service *service.ZoneService
}

// NewZoneHandler creates a new zone handler
func NewZoneHandler(service *service.ZoneService) *ZoneHandler {
	return &ZoneHandler{service: service}
}

// ReplaceZonesRequest is the body of PUT /api/v1/zones
type ReplaceZonesRequest struct {
	Zones []models.Zone `json:"zones" binding:"required"`
}

// ListZones handles GET /api/v1/zones
func (h *ZoneHandler) ListZones(c *gin.Context) {
	zones := h.service.List()
	response.Success(c, gin.H{
		"zones": zones,
		"total": len(zones),
	})
}

// ActiveZones handles GET /api/v1/zones/active?at=HH:MM
func (h *ZoneHandler) ActiveZones(c *gin.Context) {
	var at *models.TimeOfDay
	if raw := c.Query("at"); raw != "" {
		tod, err := models.ParseTimeOfDay(raw)
		if err != nil {
			response.BadRequest(c, "Invalid time of day", err)
			return
		}
		at = &tod
	}

	zones := h.service.Active(at)
	response.Success(c, gin.H{
		"zones": zones,
		"total": len(zones),
	})
}

// GetZone handles GET /api/v1/zones/:id
func (h *ZoneHandler) GetZone(c *gin.Context) {
	zone, err := h.service.Get(c.Param("id"))
	if errors.Is(err, service.ErrZoneNotFound) {
		response.NotFound(c, "Zone not found")
		return
	}
	if err != nil {
		response.InternalError(c, "Failed to get zone", err)
		return
	}
	response.Success(c, zone)
}

// ReplaceZones handles PUT /api/v1/zones
func (h *ZoneHandler) ReplaceZones(c *gin.Context) {
	var req ReplaceZonesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request body", err)
		return
	}

	err := h.service.Replace(c.Request.Context(), req.Zones)
	var invalid *geofence.InvalidZoneError
	switch {
	case errors.As(err, &invalid):
		response.Error(c, http.StatusUnprocessableEntity, "Invalid zone", err)
		return
	case errors.Is(err, service.ErrCatalogLocked):
		response.Error(c, http.StatusConflict, "Stop monitoring before replacing zones", err)
		return
	case err != nil:
		response.InternalError(c, "Failed to replace zones", err)
		return
	}

	response.Success(c, gin.H{"total": len(req.Zones)})
}
