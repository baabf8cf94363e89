package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jengzang/geofence-backend-go/internal/models"
	"github.com/jengzang/geofence-backend-go/internal/service"
	"github.com/jengzang/geofence-backend-go/pkg/response"
)

// TransitionHandler handles HTTP requests for the transition log
type TransitionHandler struct {
	service *service.TransitionService
}

// NewTransitionHandler creates a new transition handler
func NewTransitionHandler(service *service.TransitionService) *TransitionHandler {
	return &TransitionHandler{service: service}
}

// ListTransitions handles GET /api/v1/transitions
func (h *TransitionHandler) ListTransitions(c *gin.Context) {
	var filter models.TransitionFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.Error(c, http.StatusBadRequest, "Invalid query parameters", err)
		return
	}
	if filter.Action != "" && filter.Action != string(models.ActionEnter) && filter.Action != string(models.ActionExit) {
		response.Error(c, http.StatusBadRequest, "action must be enter or exit", nil)
		return
	}

	result, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "Failed to get transitions", err)
		return
	}
	response.Success(c, result)
}
