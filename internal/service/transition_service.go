package service

import (
	"context"

	"github.com/jengzang/geofence-backend-go/internal/models"
	"github.com/jengzang/geofence-backend-go/internal/repository"
)

// TransitionService serves the zone transition log
type TransitionService struct {
	repo *repository.TransitionRepository
}

// NewTransitionService creates a new transition service
func NewTransitionService(repo *repository.TransitionRepository) *TransitionService {
	return &TransitionService{repo: repo}
}

// List retrieves logged transitions with filtering and pagination
func (s *TransitionService) List(ctx context.Context, filter models.TransitionFilter) (*models.TransitionsResponse, error) {
	records, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	page, pageSize := filter.Page, filter.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 100
	}
	if pageSize > 1000 {
		pageSize = 1000
	}
	totalPages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		totalPages++
	}

	return &models.TransitionsResponse{
		Data:       records,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}, nil
}
