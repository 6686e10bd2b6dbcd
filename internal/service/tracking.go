package service

import (
	"context"
	"errors"
	"strings"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/apperrors"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/models"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/repository"
)

// TrackingService answers public tracking lookups. It only reads.
type TrackingService struct {
	repo repository.ShipmentRepository
}

func NewTrackingService(repo repository.ShipmentRepository) *TrackingService {
	return &TrackingService{repo: repo}
}

func (t *TrackingService) Track(ctx context.Context, trackingNumber string) (models.TrackingSnapshot, error) {
	tn := strings.ToUpper(strings.TrimSpace(trackingNumber))
	if tn == "" {
		return models.TrackingSnapshot{}, apperrors.NotFound("no shipment found with that identifier")
	}
	sh, err := t.repo.GetByTrackingNumber(ctx, tn)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return models.TrackingSnapshot{}, apperrors.NotFound("no shipment found with that identifier")
		}
		return models.TrackingSnapshot{}, err
	}
	history, err := t.repo.History(ctx, sh.ID)
	if err != nil {
		return models.TrackingSnapshot{}, err
	}
	return models.TrackingSnapshot{Shipment: *sh, History: history}, nil
}
