package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/access"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/apperrors"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/models"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/repository"
)

// Refresher reloads the cached rate table.
type Refresher interface {
	Refresh(ctx context.Context) error
}

type RateService struct {
	repo   repository.RateRepository
	cache  Refresher
	logger *zap.Logger
}

func NewRateService(repo repository.RateRepository, cache Refresher, logger *zap.Logger) *RateService {
	return &RateService{repo: repo, cache: cache, logger: logger}
}

func validateRate(r *models.Rate) error {
	r.ServiceName = strings.TrimSpace(r.ServiceName)
	if r.ServiceName == "" || !r.BaseRate.IsPositive() {
		return apperrors.Validation("Service name and base rate are required.")
	}
	r.BaseRate = models.NewMoney(r.BaseRate.Decimal)
	return nil
}

func (s *RateService) List(ctx context.Context, caller access.Caller) ([]models.Rate, error) {
	if err := access.Require(caller, access.StaffOrAdmin...); err != nil {
		return nil, err
	}
	return s.repo.ListRates(ctx)
}

func (s *RateService) Create(ctx context.Context, caller access.Caller, r models.Rate) (*models.Rate, error) {
	if err := access.Require(caller, models.RoleAdmin); err != nil {
		return nil, err
	}
	if err := validateRate(&r); err != nil {
		return nil, err
	}
	r.ID = 0
	if err := s.repo.CreateRate(ctx, &r); err != nil {
		return nil, err
	}
	s.refresh(ctx)
	return &r, nil
}

func (s *RateService) Update(ctx context.Context, caller access.Caller, id int64, r models.Rate) (*models.Rate, error) {
	if err := access.Require(caller, models.RoleAdmin); err != nil {
		return nil, err
	}
	if err := validateRate(&r); err != nil {
		return nil, err
	}
	r.ID = id
	if err := s.repo.UpdateRate(ctx, &r); err != nil {
		return nil, rateNotFound(err)
	}
	s.refresh(ctx)
	return &r, nil
}

func (s *RateService) Delete(ctx context.Context, caller access.Caller, id int64) error {
	if err := access.Require(caller, models.RoleAdmin); err != nil {
		return err
	}
	if err := s.repo.DeleteRate(ctx, id); err != nil {
		return rateNotFound(err)
	}
	s.refresh(ctx)
	return nil
}

// Seed inserts rates whose service name is not stored yet.
func (s *RateService) Seed(ctx context.Context, rates []models.Rate) error {
	for _, r := range rates {
		if err := validateRate(&r); err != nil {
			return err
		}
		_, err := s.repo.GetRateByName(ctx, r.ServiceName)
		if err == nil {
			continue
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		if err := s.repo.CreateRate(ctx, &r); err != nil && !errors.Is(err, apperrors.ErrConflict) {
			return err
		}
		s.logger.Info("seeded service rate", zap.String("service_name", r.ServiceName))
	}
	s.refresh(ctx)
	return nil
}

// refresh keeps the pricing snapshot in step with the table. A failed refresh
// leaves the old snapshot until the next tick.
func (s *RateService) refresh(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Refresh(ctx); err != nil {
		s.logger.Warn("rate cache refresh failed", zap.Error(err))
	}
}

func rateNotFound(err error) error {
	if errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.NotFound("Rate not found.")
	}
	return err
}
