package cache

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/models"
)

type RateSource interface {
	ListRates(ctx context.Context) ([]models.Rate, error)
}

// RateCache is a read-mostly snapshot of the service rate table. A failed
// refresh keeps the previous snapshot.
type RateCache struct {
	mu        sync.RWMutex
	rates     map[string]decimal.Decimal
	updatedAt time.Time

	source RateSource
	logger *zap.Logger
}

func NewRateCache(source RateSource, logger *zap.Logger) *RateCache {
	return &RateCache{
		rates:  make(map[string]decimal.Decimal),
		source: source,
		logger: logger,
	}
}

func (c *RateCache) Refresh(ctx context.Context) error {
	rates, err := c.source.ListRates(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]decimal.Decimal, len(rates))
	for _, r := range rates {
		next[r.ServiceName] = r.BaseRate.Decimal
	}
	c.mu.Lock()
	c.rates = next
	c.updatedAt = time.Now().UTC()
	c.mu.Unlock()
	return nil
}

func (c *RateCache) BaseRate(serviceType string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rates[serviceType]
	return r, ok
}

func (c *RateCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rates)
}

func (c *RateCache) UpdatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updatedAt
}

func (c *RateCache) StartAutoRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("rate table refresh failed, keeping previous snapshot", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
