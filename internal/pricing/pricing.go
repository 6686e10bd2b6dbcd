package pricing

import (
	"github.com/shopspring/decimal"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/models"
)

var (
	// DefaultBaseRate applies to service types missing from the rate table.
	DefaultBaseRate = decimal.RequireFromString("5.00")
	PerKgRate       = decimal.RequireFromString("1.5")
)

// RateTable resolves a service type to its base rate.
type RateTable interface {
	BaseRate(serviceType string) (decimal.Decimal, bool)
}

type Engine struct {
	rates RateTable
}

func NewEngine(rates RateTable) *Engine {
	return &Engine{rates: rates}
}

// Price computes base + weight*PerKgRate rounded to cents. Negative weight is
// treated as zero.
func (e *Engine) Price(weight decimal.Decimal, serviceType string) models.Money {
	if weight.IsNegative() {
		weight = decimal.Zero
	}
	base, ok := e.rates.BaseRate(serviceType)
	if !ok {
		base = DefaultBaseRate
	}
	return models.NewMoney(base.Add(weight.Mul(PerKgRate)))
}

// StaticTable is a fixed rate table, handy for tools and tests.
type StaticTable map[string]decimal.Decimal

func (t StaticTable) BaseRate(serviceType string) (decimal.Decimal, bool) {
	r, ok := t[serviceType]
	return r, ok
}
