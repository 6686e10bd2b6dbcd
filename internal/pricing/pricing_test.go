package pricing_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/pricing"
)

func TestPrice(t *testing.T) {
	engine := pricing.NewEngine(pricing.StaticTable{
		"standard":  decimal.RequireFromString("5.00"),
		"express":   decimal.RequireFromString("12.50"),
		"overnight": decimal.RequireFromString("25"),
	})

	tests := []struct {
		name    string
		weight  string
		service string
		want    string
	}{
		{"standard ten kilos", "10", "standard", "20.00"},
		{"express fractional", "2.35", "express", "16.03"},
		{"overnight zero weight", "0", "overnight", "25.00"},
		{"unknown service falls back", "4", "drone", "11.00"},
		{"empty service falls back", "1", "", "6.50"},
		{"negative weight treated as zero", "-3", "express", "12.50"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.Price(decimal.RequireFromString(tt.weight), tt.service)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestPriceDeterministic(t *testing.T) {
	engine := pricing.NewEngine(pricing.StaticTable{"standard": decimal.NewFromInt(5)})
	w := decimal.RequireFromString("7.777")
	first := engine.Price(w, "standard")
	for i := 0; i < 10; i++ {
		assert.True(t, first.Equal(engine.Price(w, "standard").Decimal))
	}
}
