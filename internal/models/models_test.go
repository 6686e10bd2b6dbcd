package models_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/models"
)

func TestPatchPresenceSemantics(t *testing.T) {
	var p models.ShipmentPatch
	err := json.Unmarshal([]byte(`{"weight_kg": 0, "is_cod": false, "origin_address": null, "status": "delivered"}`), &p)
	require.NoError(t, err)

	assert.True(t, p.WeightKg.Set)
	assert.True(t, p.WeightKg.Value.IsZero())
	assert.True(t, p.IsCOD.Set)
	assert.False(t, p.IsCOD.Value)
	assert.False(t, p.OriginAddress.Set, "null keeps the stored value")
	assert.False(t, p.DestinationAddress.Set)
	assert.Equal(t, models.StatusDelivered, p.Status.Value)
	assert.True(t, p.RepricingNeeded())
	assert.False(t, p.Narrated())
}

func TestPatchApply(t *testing.T) {
	current := models.Shipment{
		OriginAddress: "Dhaka",
		WeightKg:      decimal.NewFromInt(12),
		ServiceType:   "express",
		Status:        models.StatusPending,
		IsCOD:         true,
		CODAmount:     models.MustMoney("40"),
	}
	patch := models.ShipmentPatch{
		WeightKg: models.Some(decimal.Zero),
		IsCOD:    models.Some(false),
		Status:   models.Some(models.StatusInTransit),
	}

	got := patch.Apply(current)

	assert.Equal(t, "Dhaka", got.OriginAddress)
	assert.True(t, got.WeightKg.IsZero())
	assert.Equal(t, "express", got.ServiceType)
	assert.Equal(t, models.StatusInTransit, got.Status)
	assert.False(t, got.IsCOD)
	assert.Equal(t, "40.00", got.CODAmount.String())
	assert.Equal(t, models.StatusPending, current.Status, "apply works on a copy")
}

func TestNarrated(t *testing.T) {
	tests := []struct {
		name  string
		patch models.ShipmentPatch
		want  bool
	}{
		{"both", models.ShipmentPatch{Location: models.Some("Hub A"), StatusUpdateMessage: models.Some("Departed hub")}, true},
		{"location only", models.ShipmentPatch{Location: models.Some("Hub A")}, false},
		{"message only", models.ShipmentPatch{StatusUpdateMessage: models.Some("Departed hub")}, false},
		{"blank message", models.ShipmentPatch{Location: models.Some("Hub A"), StatusUpdateMessage: models.Some("  ")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.patch.Narrated())
		})
	}
}

func TestMoneyJSON(t *testing.T) {
	b, err := json.Marshal(models.NewMoney(decimal.NewFromInt(20)))
	require.NoError(t, err)
	assert.Equal(t, `"20.00"`, string(b))

	var m models.Money
	require.NoError(t, json.Unmarshal([]byte(`12.5`), &m))
	assert.Equal(t, "12.50", m.String())
}

func TestDateJSON(t *testing.T) {
	d := models.NewDate(2025, time.March, 7)
	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"2025-03-07"`, string(b))

	var got models.Date
	require.NoError(t, json.Unmarshal([]byte(`"2025-03-07T10:00:00Z"`), &got))
	assert.Equal(t, "2025-03-07", got.String())

	b, err = json.Marshal(models.Date{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))

	assert.Error(t, json.Unmarshal([]byte(`"tomorrow"`), &got))
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, models.StatusPending.CanTransition(models.StatusDelivered))
	assert.True(t, models.StatusDelayed.CanTransition(models.StatusPending))
	assert.False(t, models.StatusDelivered.CanTransition(models.StatusPending))
	assert.True(t, models.StatusDelivered.CanTransition(models.StatusDelivered))
	assert.False(t, models.ShipmentStatus("lost").Valid())
}
