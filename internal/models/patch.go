package models

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Optional marks whether a field was present in a request. A present field
// overwrites the stored value even when it is falsy; JSON null counts as absent.
type Optional[T any] struct {
	Value T
	Set   bool
}

func Some[T any](v T) Optional[T] {
	return Optional[T]{Value: v, Set: true}
}

// Or returns the carried value when set, otherwise fallback.
func (o Optional[T]) Or(fallback T) T {
	if o.Set {
		return o.Value
	}
	return fallback
}

func (o *Optional[T]) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*o = Optional[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*o = Optional[T]{Value: v, Set: true}
	return nil
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.Set {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// ShipmentDraft is the input of shipment creation.
type ShipmentDraft struct {
	ClientID           string                    `json:"client_id"`
	OriginAddress      string                    `json:"origin_address"`
	DestinationAddress string                    `json:"destination_address"`
	SenderName         string                    `json:"sender_name"`
	SenderPhone        string                    `json:"sender_phone"`
	ReceiverName       string                    `json:"receiver_name"`
	ReceiverPhone      string                    `json:"receiver_phone"`
	WeightKg           Optional[decimal.Decimal] `json:"weight_kg"`
	ServiceType        string                    `json:"service_type"`
	EstimatedDelivery  Date                      `json:"estimated_delivery"`
	IsCOD              bool                      `json:"is_cod"`
	CODAmount          decimal.Decimal           `json:"cod_amount"`
}

// ShipmentPatch is a partial update: only fields that are Set are applied.
// Location and StatusUpdateMessage together narrate the change into the ledger.
type ShipmentPatch struct {
	OriginAddress       Optional[string]          `json:"origin_address"`
	DestinationAddress  Optional[string]          `json:"destination_address"`
	SenderName          Optional[string]          `json:"sender_name"`
	SenderPhone         Optional[string]          `json:"sender_phone"`
	ReceiverName        Optional[string]          `json:"receiver_name"`
	ReceiverPhone       Optional[string]          `json:"receiver_phone"`
	WeightKg            Optional[decimal.Decimal] `json:"weight_kg"`
	ServiceType         Optional[string]          `json:"service_type"`
	Status              Optional[ShipmentStatus]  `json:"status"`
	EstimatedDelivery   Optional[Date]            `json:"estimated_delivery"`
	IsCOD               Optional[bool]            `json:"is_cod"`
	CODAmount           Optional[decimal.Decimal] `json:"cod_amount"`
	Location            Optional[string]          `json:"location"`
	StatusUpdateMessage Optional[string]          `json:"status_update_message"`
}

// Apply merges the patch onto a copy of s. Price and COD coercion are left to
// the caller, which owns the pricing rules.
func (p ShipmentPatch) Apply(s Shipment) Shipment {
	s.OriginAddress = p.OriginAddress.Or(s.OriginAddress)
	s.DestinationAddress = p.DestinationAddress.Or(s.DestinationAddress)
	s.SenderName = p.SenderName.Or(s.SenderName)
	s.SenderPhone = p.SenderPhone.Or(s.SenderPhone)
	s.ReceiverName = p.ReceiverName.Or(s.ReceiverName)
	s.ReceiverPhone = p.ReceiverPhone.Or(s.ReceiverPhone)
	s.WeightKg = p.WeightKg.Or(s.WeightKg)
	s.ServiceType = p.ServiceType.Or(s.ServiceType)
	s.Status = p.Status.Or(s.Status)
	s.EstimatedDelivery = p.EstimatedDelivery.Or(s.EstimatedDelivery)
	s.IsCOD = p.IsCOD.Or(s.IsCOD)
	if p.CODAmount.Set {
		s.CODAmount = NewMoney(p.CODAmount.Value)
	}
	return s
}

// RepricingNeeded reports whether the patch touches a pricing input.
func (p ShipmentPatch) RepricingNeeded() bool {
	return p.WeightKg.Set || p.ServiceType.Set
}

// Narrated reports whether the patch carries both halves of a ledger entry.
func (p ShipmentPatch) Narrated() bool {
	return p.Location.Set && strings.TrimSpace(p.Location.Value) != "" &&
		p.StatusUpdateMessage.Set && strings.TrimSpace(p.StatusUpdateMessage.Value) != ""
}
