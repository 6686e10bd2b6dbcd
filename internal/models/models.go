package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ShipmentStatus string

const (
	StatusPending   ShipmentStatus = "pending"
	StatusInTransit ShipmentStatus = "in_transit"
	StatusDelivered ShipmentStatus = "delivered"
	StatusDelayed   ShipmentStatus = "delayed"
)

func (s ShipmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInTransit, StatusDelivered, StatusDelayed:
		return true
	}
	return false
}

// strictTransitions lists allowed next states when transition checking is on.
// Statuses missing here may move anywhere.
var strictTransitions = map[ShipmentStatus][]ShipmentStatus{
	StatusDelivered: {StatusDelivered},
}

// CanTransition reports whether a strict lifecycle allows moving from s to next.
func (s ShipmentStatus) CanTransition(next ShipmentStatus) bool {
	allowed, restricted := strictTransitions[s]
	if !restricted {
		return true
	}
	for _, a := range allowed {
		if a == next {
			return true
		}
	}
	return false
}

type Shipment struct {
	ID                 string          `json:"id"`
	TrackingNumber     string          `json:"tracking_number"`
	ClientID           string          `json:"client_id"`
	OriginAddress      string          `json:"origin_address"`
	DestinationAddress string          `json:"destination_address"`
	SenderName         string          `json:"sender_name"`
	SenderPhone        string          `json:"sender_phone"`
	ReceiverName       string          `json:"receiver_name"`
	ReceiverPhone      string          `json:"receiver_phone"`
	WeightKg           decimal.Decimal `json:"weight_kg"`
	ServiceType        string          `json:"service_type"`
	Price              Money           `json:"price"`
	Status             ShipmentStatus  `json:"status"`
	EstimatedDelivery  Date            `json:"estimated_delivery"`
	IsCOD              bool            `json:"is_cod"`
	CODAmount          Money           `json:"cod_amount"`
	CreatedAt          time.Time       `json:"created_at"`
}

// HistoryUpdate is one append-only ledger entry narrating a shipment's journey.
type HistoryUpdate struct {
	ID           int64     `json:"id"`
	ShipmentID   string    `json:"shipment_id"`
	Location     string    `json:"location"`
	StatusUpdate string    `json:"status_update"`
	Timestamp    time.Time `json:"timestamp"`
}

// TrackingSnapshot is what the public tracking read and the live channel
// deliver: the shipment plus its history, most recent first.
type TrackingSnapshot struct {
	Shipment Shipment        `json:"shipment"`
	History  []HistoryUpdate `json:"history"`
}

type Activity struct {
	ID             int64     `json:"id"`
	TrackingNumber string    `json:"tracking_number"`
	Location       string    `json:"location"`
	StatusUpdate   string    `json:"status_update"`
	Timestamp      time.Time `json:"timestamp"`
}

type Stats struct {
	Total     int `json:"total"`
	InTransit int `json:"inTransit"`
	Delivered int `json:"delivered"`
	Delayed   int `json:"delayed"`
}

type Rate struct {
	ID          int64  `json:"id"`
	ServiceName string `json:"service_name"`
	BaseRate    Money  `json:"base_rate"`
}

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleStaff  Role = "staff"
	RoleClient Role = "client"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleStaff || r == RoleClient
}

type User struct {
	ID           string    `json:"id"`
	FullName     string    `json:"full_name"`
	Email        string    `json:"email"`
	Role         Role      `json:"role"`
	PasswordHash []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
