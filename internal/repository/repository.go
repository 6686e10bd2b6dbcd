package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/apperrors"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/models"
)

// ShipmentRepository owns shipments and their history ledger. Writes that touch
// both happen atomically.
type ShipmentRepository interface {
	// CreateShipment stores s together with its seed ledger entry. seed.ID and
	// seed.Timestamp are filled in on success.
	CreateShipment(ctx context.Context, s *models.Shipment, seed *models.HistoryUpdate) error
	// UpdateShipment overwrites the stored row and appends entry when it is not nil.
	UpdateShipment(ctx context.Context, s *models.Shipment, entry *models.HistoryUpdate) error
	DeleteShipment(ctx context.Context, id string) error
	GetShipment(ctx context.Context, id string) (*models.Shipment, error)
	GetByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Shipment, error)
	ListShipments(ctx context.Context) ([]models.Shipment, error)
	ListByClient(ctx context.Context, clientID string) ([]models.Shipment, error)
	// History returns the ledger of a shipment, most recent first.
	History(ctx context.Context, shipmentID string) ([]models.HistoryUpdate, error)
	Stats(ctx context.Context) (models.Stats, error)
	RecentActivity(ctx context.Context, limit int) ([]models.Activity, error)
}

type RateRepository interface {
	ListRates(ctx context.Context) ([]models.Rate, error)
	GetRateByName(ctx context.Context, name string) (*models.Rate, error)
	CreateRate(ctx context.Context, r *models.Rate) error
	UpdateRate(ctx context.Context, r *models.Rate) error
	DeleteRate(ctx context.Context, id int64) error
}

type UserRepository interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	ListByRole(ctx context.Context, role models.Role) ([]models.User, error)
	UpdateRole(ctx context.Context, id string, role models.Role) (*models.User, error)
	DeleteUser(ctx context.Context, id string) error
}

const uniqueViolation = "23505"

// ErrTrackingNumberTaken matches, via errors.Is, a unique violation on the
// shipment tracking number.
var ErrTrackingNumberTaken = &apperrors.Error{Kind: apperrors.KindConflict, Msg: "tracking number already in use"}

// mapErr converts driver errors into domain errors. op names the failed
// operation for the logs.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return &apperrors.Error{Kind: apperrors.KindConflict, Msg: uniqueMessage(pqErr.Constraint), Err: err}
	}
	return apperrors.Storage(op, err)
}

func uniqueMessage(constraint string) string {
	switch constraint {
	case "shipments_tracking_number_key":
		return ErrTrackingNumberTaken.Msg
	case "users_email_key":
		return "user with that email already exists"
	case "service_rates_service_name_key":
		return "service rate with that name already exists"
	}
	return "duplicate value"
}

func notFoundIfNoRows(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound("%s %s not found", what, id)
	}
	return err
}

// checkUUID rejects ids that cannot be a UUID primary key, so malformed ids
// surface as not found rather than as a driver error.
func checkUUID(what, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperrors.NotFound("%s %s not found", what, id)
	}
	return nil
}
