package repository

import (
	"context"
	"database/sql"
	"fmt"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/apperrors"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/models"
)

const shipmentColumns = `id, tracking_number, client_id, origin_address, destination_address,
			sender_name, sender_phone, receiver_name, receiver_phone,
			weight_kg, service_type, price, status, estimated_delivery,
			is_cod, cod_amount, created_at`

const updateColumns = `id, shipment_id, location, status_update, "timestamp"`

type PostgresShipmentRepository struct {
	db *sql.DB
}

func NewPostgresShipmentRepository(db *sql.DB) *PostgresShipmentRepository {
	return &PostgresShipmentRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShipment(row rowScanner) (*models.Shipment, error) {
	s := &models.Shipment{}
	err := row.Scan(
		&s.ID, &s.TrackingNumber, &s.ClientID, &s.OriginAddress, &s.DestinationAddress,
		&s.SenderName, &s.SenderPhone, &s.ReceiverName, &s.ReceiverPhone,
		&s.WeightKg, &s.ServiceType, &s.Price, &s.Status, &s.EstimatedDelivery,
		&s.IsCOD, &s.CODAmount, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}

func (r *PostgresShipmentRepository) CreateShipment(ctx context.Context, s *models.Shipment, seed *models.HistoryUpdate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("begin create shipment", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `INSERT INTO shipments (` + shipmentColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`
	_, err = tx.ExecContext(ctx, query,
		s.ID, s.TrackingNumber, s.ClientID, s.OriginAddress, s.DestinationAddress,
		s.SenderName, s.SenderPhone, s.ReceiverName, s.ReceiverPhone,
		s.WeightKg, s.ServiceType, s.Price, s.Status, s.EstimatedDelivery,
		s.IsCOD, s.CODAmount, s.CreatedAt,
	)
	if err != nil {
		return mapErr("create shipment", err)
	}

	seed.ShipmentID = s.ID
	if err := appendUpdate(ctx, tx, seed); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapErr("commit create shipment", err)
	}
	return nil
}

// appendUpdate inserts a ledger entry. The timestamp is clamped so it never
// goes below the latest entry of the same shipment.
func appendUpdate(ctx context.Context, tx *sql.Tx, u *models.HistoryUpdate) error {
	query := `INSERT INTO shipment_updates (shipment_id, location, status_update, "timestamp")
		VALUES ($1, $2, $3, GREATEST($4::timestamptz,
			COALESCE((SELECT MAX("timestamp") FROM shipment_updates WHERE shipment_id = $1), $4::timestamptz)))
		RETURNING id, "timestamp"`
	err := tx.QueryRowContext(ctx, query, u.ShipmentID, u.Location, u.StatusUpdate, u.Timestamp).
		Scan(&u.ID, &u.Timestamp)
	if err != nil {
		return mapErr("append shipment update", err)
	}
	u.Timestamp = u.Timestamp.UTC()
	return nil
}

func (r *PostgresShipmentRepository) UpdateShipment(ctx context.Context, s *models.Shipment, entry *models.HistoryUpdate) error {
	if err := checkUUID("shipment", s.ID); err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("begin update shipment", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `UPDATE shipments SET
			origin_address=$1, destination_address=$2,
			sender_name=$3, sender_phone=$4, receiver_name=$5, receiver_phone=$6,
			weight_kg=$7, service_type=$8, price=$9, status=$10, estimated_delivery=$11,
			is_cod=$12, cod_amount=$13
		WHERE id=$14`
	res, err := tx.ExecContext(ctx, query,
		s.OriginAddress, s.DestinationAddress,
		s.SenderName, s.SenderPhone, s.ReceiverName, s.ReceiverPhone,
		s.WeightKg, s.ServiceType, s.Price, s.Status, s.EstimatedDelivery,
		s.IsCOD, s.CODAmount,
		s.ID,
	)
	if err != nil {
		return mapErr("update shipment", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("shipment %s not found", s.ID)
	}

	if entry != nil {
		entry.ShipmentID = s.ID
		if err := appendUpdate(ctx, tx, entry); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return mapErr("commit update shipment", err)
	}
	return nil
}

func (r *PostgresShipmentRepository) DeleteShipment(ctx context.Context, id string) error {
	if err := checkUUID("shipment", id); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM shipments WHERE id=$1`, id)
	if err != nil {
		return mapErr("delete shipment", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("shipment %s not found", id)
	}
	return nil
}

func (r *PostgresShipmentRepository) GetShipment(ctx context.Context, id string) (*models.Shipment, error) {
	if err := checkUUID("shipment", id); err != nil {
		return nil, err
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE id=$1`, id)
	s, err := scanShipment(row)
	if err != nil {
		return nil, mapErr("get shipment", notFoundIfNoRows(err, "shipment", id))
	}
	return s, nil
}

func (r *PostgresShipmentRepository) GetByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Shipment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE tracking_number=$1`, trackingNumber)
	s, err := scanShipment(row)
	if err != nil {
		return nil, mapErr("get shipment by tracking number", notFoundIfNoRows(err, "shipment", trackingNumber))
	}
	return s, nil
}

func (r *PostgresShipmentRepository) ListShipments(ctx context.Context) ([]models.Shipment, error) {
	return r.list(ctx, `SELECT `+shipmentColumns+` FROM shipments ORDER BY created_at DESC, id`)
}

func (r *PostgresShipmentRepository) ListByClient(ctx context.Context, clientID string) ([]models.Shipment, error) {
	return r.list(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE client_id=$1 ORDER BY created_at DESC, id`, clientID)
}

func (r *PostgresShipmentRepository) list(ctx context.Context, query string, args ...any) ([]models.Shipment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list shipments", err)
	}
	defer rows.Close()

	res := make([]models.Shipment, 0)
	for rows.Next() {
		s, err := scanShipment(rows)
		if err != nil {
			return nil, mapErr("scan shipment", err)
		}
		res = append(res, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list shipments", err)
	}
	return res, nil
}

func (r *PostgresShipmentRepository) History(ctx context.Context, shipmentID string) ([]models.HistoryUpdate, error) {
	if err := checkUUID("shipment", shipmentID); err != nil {
		return nil, err
	}
	query := `SELECT ` + updateColumns + ` FROM shipment_updates
		WHERE shipment_id=$1 ORDER BY "timestamp" DESC, id DESC`
	rows, err := r.db.QueryContext(ctx, query, shipmentID)
	if err != nil {
		return nil, mapErr("list shipment history", err)
	}
	defer rows.Close()

	res := make([]models.HistoryUpdate, 0)
	for rows.Next() {
		var u models.HistoryUpdate
		if err := rows.Scan(&u.ID, &u.ShipmentID, &u.Location, &u.StatusUpdate, &u.Timestamp); err != nil {
			return nil, mapErr("scan shipment update", err)
		}
		u.Timestamp = u.Timestamp.UTC()
		res = append(res, u)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list shipment history", err)
	}
	return res, nil
}

func (r *PostgresShipmentRepository) Stats(ctx context.Context) (models.Stats, error) {
	query := fmt.Sprintf(`SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = '%s'),
			COUNT(*) FILTER (WHERE status = '%s'),
			COUNT(*) FILTER (WHERE status = '%s')
		FROM shipments`, models.StatusInTransit, models.StatusDelivered, models.StatusDelayed)
	var st models.Stats
	if err := r.db.QueryRowContext(ctx, query).Scan(&st.Total, &st.InTransit, &st.Delivered, &st.Delayed); err != nil {
		return models.Stats{}, mapErr("shipment stats", err)
	}
	return st, nil
}

func (r *PostgresShipmentRepository) RecentActivity(ctx context.Context, limit int) ([]models.Activity, error) {
	query := `SELECT su.id, s.tracking_number, su.location, su.status_update, su."timestamp"
		FROM shipment_updates su JOIN shipments s ON su.shipment_id = s.id
		ORDER BY su."timestamp" DESC, su.id DESC
		LIMIT $1`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, mapErr("recent activity", err)
	}
	defer rows.Close()

	res := make([]models.Activity, 0, limit)
	for rows.Next() {
		var a models.Activity
		if err := rows.Scan(&a.ID, &a.TrackingNumber, &a.Location, &a.StatusUpdate, &a.Timestamp); err != nil {
			return nil, mapErr("scan activity", err)
		}
		a.Timestamp = a.Timestamp.UTC()
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("recent activity", err)
	}
	return res, nil
}
