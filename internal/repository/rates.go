package repository

import (
	"context"
	"database/sql"
	"strconv"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/apperrors"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/models"
)

type PostgresRateRepository struct {
	db *sql.DB
}

func NewPostgresRateRepository(db *sql.DB) *PostgresRateRepository {
	return &PostgresRateRepository{db: db}
}

func (r *PostgresRateRepository) ListRates(ctx context.Context) ([]models.Rate, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, service_name, base_rate FROM service_rates ORDER BY base_rate, id`)
	if err != nil {
		return nil, mapErr("list rates", err)
	}
	defer rows.Close()

	res := make([]models.Rate, 0)
	for rows.Next() {
		var rate models.Rate
		if err := rows.Scan(&rate.ID, &rate.ServiceName, &rate.BaseRate); err != nil {
			return nil, mapErr("scan rate", err)
		}
		res = append(res, rate)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list rates", err)
	}
	return res, nil
}

func (r *PostgresRateRepository) GetRateByName(ctx context.Context, name string) (*models.Rate, error) {
	rate := &models.Rate{}
	err := r.db.QueryRowContext(ctx, `SELECT id, service_name, base_rate FROM service_rates WHERE service_name=$1`, name).
		Scan(&rate.ID, &rate.ServiceName, &rate.BaseRate)
	if err != nil {
		return nil, mapErr("get rate", notFoundIfNoRows(err, "rate", name))
	}
	return rate, nil
}

func (r *PostgresRateRepository) CreateRate(ctx context.Context, rate *models.Rate) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO service_rates (service_name, base_rate) VALUES ($1, $2) RETURNING id`,
		rate.ServiceName, rate.BaseRate,
	).Scan(&rate.ID)
	return mapErr("create rate", err)
}

func (r *PostgresRateRepository) UpdateRate(ctx context.Context, rate *models.Rate) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE service_rates SET service_name=$1, base_rate=$2 WHERE id=$3`,
		rate.ServiceName, rate.BaseRate, rate.ID,
	)
	if err != nil {
		return mapErr("update rate", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("rate %d not found", rate.ID)
	}
	return nil
}

func (r *PostgresRateRepository) DeleteRate(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM service_rates WHERE id=$1`, id)
	if err != nil {
		return mapErr("delete rate", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("rate %s not found", strconv.FormatInt(id, 10))
	}
	return nil
}
