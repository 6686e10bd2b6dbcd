package repository

import (
	"context"
	"database/sql"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/apperrors"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/models"
)

const userColumns = `id, full_name, email, password_hash, role, created_at`

type PostgresUserRepository struct {
	db *sql.DB
}

func NewPostgresUserRepository(db *sql.DB) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

func scanUser(row rowScanner) (*models.User, error) {
	u := &models.User{}
	if err := row.Scan(&u.ID, &u.FullName, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

func (r *PostgresUserRepository) CreateUser(ctx context.Context, u *models.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1,$2,$3,$4,$5,$6)`,
		u.ID, u.FullName, u.Email, u.PasswordHash, u.Role, u.CreatedAt,
	)
	return mapErr("create user", err)
}

func (r *PostgresUserRepository) GetUser(ctx context.Context, id string) (*models.User, error) {
	if err := checkUUID("user", id); err != nil {
		return nil, err
	}
	u, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
	if err != nil {
		return nil, mapErr("get user", notFoundIfNoRows(err, "user", id))
	}
	return u, nil
}

func (r *PostgresUserRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, email))
	if err != nil {
		return nil, mapErr("get user by email", notFoundIfNoRows(err, "user", email))
	}
	return u, nil
}

func (r *PostgresUserRepository) ListUsers(ctx context.Context) ([]models.User, error) {
	return r.list(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at DESC, id`)
}

func (r *PostgresUserRepository) ListByRole(ctx context.Context, role models.Role) ([]models.User, error) {
	return r.list(ctx, `SELECT `+userColumns+` FROM users WHERE role=$1 ORDER BY full_name, id`, role)
}

func (r *PostgresUserRepository) list(ctx context.Context, query string, args ...any) ([]models.User, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list users", err)
	}
	defer rows.Close()

	res := make([]models.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, mapErr("scan user", err)
		}
		res = append(res, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list users", err)
	}
	return res, nil
}

func (r *PostgresUserRepository) UpdateRole(ctx context.Context, id string, role models.Role) (*models.User, error) {
	if err := checkUUID("user", id); err != nil {
		return nil, err
	}
	u, err := scanUser(r.db.QueryRowContext(ctx,
		`UPDATE users SET role=$1 WHERE id=$2 RETURNING `+userColumns, role, id))
	if err != nil {
		return nil, mapErr("update user role", notFoundIfNoRows(err, "user", id))
	}
	return u, nil
}

func (r *PostgresUserRepository) DeleteUser(ctx context.Context, id string) error {
	if err := checkUUID("user", id); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, id)
	if err != nil {
		return mapErr("delete user", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("user %s not found", id)
	}
	return nil
}
