package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegis-iam/aegis/internal/platform/httpx"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const userColumns = `id, email, name, is_active, email_verified, created_at, updated_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.IsActive, &u.EmailVerified, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, fmt.Errorf("users: %w", httpx.ErrNotFound)
		}
		return User{}, err
	}
	return u, nil
}

// CountUsers returns the number of accounts matching the search term.
func (r *Repository) CountUsers(ctx context.Context, search string) (int, error) {
	var total int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM users
		WHERE ($1 = '' OR email ILIKE '%' || $1 || '%' OR name ILIKE '%' || $1 || '%')`,
		search).Scan(&total)
	return total, err
}

// ListUsers returns one page of accounts matching the search term.
func (r *Repository) ListUsers(ctx context.Context, search string, limit, offset int) ([]User, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE ($1 = '' OR email ILIKE '%' || $1 || '%' OR name ILIKE '%' || $1 || '%')
		ORDER BY id
		LIMIT $2 OFFSET $3`,
		search, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.IsActive, &u.EmailVerified, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetUser fetches one account by id.
func (r *Repository) GetUser(ctx context.Context, id int64) (User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// UpdateUser patches an account. Nil fields keep their current value.
func (r *Repository) UpdateUser(ctx context.Context, id int64, name, email *string, isActive, emailVerified *bool) (User, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE users SET
			name = COALESCE($2, name),
			email = COALESCE($3, email),
			is_active = COALESCE($4, is_active),
			email_verified = COALESCE($5, email_verified),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+userColumns,
		id, name, email, isActive, emailVerified)
	return scanUser(row)
}

// DeactivateUser flips is_active off. Returns affected row count.
func (r *Repository) DeactivateUser(ctx context.Context, id int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1 AND is_active = TRUE`,
		id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
