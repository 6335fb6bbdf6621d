package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository provides PostgreSQL backed persistence for audit logs.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Insert appends an audit row. Audit rows are never updated or deleted by the
// application.
func (r *PGRepository) Insert(ctx context.Context, event Event) error {
	detailsJSON, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("audit: marshal details: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO audit_logs (user_id, action, resource, resource_id, details, ip_address, user_agent, created_at)
		VALUES (NULLIF($1, 0), $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, NOW())`,
		event.UserID, event.Action, event.Resource, event.ResourceID, detailsJSON, event.IPAddress, event.UserAgent)
	return err
}

const timelineBaseQuery = `
	SELECT id, COALESCE(user_id, 0), action, COALESCE(resource, ''), COALESCE(resource_id, ''),
	       COALESCE(details, '{}'::jsonb), COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at
	FROM audit_logs
	WHERE ($1 = 0 OR user_id = $1)
	  AND ($2 = '' OR action = $2)
	  AND ($3::timestamptz IS NULL OR created_at >= $3)
	  AND ($4::timestamptz IS NULL OR created_at <= $4)
	ORDER BY created_at DESC, id DESC`

// TimelineWindow returns one window of entries, newest first.
func (r *PGRepository) TimelineWindow(ctx context.Context, filters TimelineFilters, limit, offset int) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, timelineBaseQuery+` LIMIT $5 OFFSET $6`,
		filters.UserID, filters.Action, nullableTime(filters.From), nullableTime(filters.To), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// TimelineAll returns every matching entry, newest first.
func (r *PGRepository) TimelineAll(ctx context.Context, filters TimelineFilters) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, timelineBaseQuery,
		filters.UserID, filters.Action, nullableTime(filters.From), nullableTime(filters.To))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var entry Entry
		var detailsJSON []byte
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Action, &entry.Resource, &entry.ResourceID,
			&detailsJSON, &entry.IPAddress, &entry.UserAgent, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &entry.Details); err != nil {
				return nil, fmt.Errorf("audit: decode details: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ Repository = (*PGRepository)(nil)
