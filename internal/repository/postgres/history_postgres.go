package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"modelopt/internal/model"
	"modelopt/internal/repository"
)

// HistoryPostgres is a PostgreSQL implementation of repository.HistoryRepository.
// It uses database/sql with parameterized queries and contains no business logic.
type HistoryPostgres struct {
	db *sql.DB
}

// NewHistoryPostgres creates a new HistoryPostgres repository.
func NewHistoryPostgres(db *sql.DB) *HistoryPostgres {
	return &HistoryPostgres{db: db}
}

var _ repository.HistoryRepository = (*HistoryPostgres)(nil)

const historyColumns = `job_id, user_id, filename, original_size, optimized_size,
		faces_before, faces_after, vertices_before, vertices_after,
		settings, created_at, expires_at`

// Create inserts a history row. Re-inserting the same job is a no-op.
func (r *HistoryPostgres) Create(ctx context.Context, rec *model.HistoryRecord) error {
	settings, err := json.Marshal(rec.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	const q = `
		INSERT INTO job_history (` + historyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (job_id) DO NOTHING
	`
	_, err = r.db.ExecContext(ctx, q,
		rec.JobID,
		rec.UserID,
		rec.Filename,
		rec.OriginalSize,
		rec.OptimizedSize,
		rec.Stats.FacesBefore,
		rec.Stats.FacesAfter,
		rec.Stats.VerticesBefore,
		rec.Stats.VerticesAfter,
		settings,
		rec.CreatedAt,
		rec.ExpiresAt,
	)
	return err
}

// ListByUser returns one page of the user's history and the total count.
func (r *HistoryPostgres) ListByUser(ctx context.Context, userID string, pq repository.PageQuery) (*repository.PageResult[model.HistoryRecord], error) {
	const qCount = `SELECT COUNT(*) FROM job_history WHERE user_id = $1`
	var total int
	if err := r.db.QueryRowContext(ctx, qCount, userID).Scan(&total); err != nil {
		return nil, err
	}

	const qList = `
		SELECT ` + historyColumns + `
		FROM job_history
		WHERE user_id = $1
		ORDER BY created_at DESC, job_id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.QueryContext(ctx, qList, userID, pq.Limit, pq.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]model.HistoryRecord, 0)
	for rows.Next() {
		var (
			h        model.HistoryRecord
			settings []byte
		)
		if err := rows.Scan(
			&h.JobID,
			&h.UserID,
			&h.Filename,
			&h.OriginalSize,
			&h.OptimizedSize,
			&h.Stats.FacesBefore,
			&h.Stats.FacesAfter,
			&h.Stats.VerticesBefore,
			&h.Stats.VerticesAfter,
			&settings,
			&h.CreatedAt,
			&h.ExpiresAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(settings, &h.Settings); err != nil {
			return nil, fmt.Errorf("decode settings of %s: %w", h.JobID, err)
		}
		items = append(items, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &repository.PageResult[model.HistoryRecord]{
		Items: items,
		Total: total,
	}, nil
}

// Delete removes one of the user's records.
func (r *HistoryPostgres) Delete(ctx context.Context, userID, jobID string) error {
	const q = `DELETE FROM job_history WHERE user_id = $1 AND job_id = $2`
	res, err := r.db.ExecContext(ctx, q, userID, jobID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}
