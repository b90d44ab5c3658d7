package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelopt/internal/model"
	"modelopt/internal/repository"
)

var historyRowColumns = []string{
	"job_id", "user_id", "filename", "original_size", "optimized_size",
	"faces_before", "faces_after", "vertices_before", "vertices_after",
	"settings", "created_at", "expires_at",
}

func TestHistoryPostgres_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewHistoryPostgres(db)
	now := time.Now().UTC()
	rec := &model.HistoryRecord{
		JobID:         "0b8f5a52-3c1e-4c1a-9a59-2f6a7e0c9d11",
		UserID:        "u1",
		Filename:      "chair.glb",
		OriginalSize:  1000,
		OptimizedSize: 400,
		Stats:         model.Stats{FacesBefore: 10, FacesAfter: 5, VerticesBefore: 8, VerticesAfter: 6},
		Settings:      model.DefaultSettings(),
		CreatedAt:     now,
		ExpiresAt:     now.Add(48 * time.Hour),
	}

	mock.ExpectExec("INSERT INTO job_history").
		WithArgs(rec.JobID, rec.UserID, rec.Filename, rec.OriginalSize, rec.OptimizedSize,
			10, 5, 8, 6, sqlmock.AnyArg(), rec.CreatedAt, rec.ExpiresAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Create(context.Background(), rec)

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryPostgres_ListByUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewHistoryPostgres(db)
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("success", func(t *testing.T) {
		mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM job_history WHERE user_id = ?").
			WithArgs("u1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		rows := sqlmock.NewRows(historyRowColumns).
			AddRow("job-1", "u1", "chair.glb", 1000, 400, 10, 5, 8, 6,
				[]byte(`{"decimateRatio":0.5,"dracoLevel":7,"weld":true,"quantize":false,"draco":true}`),
				now, now.Add(time.Hour))
		mock.ExpectQuery("SELECT (.+) FROM job_history WHERE user_id = (.+) ORDER BY").
			WithArgs("u1", 10, 0).
			WillReturnRows(rows)

		res, err := repo.ListByUser(ctx, "u1", repository.PageQuery{Limit: 10, Offset: 0})

		require.NoError(t, err)
		assert.Equal(t, 1, res.Total)
		require.Len(t, res.Items, 1)
		got := res.Items[0]
		assert.Equal(t, "job-1", got.JobID)
		assert.Equal(t, 0.5, got.Settings.DecimateRatio)
		assert.Equal(t, 7, got.Settings.DracoLevel)
		assert.False(t, got.Settings.Quantize)
		assert.Equal(t, 5, got.Stats.FacesAfter)
	})

	t.Run("corrupt settings", func(t *testing.T) {
		mock.ExpectQuery("SELECT COUNT").
			WithArgs("u1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		rows := sqlmock.NewRows(historyRowColumns).
			AddRow("job-1", "u1", "chair.glb", 1000, 400, 10, 5, 8, 6, []byte(`{`), now, now)
		mock.ExpectQuery("SELECT (.+) FROM job_history").
			WithArgs("u1", 10, 0).
			WillReturnRows(rows)

		_, err := repo.ListByUser(ctx, "u1", repository.PageQuery{Limit: 10})

		assert.ErrorContains(t, err, "decode settings")
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryPostgres_Delete(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewHistoryPostgres(db)
	ctx := context.Background()

	mock.ExpectExec("DELETE FROM job_history WHERE user_id = (.+) AND job_id = ?").
		WithArgs("u1", "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, repo.Delete(ctx, "u1", "job-1"))

	mock.ExpectExec("DELETE FROM job_history").
		WithArgs("u2", "job-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.Delete(ctx, "u2", "job-1"), repository.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}
