package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"modelopt/internal/config"
)

func TestBuildPostgresDSN(t *testing.T) {
	full := config.DatabaseConfig{Host: "db", Port: "5432", User: "app", Password: "p@ss", Name: "modelopt", SSLMode: "disable"}

	tests := []struct {
		name    string
		mutate  func(*config.DatabaseConfig)
		want    string
		wantErr string
	}{
		{
			name: "password is escaped",
			want: "postgres://app:p%40ss@db:5432/modelopt?application_name=modelopt&sslmode=disable",
		},
		{
			name:   "no password",
			mutate: func(c *config.DatabaseConfig) { c.Password = "" },
			want:   "postgres://app@db:5432/modelopt?application_name=modelopt&sslmode=disable",
		},
		{
			name:   "no sslmode",
			mutate: func(c *config.DatabaseConfig) { c.SSLMode = "" },
			want:   "postgres://app:p%40ss@db:5432/modelopt?application_name=modelopt",
		},
		{
			name:    "missing host and name",
			mutate:  func(c *config.DatabaseConfig) { c.Host, c.Name = "", "" },
			wantErr: "missing [host name]",
		},
		{
			name:    "missing port",
			mutate:  func(c *config.DatabaseConfig) { c.Port = "" },
			wantErr: "missing [port]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := full
			if tt.mutate != nil {
				tt.mutate(&c)
			}
			got, err := BuildPostgresDSN(c)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func stubOpen(t *testing.T, db *sql.DB, err error) {
	t.Helper()
	orig := sqlOpen
	sqlOpen = func(string, string) (*sql.DB, error) { return db, err }
	t.Cleanup(func() { sqlOpen = orig })
}

func fastRetries(t *testing.T, attempts int) {
	t.Helper()
	origAttempts, origBackoff := pingAttempts, pingBackoff
	pingAttempts, pingBackoff = attempts, 0
	t.Cleanup(func() { pingAttempts, pingBackoff = origAttempts, origBackoff })
}

func TestNewPostgres(t *testing.T) {
	conf := config.DatabaseConfig{
		Host:               "localhost",
		Port:               "5432",
		User:               "user",
		Password:           "pass",
		Name:               "modelopt",
		MaxOpenConns:       10,
		MaxIdleConns:       5,
		ConnMaxLifetimeSec: 300,
	}

	t.Run("success", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		stubOpen(t, db, nil)

		mock.ExpectPing()

		gotDB, err := NewPostgres(context.Background(), conf, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, 10, gotDB.Stats().MaxOpenConnections)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("retries until the server answers", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		stubOpen(t, db, nil)
		fastRetries(t, 3)

		mock.ExpectPing().WillReturnError(errors.New("connection refused"))
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))
		mock.ExpectPing()

		_, err = NewPostgres(context.Background(), conf, nil)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("gives up after the last attempt", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		stubOpen(t, db, nil)
		fastRetries(t, 2)

		mock.ExpectPing().WillReturnError(errors.New("ping failed"))
		mock.ExpectPing().WillReturnError(errors.New("ping failed"))
		mock.ExpectClose()

		gotDB, err := NewPostgres(context.Background(), conf, zap.NewNop())
		assert.ErrorContains(t, err, "db ping: ping failed")
		assert.Nil(t, gotDB)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("sqlOpen error", func(t *testing.T) {
		stubOpen(t, nil, errors.New("open error"))

		gotDB, err := NewPostgres(context.Background(), conf, zap.NewNop())
		assert.ErrorContains(t, err, "sql open: open error")
		assert.Nil(t, gotDB)
	})

	t.Run("invalid DSN", func(t *testing.T) {
		gotDB, err := NewPostgres(context.Background(), config.DatabaseConfig{}, nil)
		assert.Error(t, err)
		assert.Nil(t, gotDB)
	})
}

func TestRegisterMetrics(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg, db))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, mf := range mfs {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "go_sql_max_open_connections")
}

func TestConfigured(t *testing.T) {
	assert.False(t, Configured(config.DatabaseConfig{Port: "5432"}))
	assert.True(t, Configured(config.DatabaseConfig{Host: "db", Port: "5432", User: "app", Name: "modelopt"}))
}
