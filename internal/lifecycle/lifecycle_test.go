package lifecycle

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelopt/internal/artifact"
	"modelopt/internal/config"
	"modelopt/internal/fault"
	"modelopt/internal/metrics"
	"modelopt/internal/model"
	"modelopt/internal/storage"
)

var now = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func TestExpiresAt(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, now.Add(48*time.Hour), p.ExpiresAt(model.AccessLevel{HasAccess: true}, now))
	assert.Equal(t, now.Add(10*time.Minute), p.ExpiresAt(model.AccessLevel{}, now))
}

func TestShareExpiryIsExactlyOneWindow(t *testing.T) {
	p := DefaultPolicy()

	// Sharing replaces whatever expiration was there, even a later one.
	assert.Equal(t, now.Add(time.Hour), p.ShareExpiry(now))
	assert.Equal(t, now.Add(time.Hour).Add(time.Minute), p.ShareExpiry(now.Add(time.Minute)))
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.LimitsConfig{ShareWindow: 2 * time.Hour, StorageQuotaBytes: 100})

	assert.Equal(t, 2*time.Hour, p.ShareWindow)
	assert.Equal(t, int64(100), p.StorageQuota)
	assert.Equal(t, DefaultEntitledRetention, p.EntitledRetention)
	assert.Equal(t, DefaultMaxFreeUpload, p.MaxFreeUpload)
}

func TestExpired(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		name     string
		meta     *model.JobMetadata
		modified time.Time
		want     bool
		reason   Reason
	}{
		{
			name: "past expiration",
			meta: &model.JobMetadata{CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Second)},
			want: true, reason: ReasonExpired,
		},
		{
			name: "expiration equal to now",
			meta: &model.JobMetadata{CreatedAt: now.Add(-time.Hour), ExpiresAt: now},
			want: true, reason: ReasonExpired,
		},
		{
			name: "fresh",
			meta: &model.JobMetadata{CreatedAt: now.Add(-time.Minute), ExpiresAt: now.Add(time.Hour)},
		},
		{
			name: "no expiration and 49 hours old",
			meta: &model.JobMetadata{CreatedAt: now.Add(-49 * time.Hour)},
			want: true, reason: ReasonSafety,
		},
		{
			name: "no expiration and 47 hours old",
			meta: &model.JobMetadata{CreatedAt: now.Add(-47 * time.Hour)},
		},
		{
			name:     "unreadable sidecar falls back to modification time",
			modified: now.Add(-49 * time.Hour),
			want:     true, reason: ReasonSafety,
		},
		{
			name:     "missing createdAt falls back to modification time",
			meta:     &model.JobMetadata{},
			modified: now.Add(-time.Hour),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := p.Expired(tt.meta, tt.modified, now)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestCheckAdmission(t *testing.T) {
	p := DefaultPolicy()
	entitled := model.Account{UserID: "u1", HasAccess: true}

	t.Run("free caller over file ceiling", func(t *testing.T) {
		err := p.CheckAdmission("", model.Account{}, DefaultMaxFreeUpload+1)
		var le *fault.LimitExceededError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, fault.LimitFileSize, le.Limit)
	})

	t.Run("entitled caller gets the larger ceiling", func(t *testing.T) {
		assert.NoError(t, p.CheckAdmission("u1", entitled, DefaultMaxFreeUpload+1))
	})

	t.Run("quota reached", func(t *testing.T) {
		full := entitled
		full.StoredBytes = DefaultStorageQuota - 10
		err := p.CheckAdmission("u1", full, 11)
		var le *fault.LimitExceededError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, fault.LimitStorageQuota, le.Limit)
		assert.Equal(t, DefaultStorageQuota+1, le.Actual)
	})

	t.Run("quota exactly met", func(t *testing.T) {
		full := entitled
		full.StoredBytes = DefaultStorageQuota - 10
		assert.NoError(t, p.CheckAdmission("u1", full, 10))
	})
}

type fakeLedger struct {
	mu     sync.Mutex
	deltas map[string]int64
}

func (f *fakeLedger) AddUsage(_ context.Context, userID string, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deltas == nil {
		f.deltas = map[string]int64{}
	}
	f.deltas[userID] += delta
	return nil
}

func TestSweepOnce(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewLocal(t.TempDir(), "http://example.test")
	require.NoError(t, err)
	store := artifact.NewStore(backend, 0)

	const (
		expired = "00000000-0000-4000-8000-000000000001"
		stale   = "00000000-0000-4000-8000-000000000002"
		fresh   = "00000000-0000-4000-8000-000000000003"
	)
	put := func(id string, meta model.JobMetadata) {
		require.NoError(t, store.PutOutput(ctx, id, []byte("glb")))
		require.NoError(t, store.PutMetadata(ctx, id, meta))
	}
	put(expired, model.JobMetadata{CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute), UserID: "u1", OptimizedSize: 300})
	put(stale, model.JobMetadata{CreatedAt: now.Add(-49 * time.Hour)})
	put(fresh, model.JobMetadata{CreatedAt: now, ExpiresAt: now.Add(time.Hour)})

	reg := prometheus.NewRegistry()
	m, err := metrics.NewSweep(reg)
	require.NoError(t, err)
	ledger := &fakeLedger{}
	s := NewSweeper(store, DefaultPolicy(), ledger, m, nil, WithClock(func() time.Time { return now }))

	assert.Equal(t, 2, s.SweepOnce(ctx))

	for _, id := range []string{expired, stale} {
		_, err := store.Metadata(ctx, id)
		assert.ErrorIs(t, err, fault.ErrNotFound, id)
		_, _, err = storage.ReadAll(ctx, backend, artifact.OutputKey(id))
		assert.ErrorIs(t, err, storage.ErrNotFound, id)
	}
	_, err = store.Metadata(ctx, fresh)
	assert.NoError(t, err)

	assert.Equal(t, map[string]int64{"u1": -300}, ledger.deltas)
	expected := `
# HELP modelopt_sweep_purged_total Artifacts purged by the sweeper, by reason.
# TYPE modelopt_sweep_purged_total counter
modelopt_sweep_purged_total{reason="expired"} 1
modelopt_sweep_purged_total{reason="safety"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "modelopt_sweep_purged_total"))

	// A second pass finds nothing left to do.
	assert.Equal(t, 0, s.SweepOnce(ctx))
}

func TestRunStopsOnCancel(t *testing.T) {
	backend, err := storage.NewLocal(t.TempDir(), "")
	require.NoError(t, err)
	s := NewSweeper(artifact.NewStore(backend, 0), DefaultPolicy(), nil, nil, nil, WithInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
