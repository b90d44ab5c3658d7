package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobs(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewJobs(reg)
	require.NoError(t, err)

	m.Succeeded(100, 40)
	m.Succeeded(10, 20)
	m.Failed(true)
	m.Failed(false)
	m.ObserveStage("weld", 20*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.completed.WithLabelValues("succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.completed.WithLabelValues("rejected")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.completed.WithLabelValues("failed")))
	assert.Equal(t, float64(60), testutil.ToFloat64(m.bytesSaved))
	assert.Equal(t, 1, testutil.CollectAndCount(m.stageDuration))

	_, err = NewJobs(reg)
	assert.Error(t, err, "second registration on the same registry must fail")
}

func TestSweep(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewSweep(reg)
	require.NoError(t, err)

	m.Run()
	m.Purged("expired")
	m.Purged("expired")
	m.Purged("safety")
	m.Error()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.runs))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.purged.WithLabelValues("expired")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.purged.WithLabelValues("safety")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.errors))
}

func TestNilCollectorsAreNoops(t *testing.T) {
	var j *Jobs
	var s *Sweep

	assert.NotPanics(t, func() {
		j.Succeeded(1, 1)
		j.Failed(false)
		j.ObserveStage("x", time.Second)
		s.Run()
		s.Purged("expired")
		s.Error()
	})
}
