// Package metrics holds the Prometheus collectors for job processing and
// the artifact sweeper.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Jobs tracks optimization jobs and their stages.
type Jobs struct {
	completed     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	bytesSaved    prometheus.Counter
}

// NewJobs creates and registers the job collectors.
func NewJobs(reg prometheus.Registerer) (*Jobs, error) {
	m := &Jobs{
		completed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelopt_jobs_total",
				Help: "Optimization jobs by outcome.",
			},
			[]string{"outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modelopt_stage_duration_seconds",
				Help:    "Duration of each pipeline stage.",
				Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),
		bytesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelopt_bytes_saved_total",
			Help: "Bytes removed by optimization across all successful jobs.",
		}),
	}
	for _, c := range []prometheus.Collector{m.completed, m.stageDuration, m.bytesSaved} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveStage records how long a pipeline stage took.
func (m *Jobs) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Succeeded counts a completed job.
func (m *Jobs) Succeeded(originalSize, optimizedSize int64) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues("succeeded").Inc()
	if saved := originalSize - optimizedSize; saved > 0 {
		m.bytesSaved.Add(float64(saved))
	}
}

// Failed counts a failed job; client faults are counted separately.
func (m *Jobs) Failed(clientFault bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if clientFault {
		outcome = "rejected"
	}
	m.completed.WithLabelValues(outcome).Inc()
}

// Sweep tracks the expiration sweeper.
type Sweep struct {
	runs   prometheus.Counter
	purged *prometheus.CounterVec
	errors prometheus.Counter
}

// NewSweep creates and registers the sweeper collectors.
func NewSweep(reg prometheus.Registerer) (*Sweep, error) {
	m := &Sweep{
		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelopt_sweep_runs_total",
			Help: "Completed artifact sweeps.",
		}),
		purged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelopt_sweep_purged_total",
				Help: "Artifacts purged by the sweeper, by reason.",
			},
			[]string{"reason"},
		),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelopt_sweep_errors_total",
			Help: "Artifacts the sweeper failed to inspect or purge.",
		}),
	}
	for _, c := range []prometheus.Collector{m.runs, m.purged, m.errors} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Run counts a finished sweep.
func (m *Sweep) Run() {
	if m == nil {
		return
	}
	m.runs.Inc()
}

// Purged counts one purged artifact.
func (m *Sweep) Purged(reason string) {
	if m == nil {
		return
	}
	m.purged.WithLabelValues(reason).Inc()
}

// Error counts one sweep failure.
func (m *Sweep) Error() {
	if m == nil {
		return
	}
	m.errors.Inc()
}
