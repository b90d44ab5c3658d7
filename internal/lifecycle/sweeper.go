package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"modelopt/internal/artifact"
	"modelopt/internal/metrics"
)

const (
	DefaultSweepInterval    = time.Hour
	DefaultSweepParallelism = 8
)

// UsageLedger is credited when artifacts of identified callers are purged.
type UsageLedger interface {
	AddUsage(ctx context.Context, userID string, delta int64) error
}

// Sweeper periodically purges expired artifacts. Failures are logged and
// left for the next tick.
type Sweeper struct {
	store       *artifact.Store
	policy      Policy
	ledger      UsageLedger
	metrics     *metrics.Sweep
	log         *zap.Logger
	interval    time.Duration
	parallelism int
	now         func() time.Time
}

// SweeperOption customizes a Sweeper.
type SweeperOption func(*Sweeper)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithParallelism bounds concurrent purges.
func WithParallelism(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a Sweeper. ledger and m may be nil.
func NewSweeper(store *artifact.Store, policy Policy, ledger UsageLedger, m *metrics.Sweep, log *zap.Logger, opts ...SweeperOption) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Sweeper{
		store:       store,
		policy:      policy,
		ledger:      ledger,
		metrics:     m,
		log:         log.With(zap.String("component", "sweeper")),
		interval:    DefaultSweepInterval,
		parallelism: DefaultSweepParallelism,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.SweepOnce(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped", zap.String("event", "sweeper_stopped"))
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce scans every sidecar and purges the expired ones. It returns
// the number of artifacts purged.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	start := s.now()
	records, err := s.store.Scan(ctx)
	if err != nil {
		s.metrics.Error()
		s.log.Error("sweep scan failed", zap.String("event", "sweep_scan_failed"), zap.Error(err))
		return 0
	}

	purged := make(chan struct{}, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, rec := range records {
		if rec.Err != nil {
			s.log.Warn("unreadable sidecar", zap.String("job_id", rec.JobID), zap.Error(rec.Err))
		}
		due, reason := s.policy.Expired(rec.Meta, rec.LastModified, start)
		if !due {
			continue
		}
		rec := rec // per-iteration copy; go.mod targets go 1.21 loop semantics
		g.Go(func() error {
			if err := s.store.Purge(gctx, rec.JobID); err != nil {
				s.metrics.Error()
				s.log.Warn("purge failed",
					zap.String("event", "purge_failed"),
					zap.String("job_id", rec.JobID),
					zap.String("reason", string(reason)),
					zap.Error(err),
				)
				return nil
			}
			s.metrics.Purged(string(reason))
			s.credit(gctx, rec)
			purged <- struct{}{}
			s.log.Info("artifact purged",
				zap.String("event", "artifact_purged"),
				zap.String("job_id", rec.JobID),
				zap.String("reason", string(reason)),
			)
			return nil
		})
	}
	_ = g.Wait()
	close(purged)

	n := len(purged)
	s.metrics.Run()
	s.log.Info("sweep finished",
		zap.String("event", "sweep_finished"),
		zap.Int("scanned", len(records)),
		zap.Int("purged", n),
		zap.Duration("elapsed", s.now().Sub(start)),
	)
	return n
}

func (s *Sweeper) credit(ctx context.Context, rec artifact.Sidecar) {
	if s.ledger == nil || rec.Meta == nil || rec.Meta.UserID == "" || rec.Meta.OptimizedSize == 0 {
		return
	}
	if err := s.ledger.AddUsage(ctx, rec.Meta.UserID, -rec.Meta.OptimizedSize); err != nil {
		s.log.Warn("usage credit failed", zap.String("job_id", rec.JobID), zap.Error(err))
	}
}
