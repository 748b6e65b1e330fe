// Package jobs schedules the periodic maintenance work that is not tied to
// a request: expiring stale mint requests and reconciling token supply.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/mbd888/fiatbridge/internal/reconciliation"
)

// MintExpirer expires open mint requests past their deadline.
type MintExpirer interface {
	ExpireStaleMints(ctx context.Context, limit int) (int, error)
}

// Reconciler runs the supply check.
type Reconciler interface {
	Run(ctx context.Context) (*reconciliation.Report, error)
}

// Config sets job intervals. A zero interval disables that job.
type Config struct {
	MintExpiryInterval time.Duration
	MintExpiryBatch    int
	ReconcileInterval  time.Duration
}

// Scheduler owns the gocron scheduler and its jobs.
type Scheduler struct {
	sched  gocron.Scheduler
	logger *slog.Logger
}

// New registers the configured jobs. Nothing runs until Start.
func New(ctx context.Context, cfg Config, mints MintExpirer, recon Reconciler, logger *slog.Logger) (*Scheduler, error) {
	sched, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	s := &Scheduler{sched: sched, logger: logger}

	if cfg.MintExpiryInterval > 0 && mints != nil {
		batch := cfg.MintExpiryBatch
		if batch <= 0 {
			batch = 100
		}
		if err := s.add("expire-mints", cfg.MintExpiryInterval, func() {
			n, err := mints.ExpireStaleMints(ctx, batch)
			if err != nil {
				logger.Warn("mint expiry sweep failed", "error", err)
				return
			}
			if n > 0 {
				logger.Info("mint expiry sweep complete", "expired", n)
			}
		}); err != nil {
			return nil, err
		}
	}

	if cfg.ReconcileInterval > 0 && recon != nil {
		if err := s.add("reconcile-supply", cfg.ReconcileInterval, func() {
			r, err := recon.Run(ctx)
			if err != nil {
				logger.Warn("reconciliation run failed", "error", err)
				return
			}
			if !r.Healthy {
				logger.Error("reconciliation found supply drift", "tokens", len(r.Tokens))
			}
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name string, every time.Duration, fn func()) error {
	_, err := s.sched.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(s.safe(name, fn)),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// safe keeps a panicking job from taking the process down.
func (s *Scheduler) safe(name string, fn func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in scheduled job", "job", name, "panic", fmt.Sprint(r))
			}
		}()
		fn()
	}
}

// Jobs returns the names of the registered jobs.
func (s *Scheduler) Jobs() []string {
	var names []string
	for _, j := range s.sched.Jobs() {
		names = append(names, j.Name())
	}
	return names
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.sched.Start()
}

// Shutdown stops the scheduler and waits for running jobs to return.
func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}
