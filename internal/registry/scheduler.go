package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ReconcileScheduler runs ReconcileAll on a cron schedule. A run still in
// progress when the next one is due causes that next run to be skipped.
type ReconcileScheduler struct {
	svc      *Service
	cron     *cron.Cron
	logger   *zap.Logger
	timeout  time.Duration
	schedule string

	mu      sync.Mutex
	running bool
}

// NewReconcileScheduler parses schedule as a standard five-field cron
// expression or a descriptor such as "@every 1h".
func NewReconcileScheduler(svc *Service, schedule string, logger *zap.Logger) (*ReconcileScheduler, error) {
	s := &ReconcileScheduler{
		svc:      svc,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:   logger.Named("reconcile"),
		timeout:  30 * time.Minute,
		schedule: schedule,
	}
	if _, err := s.cron.AddFunc(schedule, s.runOnce); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *ReconcileScheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	start := time.Now()
	bad, err := s.svc.ReconcileAll(ctx)
	if err != nil {
		s.logger.Error("scheduled reconciliation failed", zap.Error(err))
		return
	}
	s.logger.Info("scheduled reconciliation completed",
		zap.Int("imbalanced", len(bad)),
		zap.Duration("took", time.Since(start)))
}

func (s *ReconcileScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.logger.Info("reconcile scheduler started", zap.String("schedule", s.schedule))
}

// Stop halts the scheduler and waits for a running reconciliation.
func (s *ReconcileScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
}
