package lottery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/nolosslottery/pkg/logger"
)

// Defaults
const (
	DefaultDrawSchedule  = "0 0 * * 3,6" // Wednesday and Saturday at midnight
	DefaultSweepInterval = time.Minute
)

// =============================================================================
// Scheduler - timed draws and the stale-request sweep
// =============================================================================

// Scheduler triggers PickWinner on a cron schedule and expires stale draws.
type Scheduler struct {
	ctrl          *Controller
	drawSchedule  string
	sweepInterval time.Duration
	log           *logger.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewScheduler creates a scheduler. An empty drawSchedule disables timed draws.
func NewScheduler(ctrl *Controller, drawSchedule string, sweepInterval time.Duration, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewNop()
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Scheduler{
		ctrl:          ctrl,
		drawSchedule:  drawSchedule,
		sweepInterval: sweepInterval,
		log:           log,
	}
}

// Start registers the jobs and runs them until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	c := cron.New()
	if s.drawSchedule != "" {
		if _, err := c.AddFunc(s.drawSchedule, func() { s.runDraw(ctx) }); err != nil {
			return fmt.Errorf("draw schedule %q: %w", s.drawSchedule, err)
		}
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.sweepInterval), func() { s.runSweep(ctx) }); err != nil {
		return fmt.Errorf("sweep interval: %w", err)
	}

	s.cron = c
	c.Start()
	s.log.WithField("draw_schedule", s.drawSchedule).
		WithField("sweep_interval", s.sweepInterval.String()).
		Info("lottery scheduler started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.log.Info("lottery scheduler stopped")
}

func (s *Scheduler) runDraw(ctx context.Context) {
	id, err := s.ctrl.PickWinner(ctx, s.ctrl.Owner())
	switch {
	case err == nil:
		s.log.WithField("request_id", string(id)).Info("scheduled draw requested")
	case IsConflict(err):
		s.log.WithError(err).Debug("scheduled draw skipped")
	default:
		s.log.WithError(err).Error("scheduled draw failed")
	}
}

func (s *Scheduler) runSweep(ctx context.Context) {
	expired := s.ctrl.ExpireStaleDraw(ctx, s.ctrl.Now())
	if len(expired) > 0 {
		s.log.WithField("expired", len(expired)).Info("stale draws expired")
	}
	if pending := s.ctrl.Reconcile(ctx); len(pending) > 0 {
		s.log.WithField("in_flight", len(pending)).Info("pool transfers still unconfirmed")
	}
}
