package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"member-auth/internal/observability"
)

const (
	TokenCleanupInterval     = time.Hour
	ChallengeCleanupInterval = 2 * time.Hour
)

// Job is one unit of periodic housekeeping. Run returns counters for the log
// line; an error marks the tick failed without stopping the schedule.
type Job interface {
	Name() string
	Run(ctx context.Context) (map[string]any, error)
}

// Scheduler drives one job on a fixed interval until the context is
// cancelled. A failing or panicking tick is logged and reported; the next
// tick still happens.
type Scheduler struct {
	job      Job
	interval time.Duration
	logger   *observability.Logger
}

func NewScheduler(job Job, interval time.Duration, logger *observability.Logger) *Scheduler {
	return &Scheduler{job: job, interval: interval, logger: logger}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("maintenance schedule started", map[string]any{
		"job":      s.job.Name(),
		"interval": s.interval.String(),
	})

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("maintenance schedule stopped", map[string]any{
				"job": s.job.Name(),
			})
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("maintenance job %s panicked: %v", s.job.Name(), r)
			sentry.CaptureException(err)
			s.logger.Error("maintenance tick panicked", map[string]any{
				"job":   s.job.Name(),
				"panic": fmt.Sprintf("%v", r),
			})
		}
	}()

	started := time.Now()
	counters, err := s.job.Run(ctx)
	if err != nil {
		sentry.CaptureException(err)
		s.logger.Error("maintenance tick failed", map[string]any{
			"job":   s.job.Name(),
			"error": err.Error(),
		})
		return
	}

	fields := map[string]any{
		"job":         s.job.Name(),
		"duration_ms": time.Since(started).Milliseconds(),
	}
	for k, v := range counters {
		fields[k] = v
	}
	s.logger.Info("maintenance tick completed", fields)
}

// RunOnce executes the job immediately, outside its schedule. Used by the
// HTTP trigger.
func (s *Scheduler) RunOnce(ctx context.Context) (map[string]any, error) {
	return s.job.Run(ctx)
}
