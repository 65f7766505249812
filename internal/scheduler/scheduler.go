// Package scheduler runs named jobs on fixed intervals.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Job is one periodic task. Runs of the same job never overlap.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler drives a fixed set of jobs, each on its own ticker.
type Scheduler struct {
	jobs   []Job
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// New creates a scheduler. Jobs with a non-positive interval are skipped.
func New(jobs []Job, logger zerolog.Logger) *Scheduler {
	active := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		if j.Interval > 0 && j.Run != nil {
			active = append(active, j)
		}
	}
	return &Scheduler{
		jobs:   active,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Len returns the number of active jobs.
func (s *Scheduler) Len() int { return len(s.jobs) }

// Start launches one goroutine per job. They stop when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(j Job) {
			defer s.wg.Done()
			s.runJob(ctx, j)
		}(job)
	}
}

// Wait blocks until every job goroutine has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	logger := s.logger.With().Str("job", job.Name).Logger()
	logger.Info().Dur("interval", job.Interval).Msg("job started")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("job stopped")
			return
		case <-ticker.C:
			start := time.Now()
			if err := job.Run(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("job failed")
				continue
			}
			logger.Debug().Dur("elapsed", time.Since(start)).Msg("job finished")
		}
	}
}
