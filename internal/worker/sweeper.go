package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SweepFunc reclaims expired state and reports how many entries it removed.
type SweepFunc func(ctx context.Context) (int, error)

type Job struct {
	Name     string
	Interval time.Duration
	Sweep    SweepFunc
}

// Sweeper runs every job on its own ticker inside the process.
type Sweeper struct {
	jobs   []Job
	logger *slog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewSweeper(logger *slog.Logger, jobs ...Job) *Sweeper {
	return &Sweeper{
		jobs:     jobs,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// RunOnce runs every job a single time, used for recovery before serving.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	var errs []error
	for _, job := range s.jobs {
		if _, err := s.run(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Sweeper) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()

			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					s.run(ctx, job)
				case <-s.stopChan:
					return
				case <-ctx.Done():
					return
				}
			}
		}(job)
	}
	s.logger.Info("Sweeper started", "jobs", len(s.jobs))
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context, job Job) (int, error) {
	n, err := job.Sweep(ctx)
	if err != nil {
		s.logger.Error("Sweep failed", "sweep", job.Name, "error", err)
		return n, err
	}
	if n > 0 {
		s.logger.Info("Sweep reclaimed entries", "sweep", job.Name, "count", n)
	}
	return n, nil
}
