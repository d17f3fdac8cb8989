package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"
)

const taskPrefix = "sweep:"

// TaskType is the asynq task type for a sweep job, e.g. "sweep:queue".
func TaskType(jobName string) string {
	return taskPrefix + jobName
}

// RedisOpt accepts a redis:// URI or a bare host:port.
func RedisOpt(url, password string, db int) asynq.RedisConnOpt {
	if strings.Contains(url, "://") {
		if opt, err := asynq.ParseRedisURI(url); err == nil {
			if c, ok := opt.(asynq.RedisClientOpt); ok && c.Password == "" {
				c.Password = password
				return c
			}
			return opt
		}
	}
	return asynq.RedisClientOpt{Addr: url, Password: password, DB: db}
}

// NewServeMux routes each sweep task type to its job.
func NewServeMux(logger *slog.Logger, jobs ...Job) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for _, job := range jobs {
		mux.HandleFunc(TaskType(job.Name), sweepHandler(logger, job))
	}
	return mux
}

func sweepHandler(logger *slog.Logger, job Job) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		n, err := job.Sweep(ctx)
		if err != nil {
			logger.Error("Sweep task failed", "task", t.Type(), "error", err)
			// the next scheduled run retries
			return fmt.Errorf("%s: %v: %w", t.Type(), err, asynq.SkipRetry)
		}
		if n > 0 {
			logger.Info("Sweep task reclaimed entries", "task", t.Type(), "count", n)
		}
		return nil
	}
}

// Scheduled runs the sweeps as asynq periodic tasks so only one instance
// of a multi-node deployment picks up each tick.
type Scheduled struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	jobs      []Job
	logger    *slog.Logger
}

func NewScheduled(opt asynq.RedisConnOpt, logger *slog.Logger, jobs ...Job) (*Scheduled, error) {
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: len(jobs),
		Queues: map[string]int{
			"default": 1,
		},
		LogLevel: asynq.WarnLevel,
	})

	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{LogLevel: asynq.WarnLevel})
	for _, job := range jobs {
		cronspec := fmt.Sprintf("@every %s", job.Interval)
		task := asynq.NewTask(TaskType(job.Name), nil)
		if _, err := scheduler.Register(cronspec, task, asynq.MaxRetry(0), asynq.Unique(job.Interval)); err != nil {
			return nil, fmt.Errorf("register %s: %w", task.Type(), err)
		}
	}

	return &Scheduled{
		server:    server,
		scheduler: scheduler,
		mux:       NewServeMux(logger, jobs...),
		jobs:      jobs,
		logger:    logger,
	}, nil
}

func (s *Scheduled) Start() error {
	if err := s.scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := s.server.Start(s.mux); err != nil {
		s.scheduler.Shutdown()
		return fmt.Errorf("start asynq server: %w", err)
	}
	s.logger.Info("Asynq sweeps scheduled", "jobs", len(s.jobs))
	return nil
}

func (s *Scheduled) Shutdown() {
	s.scheduler.Shutdown()
	s.server.Shutdown()
}
