// ABOUTME: Periodic background jobs: feed scans, auto backups and state cleanup
// ABOUTME: Each job runs on its own ticker, never overlaps itself and survives panics

// Package scheduler runs named jobs at fixed intervals until its context ends.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	// RunAtStart runs the job once before the first tick.
	RunAtStart bool
	// Timeout bounds a single run; zero means no limit beyond the parent context.
	Timeout time.Duration
	Fn      func(ctx context.Context) error
}

// Status is the outcome of a job's most recent run.
type Status struct {
	Name     string        `json:"name"`
	Runs     int           `json:"runs"`
	LastRun  time.Time     `json:"last_run"`
	Duration time.Duration `json:"duration"`
	LastErr  string        `json:"last_error,omitempty"`
}

// Scheduler owns a fixed set of jobs.
type Scheduler struct {
	jobs   []Job
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	status map[string]*Status
}

// New validates jobs and returns a Scheduler for them.
func New(logger *slog.Logger, jobs ...Job) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	seen := make(map[string]bool, len(jobs))
	status := make(map[string]*Status, len(jobs))
	for _, j := range jobs {
		switch {
		case j.Name == "":
			return nil, errors.New("job name is required")
		case seen[j.Name]:
			return nil, fmt.Errorf("duplicate job %q", j.Name)
		case j.Interval <= 0:
			return nil, fmt.Errorf("job %q: interval must be positive", j.Name)
		case j.Fn == nil:
			return nil, fmt.Errorf("job %q: function is required", j.Name)
		}
		seen[j.Name] = true
		status[j.Name] = &Status{Name: j.Name}
	}
	return &Scheduler{
		jobs:   jobs,
		logger: logger.With("component", "scheduler"),
		now:    time.Now,
		status: status,
	}, nil
}

// Run starts every job and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, j := range s.jobs {
		g.Go(func() error {
			s.loop(ctx, j)
			return nil
		})
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	err := g.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	if j.RunAtStart {
		s.RunOnce(ctx, j)
	}

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx, j)
		}
	}
}

// RunOnce runs j synchronously, recording its outcome. A panic is logged
// and reported as an error.
func (s *Scheduler) RunOnce(ctx context.Context, j Job) (err error) {
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.Name, r)
		}
		took := s.now().Sub(start)
		s.record(j.Name, start, took, err)
		switch {
		case err != nil && ctx.Err() != nil:
			s.logger.Debug("job interrupted", "job", j.Name, "error", err)
		case err != nil:
			s.logger.Error("job failed", "job", j.Name, "duration", took, "error", err)
		default:
			s.logger.Debug("job finished", "job", j.Name, "duration", took)
		}
	}()

	return j.Fn(ctx)
}

func (s *Scheduler) record(name string, start time.Time, took time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[name]
	if !ok {
		st = &Status{Name: name}
		s.status[name] = st
	}
	st.Runs++
	st.LastRun = start
	st.Duration = took
	st.LastErr = ""
	if err != nil {
		st.LastErr = err.Error()
	}
}

// Status returns the state of every job in registration order.
func (s *Scheduler) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *s.status[j.Name])
	}
	return out
}
