package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is one scheduled aggregation.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs aggregation jobs on fixed cadences. Each run carries a
// deadline of half the cadence; a run that overruns is cancelled and the
// next tick retries, so a slow store cannot stack up overlapping runs.
type Scheduler struct {
	jobs   []Job
	logger *slog.Logger
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{logger: logger}
}

// Add registers a job.
func (s *Scheduler) Add(name string, interval time.Duration, run func(ctx context.Context) error) {
	s.jobs = append(s.jobs, Job{Name: name, Interval: interval, Run: run})
}

// Run blocks until ctx is cancelled. Every job fires once at startup so a
// fresh deployment serves metrics without waiting a full cadence.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			s.loop(ctx, j)
		}(job)
	}
	wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	s.runOnce(ctx, j)

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, j)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j Job) {
	runCtx, cancel := context.WithTimeout(ctx, j.Interval/2)
	defer cancel()

	start := time.Now()
	if err := j.Run(runCtx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("aggregation job failed",
			"job", j.Name, "elapsed", time.Since(start), "error", err)
		return
	}
	s.logger.Debug("aggregation job completed",
		"job", j.Name, "elapsed", time.Since(start))
}
