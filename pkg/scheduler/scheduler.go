// Package scheduler runs named periodic jobs. Each job gets its own
// goroutine, an optional initial delay, and a per-tick deadline. A tick that
// outlives its interval delays the next one rather than stacking up.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is one periodic task.
type Job struct {
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration
	// Timeout bounds one tick; zero means no deadline.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler owns the job goroutines.
type Scheduler struct {
	log  *zap.Logger
	jobs []Job

	mu      sync.Mutex
	started bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// New returns an empty scheduler.
func New(log *zap.Logger) *Scheduler {
	return &Scheduler{log: log.Named("scheduler"), quit: make(chan struct{})}
}

// Add registers a job. Jobs added after Start are ignored.
func (s *Scheduler) Add(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.jobs = append(s.jobs, job)
}

// Start launches every registered job.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(job)
	}
}

// Stop halts all jobs and waits for in-flight ticks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) loop(job Job) {
	defer s.wg.Done()

	if job.InitialDelay > 0 {
		timer := time.NewTimer(job.InitialDelay)
		select {
		case <-timer.C:
		case <-s.quit:
			timer.Stop()
			return
		}
	}

	s.tick(job)
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.tick(job)
		case <-s.quit:
			return
		}
	}
}

func (s *Scheduler) tick(job Job) {
	ctx := context.Background()
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.log.Error("job failed",
			zap.String("job", job.Name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
	}
}
