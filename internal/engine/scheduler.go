package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/example/vulntrack/internal/metrics"
)

// ErrClosed is returned by Submit after Shutdown started.
var ErrClosed = errors.New("scheduler is shut down")

// Job is one unit of background work. ctx is detached from the request that
// submitted the job and is cancelled only when shutdown gives up waiting.
type Job func(ctx context.Context)

// Scheduler runs jobs in the background. Jobs of the same application run one
// at a time in submission order; jobs of different applications run in
// parallel, at most workers at once.
type Scheduler struct {
	mu     sync.Mutex
	queues map[string][]Job // key present while a drainer runs for the app
	closed bool

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
}

func NewScheduler(workers int, log *slog.Logger) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		queues: make(map[string][]Job),
		sem:    make(chan struct{}, workers),
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}
}

// Submit queues job behind any job already pending for appID.
func (s *Scheduler) Submit(appID string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	s.wg.Add(1)
	metrics.QueuedJobs.Inc()
	q, running := s.queues[appID]
	s.queues[appID] = append(q, job)
	if !running {
		go s.drain(appID)
	}
	return nil
}

func (s *Scheduler) drain(appID string) {
	for {
		s.mu.Lock()
		q := s.queues[appID]
		if len(q) == 0 {
			delete(s.queues, appID)
			s.mu.Unlock()
			return
		}
		job := q[0]
		q[0] = nil
		s.queues[appID] = q[1:]
		s.mu.Unlock()

		s.run(appID, job)
	}
}

func (s *Scheduler) run(appID string, job Job) {
	defer s.wg.Done()

	s.sem <- struct{}{}
	defer func() { <-s.sem }()
	metrics.QueuedJobs.Dec()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("reconciliation job panicked", "app_id", appID, "panic", r)
		}
	}()
	job(s.ctx)
}

// Wait blocks until every submitted job has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Shutdown stops accepting jobs and waits for queued ones. When ctx expires
// first, running jobs see their context cancelled and ctx's error is
// returned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}
