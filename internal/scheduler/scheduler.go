// Package scheduler serializes sync jobs for tier pairs. Requests for a pair
// that is already queued share the pending job.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/tiersync/internal/changeset"
	syncerrors "github.com/devrev/tiersync/internal/errors"
	"github.com/devrev/tiersync/internal/metrics"
	"github.com/devrev/tiersync/internal/model"
	"github.com/devrev/tiersync/internal/util/workerpool"
	"go.uber.org/zap"
)

const (
	DefaultTickInterval = 100 * time.Millisecond
	DefaultJobTimeout   = 2 * time.Minute
)

// Runner executes one sync of a tier pair
type Runner interface {
	Sync(ctx context.Context, a, b model.Tier) (changeset.Result, error)
}

// Config holds scheduler configuration
type Config struct {
	TickInterval time.Duration
	// JobTimeout bounds a single sync; zero disables it
	JobTimeout time.Duration
}

// Job is the pending or finished sync of one pair
type Job struct {
	Pair   model.Pair
	done   chan struct{}
	result changeset.Result
	err    error
}

func newJob(pair model.Pair) *Job {
	return &Job{Pair: pair, done: make(chan struct{})}
}

// Done is closed when the job settled
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job settled or ctx ends
func (j *Job) Wait(ctx context.Context) (changeset.Result, error) {
	select {
	case <-j.done:
		return j.result, j.err
	case <-ctx.Done():
		return changeset.Result{}, ctx.Err()
	}
}

func (j *Job) settle(res changeset.Result, err error) {
	j.result, j.err = res, err
	close(j.done)
}

// Scheduler is the coalescing sync queue of one tenant
type Scheduler struct {
	runner  Runner
	cfg     Config
	pool    *workerpool.WorkerPool
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu           sync.Mutex
	pending      map[model.Pair]*Job
	queue        []model.Pair
	running      *Job
	shuttingDown bool
	lastErr      error
	lastRun      time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	loopDone  chan struct{}
}

// New creates a scheduler. Jobs run once Start is called.
func New(runner Runner, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if m == nil {
		m = metrics.NewNopMetrics()
	}
	return &Scheduler{
		runner:  runner,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		pool: workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "sync",
			MaxWorkers: 1,
			QueueSize:  1,
			Logger:     logger,
		}),
		pending:  make(map[model.Pair]*Job),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Start launches the tick loop
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		go s.loop()
	})
}

// Enqueue adds a sync of (a, b) to the queue, or returns the job already
// pending for that pair
func (s *Scheduler) Enqueue(a, b model.Tier) (*Job, error) {
	pair := model.Pair{Source: a, Target: b}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shuttingDown {
		return nil, syncerrors.ShuttingDown("sync scheduler")
	}
	if job, ok := s.pending[pair]; ok {
		s.metrics.CoalescedRequestsTotal.WithLabelValues(pair.String()).Inc()
		return job, nil
	}
	job := newJob(pair)
	s.pending[pair] = job
	s.queue = append(s.queue, pair)
	s.metrics.QueueDepth.Set(float64(len(s.queue)))
	return job, nil
}

// TriggerSync enqueues a sync of (a, b) without waiting for it
func (s *Scheduler) TriggerSync(a, b model.Tier) {
	if _, err := s.Enqueue(a, b); err != nil {
		s.logger.Debug("Sync trigger dropped",
			zap.String("pair", model.Pair{Source: a, Target: b}.String()),
			zap.Error(err))
	}
}

// Sync enqueues a sync of (a, b) and waits for its result
func (s *Scheduler) Sync(ctx context.Context, a, b model.Tier) (changeset.Result, error) {
	job, err := s.Enqueue(a, b)
	if err != nil {
		return changeset.Result{}, err
	}
	return job.Wait(ctx)
}

// Pending returns the number of queued jobs, not counting a running one
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Status describes the scheduler for health and status reporting
type Status struct {
	Pending      int              `json:"pending"`
	Running      string           `json:"running,omitempty"`
	ShuttingDown bool             `json:"shutting_down"`
	LastRun      time.Time        `json:"last_run,omitempty"`
	LastError    string           `json:"last_error,omitempty"`
	Executor     workerpool.Stats `json:"executor"`
}

// Status returns a snapshot of the scheduler state
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Pending:      len(s.queue),
		ShuttingDown: s.shuttingDown,
		LastRun:      s.lastRun,
		Executor:     s.pool.Stats(),
	}
	if s.running != nil {
		st.Running = s.running.Pair.String()
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// GracefulShutdown rejects new jobs and waits until the queue drained and
// no job is running. It returns ctx's error if that takes too long; the
// loop keeps draining in that case.
func (s *Scheduler) GracefulShutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()

	s.Start()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for !s.idle() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("sync scheduler shutdown: %w", ctx.Err())
		case <-ticker.C:
		}
	}

	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.loopDone
	if err := s.pool.Stop(s.cfg.TickInterval); err != nil {
		return err
	}
	s.logger.Info("Sync scheduler stopped")
	return nil
}

func (s *Scheduler) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0 && s.running == nil
}

// loop runs one job per tick. The next tick is armed only after the job
// settled, so jobs never overlap.
func (s *Scheduler) loop() {
	defer close(s.loopDone)
	timer := time.NewTimer(s.cfg.TickInterval)
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-timer.C:
		}
		if job := s.dequeue(); job != nil {
			s.run(job)
		}
		timer.Reset(s.cfg.TickInterval)
	}
}

func (s *Scheduler) dequeue() *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	pair := s.queue[0]
	s.queue = s.queue[1:]
	job := s.pending[pair]
	delete(s.pending, pair)
	s.running = job
	s.metrics.QueueDepth.Set(float64(len(s.queue)))
	return job
}

func (s *Scheduler) run(job *Job) {
	var res changeset.Result
	finished := make(chan error, 1)
	err := s.pool.Submit(workerpool.Task{
		ID:      job.Pair.String(),
		Timeout: s.cfg.JobTimeout,
		Fn: func(ctx context.Context) error {
			var err error
			res, err = s.runner.Sync(ctx, job.Pair.Source, job.Pair.Target)
			return err
		},
		Done: func(err error) { finished <- err },
	})
	if err == nil {
		err = <-finished
	}

	s.mu.Lock()
	s.running = nil
	s.lastRun = time.Now()
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("Sync job failed", zap.String("pair", job.Pair.String()), zap.Error(err))
	}
	job.settle(res, err)
}
