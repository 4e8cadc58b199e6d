package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devrev/tiersync/internal/changeset"
	syncerrors "github.com/devrev/tiersync/internal/errors"
	"github.com/devrev/tiersync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRunner struct {
	mu       sync.Mutex
	calls    []model.Pair
	active   int32
	overlaps int32
	delay    time.Duration
	err      error
	block    chan struct{}
}

func (f *fakeRunner) Sync(ctx context.Context, a, b model.Tier) (changeset.Result, error) {
	if atomic.AddInt32(&f.active, 1) > 1 {
		atomic.AddInt32(&f.overlaps, 1)
	}
	defer atomic.AddInt32(&f.active, -1)

	f.mu.Lock()
	f.calls = append(f.calls, model.Pair{Source: a, Target: b})
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return changeset.Result{}, ctx.Err()
		}
	}
	time.Sleep(f.delay)
	return changeset.Result{OpsToB: 1}, f.err
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newScheduler(t *testing.T, runner Runner, cfg Config) *Scheduler {
	t.Helper()
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 5 * time.Millisecond
	}
	s := New(runner, cfg, nil, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.GracefulShutdown(ctx)
	})
	return s
}

func TestScheduler_CoalescesPendingRequests(t *testing.T) {
	runner := &fakeRunner{}
	s := newScheduler(t, runner, Config{})

	first, err := s.Enqueue(model.TierFast, model.TierLocal)
	require.NoError(t, err)
	second, err := s.Enqueue(model.TierFast, model.TierLocal)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, s.Pending())

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r1, err := first.Wait(ctx)
	require.NoError(t, err)
	r2, err := second.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
	assert.Equal(t, 1, runner.callCount())
}

func TestScheduler_RunsPairsInOrderOneAtATime(t *testing.T) {
	runner := &fakeRunner{delay: 5 * time.Millisecond}
	s := newScheduler(t, runner, Config{})

	pairs := []model.Pair{
		{Source: model.TierLocal, Target: model.TierCloud},
		{Source: model.TierFast, Target: model.TierLocal},
		{Source: model.TierCloud, Target: model.TierLocal},
	}
	var jobs []*Job
	for _, p := range pairs {
		job, err := s.Enqueue(p.Source, p.Target)
		require.NoError(t, err)
		jobs = append(jobs, job)
	}
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, job := range jobs {
		_, err := job.Wait(ctx)
		require.NoError(t, err)
	}

	runner.mu.Lock()
	assert.Equal(t, pairs, runner.calls)
	runner.mu.Unlock()
	assert.Equal(t, int32(0), atomic.LoadInt32(&runner.overlaps))
}

func TestScheduler_SyncReturnsRunnerError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("tier unavailable")}
	s := newScheduler(t, runner, Config{})
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.Sync(ctx, model.TierLocal, model.TierCloud)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tier unavailable")
	assert.Equal(t, "tier unavailable", s.Status().LastError)
}

func TestScheduler_JobTimeout(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	s := newScheduler(t, runner, Config{JobTimeout: 20 * time.Millisecond})
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.Sync(ctx, model.TierFast, model.TierLocal)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScheduler_GracefulShutdownDrainsQueue(t *testing.T) {
	runner := &fakeRunner{delay: 10 * time.Millisecond}
	s := newScheduler(t, runner, Config{})

	a, err := s.Enqueue(model.TierFast, model.TierLocal)
	require.NoError(t, err)
	b, err := s.Enqueue(model.TierLocal, model.TierCloud)
	require.NoError(t, err)
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.GracefulShutdown(ctx))

	for _, job := range []*Job{a, b} {
		select {
		case <-job.Done():
		default:
			t.Fatalf("job %s abandoned", job.Pair)
		}
	}
	assert.Equal(t, 2, runner.callCount())

	_, err = s.Enqueue(model.TierFast, model.TierLocal)
	require.Error(t, err)
	assert.Equal(t, syncerrors.ErrCodeShuttingDown, syncerrors.GetCode(err))
	assert.True(t, s.Status().ShuttingDown)
}

func TestScheduler_GracefulShutdownHonorsContext(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{block: block}
	s := newScheduler(t, runner, Config{})
	defer close(block)

	_, err := s.Enqueue(model.TierFast, model.TierLocal)
	require.NoError(t, err)
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = s.GracefulShutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
