package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
	"github.com/fyrsmithlabs/repoflow/internal/logging"
	"github.com/fyrsmithlabs/repoflow/internal/repoops"
)

// ErrShuttingDown is returned by Submit and Approve after Shutdown.
var ErrShuttingDown = errors.New("job manager is shutting down")

// Pipeline is the part of repoops.Pipeline a Manager drives.
type Pipeline interface {
	Prepare(req repoops.RunRequest) repoops.RunRequest
	Run(ctx context.Context, req repoops.RunRequest, rec repoops.Recorder) (*repoops.RunResult, error)
	Resume(ctx context.Context, req repoops.RunRequest, plan *repoops.Plan, rec repoops.Recorder) (*repoops.RunResult, error)
}

var _ Pipeline = (*repoops.Pipeline)(nil)

// Config bounds a Manager.
type Config struct {
	MaxConcurrent   int
	ShutdownTimeout time.Duration
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// parked is a run stopped at the approval gate.
type parked struct {
	req  repoops.RunRequest
	plan *repoops.Plan
}

// Manager executes pipeline runs as background jobs.
type Manager struct {
	pipeline Pipeline
	store    *Store
	cfg      Config
	sem      *semaphore.Weighted
	logger   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	done    map[string]chan struct{}
	pending map[string]parked
}

// NewManager creates a Manager. store may be nil for a fresh in-memory one.
func NewManager(pipeline Pipeline, store *Store, cfg Config, logger *logging.Logger) *Manager {
	cfg.ApplyDefaults()
	if store == nil {
		store = NewStore()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		pipeline: pipeline,
		store:    store,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:   logger.Named("jobs"),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(map[string]chan struct{}),
		pending:  make(map[string]parked),
	}
}

// Submit records a queued job for req and starts it in the background. It
// returns before any phase runs.
func (m *Manager) Submit(ctx context.Context, req repoops.RunRequest) (Job, error) {
	req = m.pipeline.Prepare(req)
	id := uuid.NewString()
	job := newJob(id, req, time.Now().UTC())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Job{}, ErrShuttingDown
	}
	m.store.Put(job)
	m.mu.Unlock()

	JobsSubmitted.Inc()
	m.logger.Info(logging.WithJobID(ctx, id), "job submitted",
		zap.String("head_branch", req.HeadBranch),
		zap.Bool("require_approval", req.RequireApproval),
		zap.String(logging.KeyCorrelationID, req.CorrelationID),
	)

	m.start(id, req, func(ctx context.Context, rec repoops.Recorder) (*repoops.RunResult, error) {
		return m.pipeline.Run(ctx, req, rec)
	})
	return job.clone(), nil
}

// Approve resumes a job parked at the approval gate.
func (m *Manager) Approve(ctx context.Context, id string) (Job, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Job{}, ErrShuttingDown
	}
	p, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		if _, err := m.store.Get(id); err != nil {
			return Job{}, err
		}
		return Job{}, fmt.Errorf("%w: job %q is not pending approval", flowerr.ErrInvalidRequest, id)
	}
	delete(m.pending, id)
	m.mu.Unlock()

	job, err := m.store.Update(id, func(j *Job) {
		j.Status = StatusQueued
	})
	if err != nil {
		return Job{}, err
	}

	m.logger.Info(logging.WithJobID(ctx, id), "job approved", zap.String("head_branch", p.req.HeadBranch))
	m.start(id, p.req, func(ctx context.Context, rec repoops.Recorder) (*repoops.RunResult, error) {
		return m.pipeline.Resume(ctx, p.req, p.plan, rec)
	})
	return job, nil
}

// Get returns a snapshot of job id.
func (m *Manager) Get(id string) (Job, error) {
	return m.store.Get(id)
}

// Wait blocks until the current execution of job id stops (completed,
// failed or pending approval) or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (Job, error) {
	m.mu.Lock()
	done, ok := m.done[id]
	m.mu.Unlock()
	if !ok {
		return m.store.Get(id)
	}
	select {
	case <-done:
		return m.store.Get(id)
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Shutdown stops accepting work, cancels running jobs and waits for them up
// to the configured timeout or ctx, whichever ends first.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

type runFunc func(ctx context.Context, rec repoops.Recorder) (*repoops.RunResult, error)

func (m *Manager) start(id string, req repoops.RunRequest, run runFunc) {
	done := make(chan struct{})
	m.mu.Lock()
	m.done[id] = done
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		m.execute(id, req, run)
	}()
}

func (m *Manager) execute(id string, req repoops.RunRequest, run runFunc) {
	ctx := logging.WithJobID(m.ctx, id)
	ctx = logging.WithCorrelationID(ctx, req.CorrelationID)

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.finish(ctx, id, req, nil, fmt.Errorf("job not started: %w", err))
		return
	}
	defer m.sem.Release(1)

	JobsRunning.Inc()
	start := time.Now()
	defer func() {
		JobsRunning.Dec()
		JobDuration.Observe(time.Since(start).Seconds())
	}()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error(ctx, "job panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			m.finish(ctx, id, req, nil, fmt.Errorf("job panicked: %v", r))
		}
	}()

	if _, err := m.store.Update(id, func(j *Job) { j.Status = StatusRunning }); err != nil {
		m.logger.Error(ctx, "job vanished before start", zap.Error(err))
		return
	}

	res, err := run(ctx, &recorder{store: m.store, id: id})
	m.finish(ctx, id, req, res, err)
}

func (m *Manager) finish(ctx context.Context, id string, req repoops.RunRequest, res *repoops.RunResult, err error) {
	status := StatusCompleted
	switch {
	case err != nil:
		status = StatusFailed
	case res != nil && res.Status == repoops.StatusPendingApproval:
		status = StatusPendingApproval
	}

	_, uerr := m.store.Update(id, func(j *Job) {
		j.Status = status
		if res != nil {
			j.OK = res.OK
			j.Result = res
			if res.HeadBranch != "" {
				j.HeadBranch = res.HeadBranch
			}
		}
		if err != nil {
			j.OK = false
			j.Error = flowerr.WithCorrelation(err, req.CorrelationID)
		}
		if status == StatusCompleted {
			j.Progress = 100
		}
	})
	if uerr != nil {
		m.logger.Error(ctx, "failed to record job result", zap.Error(uerr))
		return
	}

	// Park only once the record says pending_approval, so an Approve can
	// never be overwritten by this update.
	if status == StatusPendingApproval {
		m.mu.Lock()
		m.pending[id] = parked{req: req, plan: res.Plan}
		m.mu.Unlock()
	}

	JobsFinished.WithLabelValues(string(status)).Inc()
	if err != nil {
		m.logger.Warn(ctx, "job failed", zap.Error(err))
		return
	}
	m.logger.Info(ctx, "job stopped", zap.String("status", string(status)))
}

// recorder mirrors pipeline progress into the job record.
type recorder struct {
	store *Store
	id    string
}

func (r *recorder) PhaseStarted(phase repoops.Phase, at time.Time) {
	_, _ = r.store.Update(r.id, func(j *Job) {
		j.Phase = phase
		j.Phases[phase] = &repoops.PhaseResult{Phase: phase, Status: repoops.PhaseRunning, StartedAt: at}
	})
}

func (r *recorder) PhaseFinished(result repoops.PhaseResult, progress int) {
	_, _ = r.store.Update(r.id, func(j *Job) {
		res := result
		j.Phase = result.Phase
		j.Phases[result.Phase] = &res
		j.Progress = progress
	})
}

func (r *recorder) Artifact(a repoops.Artifact) {
	_, _ = r.store.Update(r.id, func(j *Job) {
		j.Artifacts = append(j.Artifacts, a)
	})
}

var _ repoops.Recorder = (*recorder)(nil)
