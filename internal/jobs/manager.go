// Package jobs runs named download jobs: ordered request lists fetched one
// transfer at a time, persisted so a restarted process resumes where the
// last one stopped. It also exposes the single-download operations.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/haul/internal/engine"
	"github.com/seantiz/haul/internal/fsys"
	"github.com/seantiz/haul/internal/jobstore"
	"github.com/seantiz/haul/internal/model"
	"github.com/seantiz/haul/internal/registry"
)

// sizeConcurrency bounds parallel size probes during job submission.
const sizeConcurrency = 4

// Manager orchestrates download jobs on top of the task registry.
type Manager struct {
	registry *registry.Registry
	store    *jobstore.Store
	sandbox  *fsys.Sandbox
	sizer    engine.Sizer
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	runners map[string]*runner
}

type runner struct {
	runID  string
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// New creates a job manager. sizer may be nil, in which case byte totals
// start at zero and grow from engine reports. Ref ids recorded by stored
// jobs are excluded from reg so new transfers never reuse them.
func New(reg *registry.Registry, store *jobstore.Store, sandbox *fsys.Sandbox, sizer engine.Sizer, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		registry: reg,
		store:    store,
		sandbox:  sandbox,
		sizer:    sizer,
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		runners:  make(map[string]*runner),
	}

	var floor int64
	for _, job := range store.List() {
		if ids := job.Status.RefIDs(); len(ids) > 0 {
			floor = max(floor, ids[len(ids)-1])
		}
	}
	reg.ExcludeIDs(floor, m.recorded)
	return m
}

// recorded reports whether any stored job refers to refID.
func (m *Manager) recorded(refID int64) bool {
	for _, job := range m.store.List() {
		if slices.Contains(job.Status.RefIDs(), refID) {
			return true
		}
	}
	return false
}

// SubmitJob validates and persists a new job. Nothing is downloaded until
// the job's status is requested.
func (m *Manager) SubmitJob(ctx context.Context, job model.DownloadJob) error {
	if err := job.Validate(); err != nil {
		return &model.SubmissionError{Reason: "invalid job", Err: err}
	}
	for _, req := range job.Requests {
		if err := m.sandbox.Check(req.DestinationLocalURI, req.Overwrite); err != nil {
			return err
		}
	}
	if m.store.Has(job.JobName) {
		return &model.JobAlreadyRunningError{JobName: job.JobName}
	}

	job = job.Clone()
	job.Status = model.NewJobStatus(len(job.Requests), m.estimate(ctx, job.Requests))
	if err := m.store.Create(ctx, job); err != nil {
		return err
	}

	jobsTotal.WithLabelValues(outcomeSubmitted).Inc()
	m.logger.Info("job submitted",
		"job", job.JobName,
		"downloads", len(job.Requests),
		"bytes_total", humanize.IBytes(uint64(job.Status.BytesTotal)),
	)
	return nil
}

// estimate sums the expected sizes of reqs. Unknown sizes count as zero.
func (m *Manager) estimate(ctx context.Context, reqs []model.DownloadRequest) int64 {
	if m.sizer == nil {
		return 0
	}
	sizes := make([]int64, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sizeConcurrency)
	for i, req := range reqs {
		g.Go(func() error {
			n, err := m.sizer.Size(gctx, req)
			if err != nil {
				m.logger.Debug("size probe failed", "url", req.URL, "error", err)
				return nil
			}
			sizes[i] = max(n, 0)
			return nil
		})
	}
	_ = g.Wait()

	var total int64
	for _, n := range sizes {
		total += n
	}
	return total
}

// GetJobStatus starts (or resumes) the named job and returns its progress
// stream. The run stops when ctx is cancelled or the stream is closed; a
// later call resumes it. Only one stream per job may be open at a time.
func (m *Manager) GetJobStatus(ctx context.Context, name string) (*JobStream, error) {
	if _, err := m.store.Get(name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runners[name]; ok {
		return nil, &model.DuplicateSubscriptionError{Stream: fmt.Sprintf("job %q", name)}
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	stopOnClose := context.AfterFunc(m.ctx, func() { cancel(model.ErrCancelled) })
	r := &runner{runID: model.NewRunID(), cancel: cancel, done: make(chan struct{})}
	m.runners[name] = r
	stream := newJobStream(cancel)
	jobsRunning.Inc()

	m.wg.Go(func() {
		defer stopOnClose()
		err := m.run(runCtx, stream, name, r.runID)
		if runCtx.Err() != nil && errors.Is(err, context.Canceled) {
			err = context.Cause(runCtx)
		}
		cancel(nil)

		m.mu.Lock()
		if m.runners[name] == r {
			delete(m.runners, name)
		}
		m.mu.Unlock()
		jobsRunning.Dec()
		close(r.done)

		m.record(name, r.runID, err)
		stream.finish(err)
	})
	return stream, nil
}

func (m *Manager) record(name, runID string, err error) {
	var jf *model.JobFailedError
	switch {
	case err == nil:
		jobsTotal.WithLabelValues(outcomeComplete).Inc()
	case errors.As(err, &jf):
		jobsTotal.WithLabelValues(outcomeFailed).Inc()
		m.logger.Warn("job failed", "job", name, "run_id", runID, "ref_id", jf.Failure.RefID, "reason", jf.Failure.Reason)
	case errors.Is(err, model.ErrCancelled), errors.Is(err, context.Canceled):
		jobsTotal.WithLabelValues(outcomeCancelled).Inc()
		m.logger.Info("job run stopped", "job", name, "run_id", runID)
	default:
		jobsTotal.WithLabelValues(outcomeFailed).Inc()
		m.logger.Error("job run aborted", "job", name, "run_id", runID, "error", err)
	}
}

// stopRunner cancels the named job's runner, if any, and waits for it.
func (m *Manager) stopRunner(name string) {
	m.mu.Lock()
	r, ok := m.runners[name]
	m.mu.Unlock()
	if !ok {
		return
	}
	r.cancel(model.ErrCancelled)
	<-r.done
}

// DeleteJob stops the job, cancels its in-flight transfer and forgets it.
// Files of requests that did not finish are removed; file-system errors are
// logged and do not fail the call.
func (m *Manager) DeleteJob(ctx context.Context, name string) error {
	m.stopRunner(name)

	job, err := m.store.Get(name)
	if err != nil {
		return err
	}
	if job.Status.HasCurrent() {
		m.registry.Cancel(ctx, job.Status.CurrentDownloadRefID)
	}
	if err := m.store.Delete(ctx, name); err != nil {
		return fmt.Errorf("delete job %q: %w", name, err)
	}

	for _, req := range job.Requests[len(job.Status.DownloadsCompletedRefIDs):] {
		m.sandbox.Discard(req.DestinationLocalURI)
	}
	m.logger.Info("job deleted", "job", name)
	return nil
}

// DeleteAllJobs deletes every stored job, continuing past failures.
func (m *Manager) DeleteAllJobs(ctx context.Context) error {
	var errs []error
	for _, job := range m.store.List() {
		if err := m.DeleteJob(ctx, job.JobName); err != nil && !errors.Is(err, model.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HasRunningJob reports whether a job with this name is stored and not yet
// complete.
func (m *Manager) HasRunningJob(name string) bool {
	return m.store.Has(name)
}

// Streaming reports whether a status stream is currently running the job.
func (m *Manager) Streaming(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runners[name]
	return ok
}

// ListJobs returns every stored job.
func (m *Manager) ListJobs() []model.DownloadJob {
	return m.store.List()
}

// Job returns the stored job.
func (m *Manager) Job(name string) (model.DownloadJob, error) {
	return m.store.Get(name)
}

// FullyDownloaded reports when the named job completed, if it has.
func (m *Manager) FullyDownloaded(name string) (time.Time, bool) {
	return m.store.FullyDownloaded(name)
}

// Wait blocks until all job runners exit.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close stops every runner and waits for them.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}
