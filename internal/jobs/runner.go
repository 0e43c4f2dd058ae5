package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/seantiz/haul/internal/fsys"
	"github.com/seantiz/haul/internal/model"
)

// run drives the named job from its persisted status to completion or the
// first failure. At most one transfer of the job is in flight at any time.
func (m *Manager) run(ctx context.Context, stream *JobStream, name, runID string) error {
	j := &jobRun{m: m, stream: stream, name: name, runID: runID, state: model.JobNotStarted}

	job, err := m.store.Get(name)
	if err != nil {
		return err
	}
	if err := j.transition(model.JobRunning); err != nil {
		return err
	}
	if err := j.emit(ctx, job); err != nil {
		return err
	}
	m.logger.Info("job run started",
		"job", name,
		"run_id", runID,
		"completed", len(job.Status.DownloadsCompletedRefIDs),
		"total", job.Status.DownloadsTotal,
		"current_ref_id", job.Status.CurrentDownloadRefID,
	)

	// The queue excludes the recorded in-flight request, which is handled
	// by reattach.
	queue := job.Remaining()

	if job.Status.HasCurrent() {
		if job, err = j.reattach(ctx, job); err != nil {
			return err
		}
	}

	for _, req := range queue {
		refID, err := m.registry.Submit(ctx, req)
		if err != nil {
			return fmt.Errorf("job %q: submit %s: %w", name, req.DestinationLocalURI, err)
		}
		job, err = j.update(ctx, func(s *model.JobStatus) {
			s.CurrentDownloadRefID = refID
		})
		if err != nil {
			return err
		}
		if job, err = j.follow(ctx, job, refID); err != nil {
			return err
		}
	}

	return j.complete(ctx, job)
}

// jobRun holds the state of one runner goroutine.
type jobRun struct {
	m      *Manager
	stream *JobStream
	name   string
	runID  string
	state  model.JobState
}

func (j *jobRun) transition(to model.JobState) error {
	if !model.ValidJobTransition(j.state, to) {
		return fmt.Errorf("job %q: %s -> %s: %w", j.name, j.state, to, model.ErrInvalidTransition)
	}
	j.state = to
	return nil
}

func (j *jobRun) emit(ctx context.Context, job model.DownloadJob) error {
	return j.stream.send(ctx, job.Progress(j.runID, j.state))
}

// update persists a status change. Writes are not tied to the run's
// lifetime so that a cancel never leaves a half-applied status.
func (j *jobRun) update(ctx context.Context, fn func(*model.JobStatus)) (model.DownloadJob, error) {
	job, err := j.m.store.Update(context.WithoutCancel(ctx), j.name, fn)
	if err != nil {
		return model.DownloadJob{}, fmt.Errorf("job %q: persist status: %w", j.name, err)
	}
	return job, nil
}

// reattach continues the transfer recorded as in flight: from the registry
// if it is still tracked, from the engine if it survived a restart, or by
// submitting the request again from scratch.
func (j *jobRun) reattach(ctx context.Context, job model.DownloadJob) (model.DownloadJob, error) {
	refID := job.Status.CurrentDownloadRefID
	req, ok := job.Current()
	if !ok {
		j.m.logger.Warn("job records a transfer past its last request", "job", j.name, "ref_id", refID)
		return j.update(ctx, func(s *model.JobStatus) {
			s.CurrentDownloadRefID = model.NoRefID
		})
	}

	if _, err := j.m.registry.Get(refID); err == nil {
		j.m.logger.Info("following tracked transfer", "job", j.name, "ref_id", refID)
		return j.follow(ctx, job, refID)
	}
	_, err := j.m.registry.Adopt(ctx, refID, req)
	if err == nil {
		j.m.logger.Info("reattached to engine transfer", "job", j.name, "ref_id", refID)
		return j.follow(ctx, job, refID)
	}
	j.m.logger.Info("engine lost transfer, starting over", "job", j.name, "ref_id", refID, "reason", err)

	fresh := req.Clone()
	fresh.Overwrite = true
	newID, err := j.m.registry.Submit(ctx, fresh)
	if err != nil {
		return model.DownloadJob{}, fmt.Errorf("job %q: resubmit %s: %w", j.name, req.DestinationLocalURI, err)
	}
	job, err = j.update(ctx, func(s *model.JobStatus) {
		delete(s.BytesDownloadedByRefID, refID)
		s.CurrentDownloadRefID = newID
	})
	if err != nil {
		return model.DownloadJob{}, err
	}
	return j.follow(ctx, job, newID)
}

// follow forwards refID's snapshots as job progress until the transfer ends.
func (j *jobRun) follow(ctx context.Context, job model.DownloadJob, refID int64) (model.DownloadJob, error) {
	sub, err := j.m.registry.Subscribe(refID)
	if err != nil {
		return job, fmt.Errorf("job %q: %w", j.name, err)
	}
	defer sub.Close()

	for {
		select {
		case snap, ok := <-sub.Updates():
			if !ok {
				return j.settle(ctx, job, refID, sub.Err())
			}
			if job.Status.BytesDownloadedByRefID[refID] != snap.BytesDownloaded {
				job, err = j.update(ctx, func(s *model.JobStatus) {
					s.SetBytes(refID, snap.BytesDownloaded)
				})
				if err != nil {
					return job, err
				}
			}
			if err := j.emit(ctx, job); err != nil {
				return job, err
			}
		case <-ctx.Done():
			return job, context.Cause(ctx)
		}
	}
}

// settle records how refID's transfer ended.
func (j *jobRun) settle(ctx context.Context, job model.DownloadJob, refID int64, streamErr error) (model.DownloadJob, error) {
	var failure *model.TransferFailure
	var err error
	switch {
	case streamErr == nil:
		job, err = j.update(ctx, func(s *model.JobStatus) {
			s.DownloadsCompletedRefIDs = append(s.DownloadsCompletedRefIDs, refID)
			s.CurrentDownloadRefID = model.NoRefID
		})
		if err != nil {
			return job, err
		}
		return job, j.emit(ctx, job)

	case errors.As(streamErr, &failure):
		job, err = j.update(ctx, func(s *model.JobStatus) {
			delete(s.BytesDownloadedByRefID, refID)
			s.CurrentDownloadRefID = model.NoRefID
		})
		if err != nil {
			return job, err
		}
		if err := j.transition(model.JobFailed); err != nil {
			return job, err
		}
		// Best effort: the reader learns of the failure from Err either way.
		_ = j.emit(ctx, job)
		return job, &model.JobFailedError{JobName: j.name, Failure: failure}

	default:
		return job, fmt.Errorf("job %q: download %d: %w", j.name, refID, streamErr)
	}
}

// complete removes a finished job and records its completion markers.
func (j *jobRun) complete(ctx context.Context, job model.DownloadJob) error {
	if !job.Complete() {
		return fmt.Errorf("job %q: queue drained with %d of %d downloads complete",
			j.name, len(job.Status.DownloadsCompletedRefIDs), len(job.Requests))
	}
	if err := j.transition(model.JobComplete); err != nil {
		return err
	}

	persist := context.WithoutCancel(ctx)
	if err := j.m.store.Delete(persist, j.name); err != nil {
		return fmt.Errorf("job %q: remove finished job: %w", j.name, err)
	}
	if err := j.m.store.MarkFullyDownloaded(persist, j.name, j.m.now()); err != nil {
		j.m.logger.Warn("record fully-downloaded marker", "job", j.name, "error", err)
	}

	dests := make([]string, len(job.Requests))
	for i, r := range job.Requests {
		dests[i] = r.DestinationLocalURI
	}
	if dir := fsys.CommonDir(dests); dir != "" {
		if err := j.m.sandbox.MarkFullyDownloaded(dir, j.name); err != nil {
			j.m.logger.Warn("write fully-downloaded marker", "job", j.name, "path", filepath.Join(dir, fsys.MarkerFileName), "error", err)
		}
	}

	j.m.logger.Info("job complete", "job", j.name, "run_id", j.runID, "downloads", len(job.Requests))
	_ = j.emit(ctx, job)
	return nil
}
