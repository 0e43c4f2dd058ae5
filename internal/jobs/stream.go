package jobs

import (
	"context"
	"sync"

	"github.com/seantiz/haul/internal/model"
)

// JobStream carries the progress of one job run to its single reader.
type JobStream struct {
	updates chan model.JobProgress
	cancel  context.CancelCauseFunc

	mu  sync.Mutex
	err error
}

func newJobStream(cancel context.CancelCauseFunc) *JobStream {
	return &JobStream{
		updates: make(chan model.JobProgress),
		cancel:  cancel,
	}
}

// Updates returns the progress channel. It is closed when the run ends.
func (s *JobStream) Updates() <-chan model.JobProgress { return s.updates }

// Err reports why Updates was closed: nil when every request finished, a
// *model.JobFailedError when a transfer failed, model.ErrCancelled when the
// job was deleted or the stream closed, or the error that stopped the run.
func (s *JobStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the run. Transfers already started keep going and are picked
// up again by the next status request.
func (s *JobStream) Close() {
	s.cancel(model.ErrCancelled)
}

func (s *JobStream) send(ctx context.Context, p model.JobProgress) error {
	select {
	case s.updates <- p:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (s *JobStream) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.updates)
}
