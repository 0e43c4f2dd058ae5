package registry

import (
	"sync"

	"github.com/seantiz/haul/internal/model"
)

// Subscription delivers the snapshots of one transfer to a single reader.
//
// Snapshots are queued in a mailbox and handed to the reader by a pump
// goroutine, so the registry never blocks on a slow reader. Consecutive
// in-progress snapshots of the same state coalesce to the latest one;
// a terminal snapshot is always delivered and ends the subscription.
type Subscription struct {
	refID   int64
	updates chan model.Snapshot
	wake    chan struct{}
	closed  chan struct{}
	exited  chan struct{}
	once    sync.Once

	mu     sync.Mutex
	queue  []model.Snapshot
	ending bool
	endErr error
	err    error

	onDone func(s *Subscription, delivered bool)
}

func newSubscription(refID int64, onDone func(*Subscription, bool)) *Subscription {
	s := &Subscription{
		refID:   refID,
		updates: make(chan model.Snapshot),
		wake:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
		exited:  make(chan struct{}),
		onDone:  onDone,
	}
	go s.pump()
	return s
}

// RefID returns the transfer this subscription follows.
func (s *Subscription) RefID() int64 { return s.refID }

// Updates returns the snapshot channel. It is closed when the transfer
// reaches a terminal state, is cancelled, or the subscription is closed.
func (s *Subscription) Updates() <-chan model.Snapshot { return s.updates }

// Err reports why Updates was closed: nil after SUCCESSFUL, a
// *model.TransferFailure after FAILED, model.ErrCancelled after a cancel.
// It is only meaningful once Updates is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close detaches the reader and waits until the registry has released the
// subscription. Pending snapshots are dropped.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.closed) })
	<-s.exited
}

// push queues snap for delivery. It never blocks.
func (s *Subscription) push(snap model.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ending {
		return
	}

	inProgress := model.IsInProgress(snap.State())
	if n := len(s.queue); n > 0 && inProgress && s.queue[n-1].State() == snap.State() {
		s.queue[n-1] = snap
	} else {
		s.queue = append(s.queue, snap)
	}

	if !inProgress {
		s.ending = true
		if f, ok := snap.Status.(model.Failed); ok {
			s.endErr = &model.TransferFailure{RefID: snap.RefID, Reason: f.Reason, ResumeToken: f.ResumeToken}
		}
	}
	s.signal()
}

// cancel ends the subscription without delivering anything still queued.
func (s *Subscription) cancel(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ending = true
	s.queue = nil
	s.endErr = err
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() (model.Snapshot, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		snap := s.queue[0]
		s.queue = s.queue[1:]
		return snap, true, false
	}
	return model.Snapshot{}, false, s.ending
}

func (s *Subscription) pump() {
	delivered := false
	defer func() {
		if s.onDone != nil {
			s.onDone(s, delivered)
		}
		close(s.updates)
		close(s.exited)
	}()

	for {
		snap, ok, done := s.next()
		if done {
			s.mu.Lock()
			s.err = s.endErr
			s.mu.Unlock()
			delivered = s.err == nil || isFailure(s.err)
			return
		}
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.closed:
				s.finish(model.ErrCancelled)
				return
			}
		}
		select {
		case s.updates <- snap:
		case <-s.closed:
			s.finish(model.ErrCancelled)
			return
		}
	}
}

func (s *Subscription) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ending = true
	s.queue = nil
	s.err = err
}

func isFailure(err error) bool {
	_, ok := err.(*model.TransferFailure)
	return ok
}
