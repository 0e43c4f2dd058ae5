// Package registry owns the runtime Task records. It assigns ref ids,
// applies bridge observations through the state machine and hands each
// transfer's snapshots to at most one subscriber.
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/seantiz/haul/internal/bridge"
	"github.com/seantiz/haul/internal/fsys"
	"github.com/seantiz/haul/internal/model"
)

// Compile-time interface satisfaction check.
var _ bridge.Sink = (*Registry)(nil)

// maxStartAttempts bounds how often Submit asks the engine again after it
// assigned a recorded id.
const maxStartAttempts = 1024

var errRecordedIDs = errors.New("engine keeps assigning recorded ref ids")

// Registry tracks every submitted transfer. All mutations go through mu.
type Registry struct {
	bridge  bridge.Bridge
	sandbox *fsys.Sandbox
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	counter  int64
	tasks    map[int64]*entry
	recorded func(int64) bool
}

type entry struct {
	task *model.Task
	sub  *Subscription
}

// New creates a registry and attaches it to b.
func New(b bridge.Bridge, sandbox *fsys.Sandbox, logger *slog.Logger) *Registry {
	r := &Registry{
		bridge:   b,
		sandbox:  sandbox,
		logger:   logger,
		now:      time.Now,
		tasks:    make(map[int64]*entry),
		recorded: func(int64) bool { return false },
	}
	b.Attach(r)
	return r
}

// Submit validates req, prepares its destination and starts the transfer.
// Rejections are *model.SubmissionError or *model.EngineError; in both cases
// no task is recorded.
func (r *Registry) Submit(ctx context.Context, req model.DownloadRequest) (int64, error) {
	if err := req.Validate(); err != nil {
		return 0, &model.SubmissionError{Destination: req.DestinationLocalURI, Reason: "invalid request", Err: err}
	}
	if err := r.sandbox.Prepare(req.DestinationLocalURI, req.Overwrite); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Holding mu across Start keeps early observations queued behind the
	// insert below.
	id, err := r.start(ctx, req)
	if err != nil {
		return 0, err
	}
	r.tasks[id] = &entry{task: model.NewTask(id, req.Clone(), r.now())}

	r.logger.Info("download submitted", "ref_id", id, "url", req.URL, "destination", req.DestinationLocalURI)
	return id, nil
}

// start begins the transfer under an id that is neither live nor recorded.
// An engine that hands out a recorded id has that transfer stopped and is
// asked again.
func (r *Registry) start(ctx context.Context, req model.DownloadRequest) (int64, error) {
	for range maxStartAttempts {
		id, err := r.bridge.Start(ctx, r.counter+1, req)
		if err != nil {
			return 0, err
		}
		r.counter = max(r.counter, id)
		if _, live := r.tasks[id]; live {
			return 0, &model.EngineError{Op: "start", Err: fmt.Errorf("ref id %d is already in use", id)}
		}
		if !r.recorded(id) {
			return id, nil
		}
		r.logger.Warn("engine assigned a recorded ref id, retrying", "ref_id", id)
		r.bridge.Stop(ctx, id)
	}
	return 0, &model.EngineError{Op: "start", Err: errRecordedIDs}
}

// ExcludeIDs keeps ids recorded outside the registry, such as by stored
// jobs, from being given to new transfers. The counter moves past floor and
// recorded is consulted for every id an engine assigns. Adopt still accepts
// recorded ids.
func (r *Registry) ExcludeIDs(floor int64, recorded func(id int64) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counter = max(r.counter, floor)
	if recorded != nil {
		r.recorded = recorded
	}
}

// Adopt re-attaches to a transfer started before a restart. It returns
// engine.ErrUnknownTransfer when the engine no longer knows refID.
func (r *Registry) Adopt(ctx context.Context, refID int64, req model.DownloadRequest) (model.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.tasks[refID]; ok {
		return e.task.Snapshot(), nil
	}

	snap, err := r.bridge.Track(ctx, refID)
	if err != nil {
		return model.Snapshot{}, err
	}
	task := model.NewTask(refID, req.Clone(), r.now())
	if _, err := task.Apply(snap, r.now()); err != nil {
		return model.Snapshot{}, err
	}
	r.counter = max(r.counter, refID)
	r.tasks[refID] = &entry{task: task}

	r.logger.Info("download adopted", "ref_id", refID, "state", snap.State())
	return task.Snapshot(), nil
}

// Observe folds a bridge snapshot into its task and forwards it to the
// subscriber if anything changed.
func (r *Registry) Observe(snap model.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tasks[snap.RefID]
	if !ok {
		r.logger.Debug("snapshot for unknown download", "ref_id", snap.RefID, "state", snap.State())
		return
	}
	changed, err := e.task.Apply(snap, r.now())
	if err != nil {
		r.logger.Debug("snapshot rejected", "ref_id", snap.RefID, "error", err)
		return
	}
	if !changed {
		return
	}
	if !model.IsInProgress(snap.State()) {
		r.logger.Info("download finished", "ref_id", snap.RefID, "state", snap.State(), "reason", snap.Reason())
	}
	if e.sub != nil {
		e.sub.push(snap)
	}
}

// Subscribe returns the single subscription for refID. The task's current
// snapshot is delivered first. A task whose terminal snapshot has been
// delivered to a subscriber is pruned.
func (r *Registry) Subscribe(refID int64) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tasks[refID]
	if !ok {
		return nil, fmt.Errorf("download %d: %w", refID, model.ErrNotFound)
	}
	if e.sub != nil {
		return nil, &model.DuplicateSubscriptionError{Stream: fmt.Sprintf("download %d", refID)}
	}
	sub := newSubscription(refID, r.unsubscribe)
	e.sub = sub
	sub.push(e.task.Snapshot())
	return sub, nil
}

func (r *Registry) unsubscribe(sub *Subscription, delivered bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tasks[sub.refID]
	if !ok || e.sub != sub {
		return
	}
	e.sub = nil
	if delivered && !model.IsInProgress(e.task.State) {
		delete(r.tasks, sub.refID)
	}
}

// Cancel stops the given transfers and forgets their tasks. Subscriptions
// end with model.ErrCancelled. Unknown ids are ignored.
func (r *Registry) Cancel(ctx context.Context, refIDs ...int64) {
	if len(refIDs) == 0 {
		return
	}
	r.mu.Lock()
	for _, id := range refIDs {
		e, ok := r.tasks[id]
		if !ok {
			continue
		}
		delete(r.tasks, id)
		if e.sub != nil {
			e.sub.cancel(model.ErrCancelled)
		}
	}
	r.mu.Unlock()

	r.bridge.Stop(ctx, refIDs...)
	r.logger.Info("downloads cancelled", "ref_ids", refIDs)
}

// CancelAll cancels every known transfer and returns their ids.
func (r *Registry) CancelAll(ctx context.Context) []int64 {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	slices.Sort(ids)
	r.Cancel(ctx, ids...)
	return ids
}

// Get returns a copy of the task for refID.
func (r *Registry) Get(refID int64) (model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[refID]
	if !ok {
		return model.Task{}, fmt.Errorf("download %d: %w", refID, model.ErrNotFound)
	}
	t := *e.task
	t.Request = t.Request.Clone()
	return t, nil
}

// State returns the current state of refID.
func (r *Registry) State(refID int64) (model.State, error) {
	t, err := r.Get(refID)
	if err != nil {
		return 0, err
	}
	return t.State, nil
}

func (r *Registry) IsDownloadInProgress(refID int64) bool {
	s, err := r.State(refID)
	return err == nil && model.IsInProgress(s)
}

// ListInProgress returns the ids of all non-terminal tasks in ascending order.
func (r *Registry) ListInProgress() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id, e := range r.tasks {
		if model.IsInProgress(e.task.State) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// List returns copies of every task ordered by ref id.
func (r *Registry) List() []model.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Task, 0, len(r.tasks))
	for _, e := range r.tasks {
		out = append(out, *e.task)
	}
	slices.SortFunc(out, func(a, b model.Task) int { return cmp.Compare(a.RefID, b.RefID) })
	return out
}

// Pause asks the engine to pause refID.
func (r *Registry) Pause(ctx context.Context, refID int64) error {
	s, err := r.State(refID)
	if err != nil {
		return err
	}
	if !model.IsInProgress(s) {
		return fmt.Errorf("download %d is %s: %w", refID, s, model.ErrInvalidTransition)
	}
	return r.bridge.Pause(ctx, refID)
}

// Resume restarts a paused transfer with its stored resume token.
func (r *Registry) Resume(ctx context.Context, refID int64) error {
	t, err := r.Get(refID)
	if err != nil {
		return err
	}
	if t.State != model.StatePaused {
		return fmt.Errorf("download %d is %s: %w", refID, t.State, model.ErrInvalidTransition)
	}
	return r.bridge.Resume(ctx, refID, t.ResumeToken.OrEmpty())
}

// Sweep forgets terminal tasks nobody is subscribed to that finished more
// than olderThan ago. It returns the number of tasks removed.
func (r *Registry) Sweep(olderThan time.Duration) int {
	cutoff := r.now().Add(-olderThan)

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.tasks {
		if e.sub == nil && !model.IsInProgress(e.task.State) && e.task.UpdatedAt.Before(cutoff) {
			delete(r.tasks, id)
			n++
		}
	}
	if n > 0 {
		r.logger.Info("swept finished downloads", "count", n)
	}
	return n
}

// Close detaches from the bridge and ends every subscription.
func (r *Registry) Close() {
	r.bridge.Detach()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.tasks {
		if e.sub != nil {
			e.sub.cancel(model.ErrCancelled)
		}
	}
}
