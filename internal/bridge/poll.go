package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/haul/internal/engine"
	"github.com/seantiz/haul/internal/model"
)

// Compile-time interface satisfaction check.
var _ Bridge = (*Poll)(nil)

// Poll queries a PollEngine on a fixed interval, one watcher goroutine per
// in-progress transfer. A snapshot is emitted only when the state or the
// downloaded byte count changed; the watcher stops after emitting the first
// terminal snapshot.
type Poll struct {
	eng      engine.PollEngine
	interval time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	sink    Sink
	watches map[int64]*watch
}

type watch struct {
	cancel context.CancelFunc
}

// NewPoll returns a poll strategy querying eng every interval.
func NewPoll(eng engine.PollEngine, interval time.Duration, logger *slog.Logger) *Poll {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poll{
		eng:      eng,
		interval: interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		watches:  make(map[int64]*watch),
	}
}

func (p *Poll) Attach(s Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = s
}

func (p *Poll) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = nil
}

// Start enqueues req; the engine assigns the id. Engines that implement
// engine.IDSeeder are first moved past proposedID-1.
func (p *Poll) Start(ctx context.Context, proposedID int64, req model.DownloadRequest) (int64, error) {
	if s, ok := p.eng.(engine.IDSeeder); ok {
		s.SeedIDs(proposedID - 1)
	}
	id, err := p.eng.Enqueue(ctx, req)
	if err != nil {
		return 0, &model.EngineError{Op: "enqueue", Err: err}
	}
	p.watch(model.Snapshot{RefID: id, Status: model.Pending{}})
	return id, nil
}

// Track queries refID once and, if it is still in progress, resumes polling.
func (p *Poll) Track(ctx context.Context, refID int64) (model.Snapshot, error) {
	rec, err := p.eng.Query(ctx, refID)
	if err != nil {
		return model.Snapshot{}, err
	}
	snap := rec.Snapshot(refID)
	if model.IsInProgress(snap.State()) {
		p.watch(snap)
	}
	return snap, nil
}

func (p *Poll) Stop(ctx context.Context, refIDs ...int64) {
	p.mu.Lock()
	for _, id := range refIDs {
		if w, ok := p.watches[id]; ok {
			w.cancel()
			delete(p.watches, id)
		}
	}
	p.mu.Unlock()

	if err := p.eng.Remove(ctx, refIDs...); err != nil {
		p.logger.Warn("remove transfers", "ref_ids", refIDs, "error", err)
	}
}

func (p *Poll) Pause(context.Context, int64) error {
	return engine.ErrNotSupported
}

func (p *Poll) Resume(context.Context, int64, []byte) error {
	return engine.ErrNotSupported
}

// Close stops every watcher and waits for them to exit.
func (p *Poll) Close() {
	p.cancel()
	p.wg.Wait()
}

// watch starts polling from the last known snapshot, replacing any existing
// watcher for the same id.
func (p *Poll) watch(last model.Snapshot) {
	ctx, cancel := context.WithCancel(p.ctx)
	w := &watch{cancel: cancel}

	p.mu.Lock()
	if old, ok := p.watches[last.RefID]; ok {
		old.cancel()
	}
	p.watches[last.RefID] = w
	p.mu.Unlock()

	p.wg.Go(func() {
		defer func() {
			cancel()
			p.mu.Lock()
			if p.watches[last.RefID] == w {
				delete(p.watches, last.RefID)
			}
			p.mu.Unlock()
		}()
		p.poll(ctx, last)
	})
}

func (p *Poll) poll(ctx context.Context, last model.Snapshot) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rec, err := p.eng.Query(ctx, last.RefID)
		if errors.Is(err, engine.ErrUnknownTransfer) {
			p.logger.Warn("transfer missing from engine", "ref_id", last.RefID)
			p.emit(model.Snapshot{
				RefID:           last.RefID,
				BytesDownloaded: last.BytesDownloaded,
				BytesTotal:      last.BytesTotal,
				Status:          model.Failed{Reason: model.ReasonMissing},
			})
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("query transfer", "ref_id", last.RefID, "error", err)
			continue
		}

		snap := rec.Snapshot(last.RefID)
		if snap.State() != last.State() || snap.BytesDownloaded != last.BytesDownloaded {
			p.emit(snap)
			last = snap
		}
		if !model.IsInProgress(snap.State()) {
			return
		}
	}
}

func (p *Poll) emit(snap model.Snapshot) {
	p.mu.Lock()
	s := p.sink
	p.mu.Unlock()
	if s != nil {
		s.Observe(snap)
	}
}
