// Package bridge adapts a native transfer engine into a single stream of
// status snapshots per ref id. Two strategies exist, one polling a
// PollEngine on a timer and one translating CallbackEngine hooks; callers
// choose one at construction and never branch on it afterwards.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/haul/internal/engine"
	"github.com/seantiz/haul/internal/model"
)

// Strategy names accepted by New.
const (
	KindPoll     = "poll"
	KindCallback = "callback"
)

// DefaultPollInterval is the query period of the poll strategy.
const DefaultPollInterval = time.Second

// Sink receives every snapshot the bridge produces. Observe may be called
// from any goroutine.
type Sink interface {
	Observe(snap model.Snapshot)
}

// Bridge starts transfers on an engine and reports their progress to the
// attached Sink.
type Bridge interface {
	// Attach registers the sink that receives snapshots. Snapshots produced
	// while no sink is attached are dropped.
	Attach(s Sink)
	Detach()

	// Start begins a transfer. Engines that assign their own ids treat
	// proposedID as a lower bound when they can and ignore it otherwise;
	// the returned id is the one snapshots will carry. Engine
	// refusals are returned as *model.EngineError.
	Start(ctx context.Context, proposedID int64, req model.DownloadRequest) (int64, error)

	// Track resumes reporting for a transfer the engine still knows about,
	// returning its current snapshot, or engine.ErrUnknownTransfer.
	Track(ctx context.Context, refID int64) (model.Snapshot, error)

	// Stop cancels transfers. Unknown ids are ignored.
	Stop(ctx context.Context, refIDs ...int64)

	Pause(ctx context.Context, refID int64) error
	Resume(ctx context.Context, refID int64, token []byte) error

	// Close stops all background work.
	Close()
}

// Options configures New.
type Options struct {
	PollInterval    time.Duration
	ActivityTimeout time.Duration
	OnActivity      func(active bool)
}

// New builds the strategy named kind around eng, which must implement the
// matching engine interface.
func New(kind string, eng any, logger *slog.Logger, opts Options) (Bridge, error) {
	switch kind {
	case KindPoll:
		pe, ok := eng.(engine.PollEngine)
		if !ok {
			return nil, fmt.Errorf("engine %T does not support polling", eng)
		}
		return NewPoll(pe, opts.PollInterval, logger), nil
	case KindCallback:
		ce, ok := eng.(engine.CallbackEngine)
		if !ok {
			return nil, fmt.Errorf("engine %T does not support callbacks", eng)
		}
		return NewCallback(ce, NewActivity(opts.ActivityTimeout, opts.OnActivity), logger), nil
	default:
		return nil, fmt.Errorf("unknown bridge kind %q", kind)
	}
}
