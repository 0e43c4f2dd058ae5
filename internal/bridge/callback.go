package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/samber/mo"

	"github.com/seantiz/haul/internal/engine"
	"github.com/seantiz/haul/internal/model"
)

// Compile-time interface satisfaction checks.
var (
	_ Bridge          = (*Callback)(nil)
	_ engine.Listener = (*Callback)(nil)
)

// Callback translates CallbackEngine hooks into snapshots. Ids are the
// decimal form of the ref id proposed by the caller.
type Callback struct {
	eng      engine.CallbackEngine
	activity *Activity
	logger   *slog.Logger

	mu    sync.Mutex
	sink  Sink
	known map[int64][2]int64
}

// NewCallback registers itself as eng's listener.
func NewCallback(eng engine.CallbackEngine, activity *Activity, logger *slog.Logger) *Callback {
	c := &Callback{
		eng:      eng,
		activity: activity,
		logger:   logger,
		known:    make(map[int64][2]int64),
	}
	eng.SetListener(c)
	return c
}

func (c *Callback) Attach(s Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = s
}

func (c *Callback) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = nil
}

// Start launches the transfer under proposedID, which is also the returned id.
func (c *Callback) Start(ctx context.Context, proposedID int64, req model.DownloadRequest) (int64, error) {
	if err := c.eng.Start(ctx, strconv.FormatInt(proposedID, 10), req); err != nil {
		return 0, &model.EngineError{Op: "start", Err: err}
	}
	return proposedID, nil
}

func (c *Callback) Track(_ context.Context, refID int64) (model.Snapshot, error) {
	id := strconv.FormatInt(refID, 10)
	if !c.eng.IsDownloading(id) {
		return model.Snapshot{}, engine.ErrUnknownTransfer
	}
	d, t, _ := c.eng.Progress(id)
	return model.Snapshot{RefID: refID, BytesDownloaded: d, BytesTotal: t, Status: model.Running{}}, nil
}

func (c *Callback) Stop(_ context.Context, refIDs ...int64) {
	for _, refID := range refIDs {
		err := c.eng.Cancel(strconv.FormatInt(refID, 10))
		if err != nil && !errors.Is(err, engine.ErrUnknownTransfer) {
			c.logger.Warn("cancel transfer", "ref_id", refID, "error", err)
		}
		c.forget(refID)
		c.activity.Done(refID)
	}
}

func (c *Callback) Pause(_ context.Context, refID int64) error {
	if err := c.eng.Pause(strconv.FormatInt(refID, 10)); err != nil {
		return &model.EngineError{Op: "pause", Err: err}
	}
	return nil
}

func (c *Callback) Resume(ctx context.Context, refID int64, token []byte) error {
	if err := c.eng.Resume(ctx, strconv.FormatInt(refID, 10), token); err != nil {
		return &model.EngineError{Op: "resume", Err: err}
	}
	return nil
}

func (c *Callback) Close() {
	c.activity.Close()
}

func (c *Callback) OnProgress(id string) {
	refID, ok := c.parse(id)
	if !ok {
		return
	}
	d, t, ok := c.eng.Progress(id)
	if !ok {
		d, t = c.bytes(refID)
	}
	c.remember(refID, d, t)
	c.activity.Touch(refID)
	c.emit(model.Snapshot{RefID: refID, BytesDownloaded: d, BytesTotal: t, Status: model.Running{}})
}

func (c *Callback) OnComplete(id string, localPath string) {
	refID, ok := c.parse(id)
	if !ok {
		return
	}
	d, t := c.final(id, refID)
	c.activity.Done(refID)
	c.emit(model.Snapshot{RefID: refID, BytesDownloaded: d, BytesTotal: t, Status: model.Successful{LocalPath: localPath}})
}

func (c *Callback) OnFail(id string, err error, httpStatus int, resumeData []byte) {
	refID, ok := c.parse(id)
	if !ok {
		return
	}
	d, t := c.final(id, refID)
	c.activity.Done(refID)

	reason := "unknown error"
	switch {
	case err != nil:
		reason = err.Error()
	case httpStatus != 0:
		reason = fmt.Sprintf("http %d", httpStatus)
	}
	c.emit(model.Snapshot{
		RefID:           refID,
		BytesDownloaded: d,
		BytesTotal:      t,
		Status:          model.Failed{Reason: reason, ResumeToken: token(resumeData)},
	})
}

func (c *Callback) OnPause(id string, resumeData []byte) {
	refID, ok := c.parse(id)
	if !ok {
		return
	}
	d, t, ok := c.eng.Progress(id)
	if !ok {
		d, t = c.bytes(refID)
	}
	c.activity.Done(refID)
	c.emit(model.Snapshot{
		RefID:           refID,
		BytesDownloaded: d,
		BytesTotal:      t,
		Status:          model.Paused{ResumeToken: token(resumeData)},
	})
}

func (c *Callback) parse(id string) (int64, bool) {
	refID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		c.logger.Debug("ignoring event for foreign transfer", "id", id)
		return 0, false
	}
	return refID, true
}

// final returns the last byte counters for a transfer that just ended and
// forgets them.
func (c *Callback) final(id string, refID int64) (int64, int64) {
	d, t, ok := c.eng.Progress(id)
	if !ok {
		d, t = c.bytes(refID)
	}
	c.forget(refID)
	return d, t
}

func (c *Callback) remember(refID, d, t int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known[refID] = [2]int64{d, t}
}

func (c *Callback) bytes(refID int64) (int64, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.known[refID]
	return b[0], b[1]
}

func (c *Callback) forget(refID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.known, refID)
}

func (c *Callback) emit(snap model.Snapshot) {
	c.mu.Lock()
	s := c.sink
	c.mu.Unlock()
	if s != nil {
		s.Observe(snap)
	}
}

func token(data []byte) mo.Option[[]byte] {
	if len(data) == 0 {
		return mo.None[[]byte]()
	}
	return mo.Some(data)
}
