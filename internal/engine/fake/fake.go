// Package fake provides scriptable transfer engines for tests. Nothing moves
// on its own: tests drive every state change explicitly.
package fake

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/seantiz/haul/internal/engine"
	"github.com/seantiz/haul/internal/model"
)

// Compile-time interface satisfaction checks.
var (
	_ engine.PollEngine     = (*Poll)(nil)
	_ engine.CallbackEngine = (*Callback)(nil)
	_ engine.Sizer          = Sizes(nil)
)

// Poll is a PollEngine whose records are set by the test.
type Poll struct {
	mu         sync.Mutex
	nextID     int64
	records    map[int64]engine.Record
	requests   map[int64]model.DownloadRequest
	removed    []int64
	queries    int
	EnqueueErr error
}

// NewPoll returns a poll engine whose first assigned id is firstID.
func NewPoll(firstID int64) *Poll {
	return &Poll{
		nextID:   firstID - 1,
		records:  make(map[int64]engine.Record),
		requests: make(map[int64]model.DownloadRequest),
	}
}

func (p *Poll) Enqueue(_ context.Context, req model.DownloadRequest) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.EnqueueErr != nil {
		return 0, p.EnqueueErr
	}
	p.nextID++
	p.records[p.nextID] = engine.Record{State: model.StatePending}
	p.requests[p.nextID] = req
	return p.nextID, nil
}

func (p *Poll) Query(_ context.Context, id int64) (engine.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queries++
	rec, ok := p.records[id]
	if !ok {
		return engine.Record{}, engine.ErrUnknownTransfer
	}
	return rec, nil
}

func (p *Poll) Remove(_ context.Context, ids ...int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		delete(p.records, id)
		p.removed = append(p.removed, id)
	}
	return nil
}

// Set replaces the record for id, creating it if needed.
func (p *Poll) Set(id int64, rec engine.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[id] = rec
}

// Purge forgets id as if the platform dropped it.
func (p *Poll) Purge(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, id)
}

// Request returns the request enqueued under id.
func (p *Poll) Request(id int64) (model.DownloadRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.requests[id]
	return r, ok
}

// Enqueued returns the ids assigned so far, in order.
func (p *Poll) Enqueued() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int64, 0, len(p.requests))
	for id := range p.requests {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Removed returns the ids passed to Remove.
func (p *Poll) Removed() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.removed)
}

// Queries returns the number of Query calls.
func (p *Poll) Queries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queries
}

// Callback is a CallbackEngine whose hooks are fired by the test.
type Callback struct {
	mu       sync.Mutex
	listener engine.Listener
	active   map[string]model.DownloadRequest
	progress map[string][2]int64
	started  []string
	resumed  []string
	StartErr error
}

// NewCallback returns an idle callback engine.
func NewCallback() *Callback {
	return &Callback{
		active:   make(map[string]model.DownloadRequest),
		progress: make(map[string][2]int64),
	}
}

func (c *Callback) SetListener(l engine.Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

func (c *Callback) Start(_ context.Context, id string, req model.DownloadRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StartErr != nil {
		return c.StartErr
	}
	c.active[id] = req
	c.started = append(c.started, id)
	return nil
}

func (c *Callback) Cancel(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[id]; !ok {
		return engine.ErrUnknownTransfer
	}
	delete(c.active, id)
	return nil
}

func (c *Callback) Pause(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[id]; !ok {
		return engine.ErrUnknownTransfer
	}
	return nil
}

func (c *Callback) Resume(_ context.Context, id string, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[id]; !ok {
		return engine.ErrUnknownTransfer
	}
	c.resumed = append(c.resumed, id)
	return nil
}

func (c *Callback) IsDownloading(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[id]
	return ok
}

func (c *Callback) Progress(id string) (int64, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.progress[id]
	return p[0], p[1], ok
}

// Started returns the ids passed to Start, in order.
func (c *Callback) Started() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.started)
}

// Resumed returns the ids passed to Resume, in order.
func (c *Callback) Resumed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.resumed)
}

func (c *Callback) hooks() engine.Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

// EmitProgress records byte counters for id and fires OnProgress.
func (c *Callback) EmitProgress(id string, downloaded, total int64) {
	c.mu.Lock()
	c.progress[id] = [2]int64{downloaded, total}
	c.mu.Unlock()
	c.hooks().OnProgress(id)
}

// EmitComplete fires OnComplete and forgets id.
func (c *Callback) EmitComplete(id, localPath string) {
	c.hooks().OnComplete(id, localPath)
	c.forget(id)
}

// EmitFail fires OnFail and forgets id.
func (c *Callback) EmitFail(id, reason string, httpStatus int, resumeData []byte) {
	c.hooks().OnFail(id, errors.New(reason), httpStatus, resumeData)
	c.forget(id)
}

// EmitPause fires OnPause.
func (c *Callback) EmitPause(id string, resumeData []byte) {
	c.hooks().OnPause(id, resumeData)
}

func (c *Callback) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, id)
	delete(c.progress, id)
}

// Sizes is a Sizer answering from a URL-to-size table. Unknown URLs fail.
type Sizes map[string]int64

func (s Sizes) Size(_ context.Context, req model.DownloadRequest) (int64, error) {
	n, ok := s[req.URL]
	if !ok {
		return 0, errors.New("no size for " + req.URL)
	}
	return n, nil
}
