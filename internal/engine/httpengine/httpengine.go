// Package httpengine is a transfer engine built on net/http. It implements
// both engine styles: as a PollEngine it assigns ids and keeps records until
// they are removed; as a CallbackEngine it reports through a Listener and
// forgets a transfer once its terminal hook has run.
//
// Transfers write to "<destination>.part" and rename on success, so an
// existing destination is always a complete file. Paused and failed transfers
// keep their partial file and report its length as resume data; resuming
// issues a Range request from that offset.
package httpengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/seantiz/haul/internal/engine"
	"github.com/seantiz/haul/internal/fsys"
	"github.com/seantiz/haul/internal/model"
)

const (
	// DefaultMaxConcurrent bounds transfers holding a connection at once.
	DefaultMaxConcurrent = 4

	// DefaultProgressInterval throttles OnProgress hooks per transfer.
	DefaultProgressInterval = 200 * time.Millisecond

	copyBufferSize = 32 * 1024
)

var (
	errIdleTimeout = errors.New("idle timeout")
	errPaused      = errors.New("paused")
	errCancelled   = errors.New("cancelled")
	errClosed      = errors.New("engine closed")
)

// Compile-time interface satisfaction checks.
var (
	_ engine.PollEngine     = (*Engine)(nil)
	_ engine.CallbackEngine = (*Engine)(nil)
	_ engine.Sizer          = (*Engine)(nil)
	_ engine.IDSeeder       = (*Engine)(nil)
)

// StatusError is returned for responses other than 200 and 206.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d %s", e.Code, http.StatusText(e.Code))
}

// Options configures an Engine.
type Options struct {
	MaxConcurrent    int
	ProgressInterval time.Duration
	Client           *http.Client
}

// Engine runs HTTP transfers in background goroutines.
type Engine struct {
	client           *http.Client
	sem              *semaphore.Weighted
	progressInterval time.Duration
	logger           *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	transfers map[string]*transfer
	nextID    int64
	listener  engine.Listener
}

type transfer struct {
	id         string
	req        model.DownloadRequest
	downloaded atomic.Int64
	total      atomic.Int64

	// Guarded by Engine.mu.
	cancel     context.CancelCauseFunc
	running    bool
	state      model.State
	reason     string
	localPath  string
	resumeData []byte
}

// New creates an engine. Zero option values select the defaults.
func New(logger *slog.Logger, opts Options) *Engine {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		client:           opts.Client,
		sem:              semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		progressInterval: opts.ProgressInterval,
		logger:           logger,
		ctx:              ctx,
		cancel:           cancel,
		transfers:        make(map[string]*transfer),
	}
}

// Close stops every transfer and waits for their goroutines. Partial files
// are left on disk and no hooks fire for the stopped transfers.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// SetListener installs the hook receiver. It must be called before Start.
func (e *Engine) SetListener(l engine.Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = l
}

// Enqueue starts a transfer under a new engine-assigned id.
func (e *Engine) Enqueue(_ context.Context, req model.DownloadRequest) (int64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	if e.ctx.Err() != nil {
		e.mu.Unlock()
		return 0, errClosed
	}
	e.nextID++
	id := e.nextID
	t := &transfer{id: strconv.FormatInt(id, 10), req: req.Clone()}
	e.transfers[t.id] = t
	e.launchLocked(t, 0)
	e.mu.Unlock()

	return id, nil
}

// SeedIDs moves the id sequence past floor.
func (e *Engine) SeedIDs(floor int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID = max(e.nextID, floor)
}

// Start begins a transfer under a caller-chosen id.
func (e *Engine) Start(_ context.Context, id string, req model.DownloadRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctx.Err() != nil {
		return errClosed
	}
	if old, ok := e.transfers[id]; ok && model.IsInProgress(old.state) {
		return fmt.Errorf("transfer %s already exists", id)
	}
	t := &transfer{id: id, req: req.Clone()}
	e.transfers[id] = t
	e.launchLocked(t, 0)
	return nil
}

// Query returns the record of a polled transfer.
func (e *Engine) Query(_ context.Context, id int64) (engine.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transfers[strconv.FormatInt(id, 10)]
	if !ok {
		return engine.Record{}, engine.ErrUnknownTransfer
	}
	return engine.Record{
		BytesDownloaded: t.downloaded.Load(),
		BytesTotal:      t.total.Load(),
		State:           t.state,
		Reason:          t.reason,
		LocalPath:       t.localPath,
		ResumeData:      t.resumeData,
	}, nil
}

// Remove cancels the given transfers and forgets them. Partial files of
// unfinished transfers are deleted.
func (e *Engine) Remove(_ context.Context, ids ...int64) error {
	for _, id := range ids {
		if err := e.Cancel(strconv.FormatInt(id, 10)); err != nil && !errors.Is(err, engine.ErrUnknownTransfer) {
			return err
		}
	}
	return nil
}

// Cancel stops a transfer without firing any hook and forgets it.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	t, ok := e.transfers[id]
	if !ok {
		e.mu.Unlock()
		return engine.ErrUnknownTransfer
	}
	delete(e.transfers, id)
	running := t.running
	if running {
		t.cancel(errCancelled)
	}
	state := t.state
	e.mu.Unlock()

	// A running transfer removes its own partial file once it stops writing.
	if !running && state != model.StateSuccessful {
		e.removePart(t)
	}
	return nil
}

// Pause stops a running transfer, keeping its partial file. The OnPause hook
// carries the resume data.
func (e *Engine) Pause(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transfers[id]
	if !ok {
		return engine.ErrUnknownTransfer
	}
	if !t.running {
		return fmt.Errorf("transfer %s is not running", id)
	}
	t.cancel(errPaused)
	return nil
}

// Resume restarts a paused or failed transfer from the offset in resumeData.
func (e *Engine) Resume(_ context.Context, id string, resumeData []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transfers[id]
	if !ok {
		return engine.ErrUnknownTransfer
	}
	if t.running {
		return fmt.Errorf("transfer %s is already running", id)
	}
	if t.state == model.StateSuccessful {
		return fmt.Errorf("transfer %s already completed", id)
	}

	offset, err := strconv.ParseInt(string(resumeData), 10, 64)
	if err != nil || offset < 0 {
		offset = 0
	}
	// The partial file is the source of truth for how much was received.
	if fi, err := os.Stat(t.req.DestinationLocalURI + fsys.PartSuffix); err != nil {
		offset = 0
	} else if fi.Size() < offset {
		offset = fi.Size()
	}

	t.reason = ""
	t.resumeData = nil
	e.launchLocked(t, offset)
	return nil
}

// IsDownloading reports whether the transfer is queued or moving bytes.
func (e *Engine) IsDownloading(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transfers[id]
	return ok && t.running
}

// Progress returns the byte counters of a known transfer.
func (e *Engine) Progress(id string) (downloaded, total int64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transfers[id]
	if !ok {
		return 0, 0, false
	}
	return t.downloaded.Load(), t.total.Load(), true
}

// Size issues a HEAD request and returns the advertised Content-Length.
func (e *Engine) Size(ctx context.Context, req model.DownloadRequest) (int64, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodHead, req.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("build HEAD request: %w", err)
	}
	for k, v := range req.ExtraHeaders {
		hreq.Header.Set(k, v)
	}

	resp, err := e.client.Do(hreq)
	if err != nil {
		return 0, fmt.Errorf("HEAD %s: %w", req.URL, err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &StatusError{Code: resp.StatusCode}
	}
	if resp.ContentLength < 0 {
		return 0, nil
	}
	return resp.ContentLength, nil
}

// launchLocked starts the transfer goroutine. e.mu must be held.
func (e *Engine) launchLocked(t *transfer, offset int64) {
	ctx, cancel := context.WithCancelCause(e.ctx)
	t.cancel = cancel
	t.running = true
	t.state = model.StatePending
	t.downloaded.Store(offset)

	e.wg.Go(func() {
		defer cancel(nil)
		e.run(ctx, cancel, t, offset)
	})
}

func (e *Engine) run(ctx context.Context, cancel context.CancelCauseFunc, t *transfer, offset int64) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.finish(ctx, t, 0, err)
		return
	}
	defer e.sem.Release(1)

	e.mu.Lock()
	t.state = model.StateRunning
	e.mu.Unlock()

	activeTransfers.Inc()
	defer activeTransfers.Dec()
	start := time.Now()

	status, err := e.fetch(ctx, cancel, t, offset)
	transferDuration.Observe(time.Since(start).Seconds())
	e.finish(ctx, t, status, err)
}

// fetch performs the GET and streams the body into the partial file.
func (e *Engine) fetch(ctx context.Context, cancel context.CancelCauseFunc, t *transfer, offset int64) (int, error) {
	idle := t.req.IdleTimeout()
	timer := time.AfterFunc(idle, func() { cancel(errIdleTimeout) })
	defer timer.Stop()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.req.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	for k, v := range t.req.ExtraHeaders {
		hreq.Header.Set(k, v)
	}
	if offset > 0 {
		hreq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := e.client.Do(hreq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		flags |= os.O_APPEND
	case resp.StatusCode == http.StatusOK:
		// The server ignored the Range header; start over.
		offset = 0
		flags |= os.O_TRUNC
	default:
		return resp.StatusCode, &StatusError{Code: resp.StatusCode}
	}

	t.downloaded.Store(offset)
	if resp.ContentLength > 0 {
		t.total.Store(offset + resp.ContentLength)
	}

	part := t.req.DestinationLocalURI + fsys.PartSuffix
	f, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("open partial file: %w", err)
	}

	buf := make([]byte, copyBufferSize)
	lastNotify := time.Now()
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			timer.Reset(idle)
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return resp.StatusCode, fmt.Errorf("write partial file: %w", werr)
			}
			t.downloaded.Add(int64(n))
			bytesReceived.Add(float64(n))
			if time.Since(lastNotify) >= e.progressInterval {
				e.notifyProgress(t)
				lastNotify = time.Now()
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			return resp.StatusCode, rerr
		}
	}

	if err := f.Close(); err != nil {
		return resp.StatusCode, fmt.Errorf("close partial file: %w", err)
	}
	if total := t.total.Load(); total > 0 && t.downloaded.Load() < total {
		return resp.StatusCode, io.ErrUnexpectedEOF
	}
	if t.total.Load() <= 0 {
		t.total.Store(t.downloaded.Load())
	}
	if err := os.Rename(part, t.req.DestinationLocalURI); err != nil {
		return resp.StatusCode, fmt.Errorf("move partial file: %w", err)
	}
	return resp.StatusCode, nil
}

// finish records the outcome of a stopped transfer and fires its hook.
func (e *Engine) finish(ctx context.Context, t *transfer, status int, err error) {
	cause := context.Cause(ctx)

	e.mu.Lock()
	t.running = false
	l := e.listener

	var hook func()
	switch {
	case err == nil:
		t.state = model.StateSuccessful
		t.localPath = t.req.DestinationLocalURI
		transfersTotal.WithLabelValues(outcomeSuccessful).Inc()
		hook = func() { l.OnComplete(t.id, t.localPath) }

	case errors.Is(cause, errCancelled):
		transfersTotal.WithLabelValues(outcomeCancelled).Inc()
		e.mu.Unlock()
		e.removePart(t)
		return

	case e.ctx.Err() != nil:
		// Engine shutdown; the transfer is abandoned.
		e.mu.Unlock()
		return

	case errors.Is(cause, errPaused):
		t.state = model.StatePaused
		t.resumeData = e.resumeData(t)
		data := t.resumeData
		transfersTotal.WithLabelValues(outcomePaused).Inc()
		hook = func() { l.OnPause(t.id, data) }

	default:
		reason := err.Error()
		if errors.Is(cause, errIdleTimeout) {
			reason = model.ReasonTimeout
			err = errIdleTimeout
		}
		t.state = model.StateFailed
		t.reason = reason
		t.resumeData = e.resumeData(t)
		data := t.resumeData
		transfersTotal.WithLabelValues(outcomeFailed).Inc()
		hook = func() { l.OnFail(t.id, err, status, data) }
		e.logger.Warn("transfer failed", "transfer_id", t.id, "url", t.req.URL, "reason", reason)
	}
	final := t.state
	e.mu.Unlock()

	if l == nil {
		return
	}
	hook()
	if !model.IsInProgress(final) {
		e.mu.Lock()
		if e.transfers[t.id] == t {
			delete(e.transfers, t.id)
		}
		e.mu.Unlock()
	}
}

// resumeData encodes the number of bytes safely on disk. e.mu must be held.
func (e *Engine) resumeData(t *transfer) []byte {
	n := t.downloaded.Load()
	if n <= 0 {
		return nil
	}
	return []byte(strconv.FormatInt(n, 10))
}

func (e *Engine) notifyProgress(t *transfer) {
	e.mu.Lock()
	l := e.listener
	e.mu.Unlock()
	if l != nil {
		l.OnProgress(t.id)
	}
}

func (e *Engine) removePart(t *transfer) {
	part := t.req.DestinationLocalURI + fsys.PartSuffix
	if err := os.Remove(part); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.logger.Warn("remove partial file", "path", part, "error", err)
	}
}
