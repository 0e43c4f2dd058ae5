package httpengine_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/haul/internal/engine"
	"github.com/seantiz/haul/internal/engine/httpengine"
	"github.com/seantiz/haul/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, opts httpengine.Options) *httpengine.Engine {
	t.Helper()
	e := httpengine.New(discardLogger(), opts)
	t.Cleanup(e.Close)
	return e
}

// payload returns n deterministic bytes.
func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// fileServer serves content at /file with Range support via http.ServeContent.
func fileServer(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/file" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("X-Token"); got != "" && got != "secret" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		http.ServeContent(w, r, "file", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// waitForState polls the engine until the transfer reaches the expected state.
func waitForState(t *testing.T, e *httpengine.Engine, id int64, want model.State, timeout time.Duration) engine.Record {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rec, err := e.Query(context.Background(), id)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if rec.State == want {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("transfer %d did not reach %s within %v", id, want, timeout)
	return engine.Record{}
}

func TestEnqueueDownloadsFile(t *testing.T) {
	content := payload(100_000)
	srv := fileServer(t, content)
	e := newTestEngine(t, httpengine.Options{})

	dest := filepath.Join(t.TempDir(), "a.bin")
	id, err := e.Enqueue(context.Background(), model.DownloadRequest{
		URL:                 srv.URL + "/file",
		DestinationLocalURI: dest,
		ExtraHeaders:        map[string]string{"X-Token": "secret"},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	rec := waitForState(t, e, id, model.StateSuccessful, 5*time.Second)
	if rec.BytesDownloaded != int64(len(content)) || rec.BytesTotal != int64(len(content)) {
		t.Errorf("bytes = %d/%d, want %d", rec.BytesDownloaded, rec.BytesTotal, len(content))
	}
	if rec.LocalPath != dest {
		t.Errorf("LocalPath = %q, want %q", rec.LocalPath, dest)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("destination content mismatch")
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Errorf("partial file left behind: %v", err)
	}
}

func TestSeedIDsMovesSequenceForward(t *testing.T) {
	srv := fileServer(t, payload(10))
	e := newTestEngine(t, httpengine.Options{})
	dir := t.TempDir()

	enqueue := func(name string) int64 {
		t.Helper()
		id, err := e.Enqueue(context.Background(), model.DownloadRequest{
			URL:                 srv.URL + "/file",
			DestinationLocalURI: filepath.Join(dir, name),
		})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		return id
	}

	if id := enqueue("a.bin"); id != 1 {
		t.Errorf("first id = %d, want 1", id)
	}
	e.SeedIDs(40)
	if id := enqueue("b.bin"); id != 41 {
		t.Errorf("id after SeedIDs(40) = %d, want 41", id)
	}
	e.SeedIDs(5)
	if id := enqueue("c.bin"); id != 42 {
		t.Errorf("id after lower seed = %d, want 42", id)
	}
}

func TestEnqueueHTTPErrorFails(t *testing.T) {
	srv := fileServer(t, payload(10))
	e := newTestEngine(t, httpengine.Options{})

	id, err := e.Enqueue(context.Background(), model.DownloadRequest{
		URL:                 srv.URL + "/missing",
		DestinationLocalURI: filepath.Join(t.TempDir(), "a.bin"),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	rec := waitForState(t, e, id, model.StateFailed, 5*time.Second)
	if rec.Reason == "" {
		t.Error("failed record has no reason")
	}
}

func TestIdleTimeoutFails(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		w.Write(payload(10))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	e := newTestEngine(t, httpengine.Options{})
	timeout := 1
	id, err := e.Enqueue(context.Background(), model.DownloadRequest{
		URL:                 srv.URL,
		DestinationLocalURI: filepath.Join(t.TempDir(), "a.bin"),
		TimeoutS:            &timeout,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	rec := waitForState(t, e, id, model.StateFailed, 5*time.Second)
	if rec.Reason != model.ReasonTimeout {
		t.Errorf("Reason = %q, want %q", rec.Reason, model.ReasonTimeout)
	}
	if string(rec.ResumeData) != "10" {
		t.Errorf("ResumeData = %q, want %q", rec.ResumeData, "10")
	}
}

// recorder is a Listener that records hook invocations.
type recorder struct {
	mu       sync.Mutex
	progress int
	complete chan string
	paused   chan []byte
	failed   chan string
}

func newRecorder() *recorder {
	return &recorder{
		complete: make(chan string, 1),
		paused:   make(chan []byte, 1),
		failed:   make(chan string, 1),
	}
}

func (r *recorder) OnProgress(string) {
	r.mu.Lock()
	r.progress++
	r.mu.Unlock()
}
func (r *recorder) OnComplete(_ string, p string)              { r.complete <- p }
func (r *recorder) OnFail(_ string, err error, _ int, _ []byte) { r.failed <- err.Error() }
func (r *recorder) OnPause(_ string, data []byte)              { r.paused <- data }

func TestPauseAndResumeWithRange(t *testing.T) {
	content := payload(64 * 1024)
	gate := make(chan struct{})
	var ranges []string
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		first := len(ranges) == 1
		mu.Unlock()

		if first {
			// Send half the file, then stall until the client goes away.
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.WriteHeader(http.StatusOK)
			w.Write(content[:len(content)/2])
			w.(http.Flusher).Flush()
			close(gate)
			<-r.Context().Done()
			return
		}
		http.ServeContent(w, r, "file", time.Time{}, bytes.NewReader(content))
	}))
	defer srv.Close()

	e := newTestEngine(t, httpengine.Options{ProgressInterval: time.Millisecond})
	rec := newRecorder()
	e.SetListener(rec)

	dest := filepath.Join(t.TempDir(), "a.bin")
	if err := e.Start(context.Background(), "7", model.DownloadRequest{URL: srv.URL, DestinationLocalURI: dest}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	<-gate
	deadline := time.Now().Add(5 * time.Second)
	for {
		if d, _, _ := e.Progress("7"); d == int64(len(content)/2) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first half never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := e.Pause("7"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	var data []byte
	select {
	case data = <-rec.paused:
	case <-time.After(5 * time.Second):
		t.Fatal("OnPause not called")
	}
	if string(data) != strconv.Itoa(len(content)/2) {
		t.Errorf("resume data = %q, want %d", data, len(content)/2)
	}
	if e.IsDownloading("7") {
		t.Error("paused transfer reported as downloading")
	}

	if err := e.Resume(context.Background(), "7", data); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	select {
	case p := <-rec.complete:
		if p != dest {
			t.Errorf("local path = %q, want %q", p, dest)
		}
	case err := <-rec.failed:
		t.Fatalf("transfer failed: %s", err)
	case <-time.After(5 * time.Second):
		t.Fatal("OnComplete not called")
	}

	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, content) {
		t.Errorf("resumed file differs: got %d bytes", len(got))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(ranges) != 2 || ranges[1] != "bytes="+strconv.Itoa(len(content)/2)+"-" {
		t.Errorf("Range headers = %q", ranges)
	}
	if _, _, ok := e.Progress("7"); ok {
		t.Error("completed callback transfer still tracked")
	}
}

func TestCancelRemovesPartialFile(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		w.Write(payload(100))
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	e := newTestEngine(t, httpengine.Options{})
	dest := filepath.Join(t.TempDir(), "a.bin")
	id, err := e.Enqueue(context.Background(), model.DownloadRequest{URL: srv.URL, DestinationLocalURI: dest})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started

	if err := e.Remove(context.Background(), id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := e.Query(context.Background(), id); !errors.Is(err, engine.ErrUnknownTransfer) {
		t.Errorf("Query after Remove = %v, want ErrUnknownTransfer", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(dest + ".part"); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("partial file not removed after cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMaxConcurrentQueuesTransfers(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	e := newTestEngine(t, httpengine.Options{MaxConcurrent: 1})
	dir := t.TempDir()
	first, _ := e.Enqueue(context.Background(), model.DownloadRequest{URL: srv.URL, DestinationLocalURI: filepath.Join(dir, "a")})
	waitForState(t, e, first, model.StateRunning, 5*time.Second)

	second, _ := e.Enqueue(context.Background(), model.DownloadRequest{URL: srv.URL, DestinationLocalURI: filepath.Join(dir, "b")})
	time.Sleep(50 * time.Millisecond)
	if rec, _ := e.Query(context.Background(), second); rec.State != model.StatePending {
		t.Errorf("second transfer state = %s, want PENDING while the slot is taken", rec.State)
	}

	close(release)
	waitForState(t, e, first, model.StateSuccessful, 5*time.Second)
	waitForState(t, e, second, model.StateSuccessful, 5*time.Second)
}

func TestSize(t *testing.T) {
	srv := fileServer(t, payload(4321))
	e := newTestEngine(t, httpengine.Options{})

	n, err := e.Size(context.Background(), model.DownloadRequest{URL: srv.URL + "/file"})
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if n != 4321 {
		t.Errorf("Size = %d, want 4321", n)
	}

	_, err = e.Size(context.Background(), model.DownloadRequest{URL: srv.URL + "/missing"})
	var se *httpengine.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Errorf("Size(missing) = %v, want 404 StatusError", err)
	}
}
