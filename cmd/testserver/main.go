// testserver serves synthetic files for exercising haul by hand. Each path
// names its size, for example /files/4MiB.bin, and bytes are sent at a
// throttled rate so progress and pause/resume are observable. Range
// requests are honored.
// Usage: go run ./cmd/testserver
package main

import (
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/haul/internal/config"
)

const (
	defaultAddr = ":8081"
	chunkSize   = 32 * 1024
)

// pattern is a deterministic stream of size bytes; offset n holds byte n%251.
type pattern struct {
	size int64
	off  int64
}

func (p *pattern) Read(b []byte) (int, error) {
	if p.off >= p.size {
		return 0, io.EOF
	}
	n := int64(len(b))
	if rem := p.size - p.off; n > rem {
		n = rem
	}
	for i := range n {
		b[i] = byte((p.off + i) % 251)
	}
	p.off += n
	return int(n), nil
}

func (p *pattern) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		p.off = offset
	case io.SeekCurrent:
		p.off += offset
	case io.SeekEnd:
		p.off = p.size + offset
	}
	return p.off, nil
}

// throttledWriter sleeps after every chunk to cap the transfer rate.
type throttledWriter struct {
	http.ResponseWriter
	delay time.Duration
}

func (w throttledWriter) Write(b []byte) (int, error) {
	written := 0
	for len(b) > 0 {
		n := min(len(b), chunkSize)
		m, err := w.ResponseWriter.Write(b[:n])
		written += m
		if err != nil {
			return written, err
		}
		if f, ok := w.ResponseWriter.(http.Flusher); ok {
			f.Flush()
		}
		time.Sleep(w.delay)
		b = b[n:]
	}
	return written, nil
}

// newRouter serves /files/{size}.ext and /status/{code}.
func newRouter(delay time.Duration, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/files/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		size, err := humanize.ParseBytes(strings.TrimSuffix(name, path.Ext(name)))
		if err != nil {
			http.Error(w, "file name must be a size such as 4MiB.bin", http.StatusNotFound)
			return
		}
		logger.Info("serving file", "name", name, "size", humanize.IBytes(size), "range", r.Header.Get("Range"))
		http.ServeContent(throttledWriter{ResponseWriter: w, delay: delay}, r, name, time.Time{}, &pattern{size: int64(size)})
	})
	r.Get("/status/{code}", func(w http.ResponseWriter, r *http.Request) {
		code, err := strconv.Atoi(chi.URLParam(r, "code"))
		if err != nil || code < 100 || code > 599 {
			http.Error(w, "bad status code", http.StatusBadRequest)
			return
		}
		w.WriteHeader(code)
	})

	return r
}

func main() {
	addr := defaultAddr
	if v := os.Getenv("HAUL_TESTSERVER_ADDR"); v != "" {
		addr = v
	}
	delay := 50 * time.Millisecond
	if v := os.Getenv("HAUL_TESTSERVER_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("invalid HAUL_TESTSERVER_DELAY: %v", err)
		}
		delay = d
	}

	logger := config.NewLogger(os.Stdout, config.Default().LogLevel)

	logger.Info("testserver: starting", "addr", addr, "chunk_delay", delay)
	srv := &http.Server{Addr: addr, Handler: newRouter(delay, logger), ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
