package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping binary test in short mode")
	}
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "haul-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "haul")
		cmd := exec.Command("go", "build", "-o", binary, ".")
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

// instance is the on-disk state shared by successive server processes.
type instance struct {
	dbPath  string
	sandbox string
	engine  string
}

func newInstance(t *testing.T, engine string) instance {
	t.Helper()
	return instance{
		dbPath:  filepath.Join(t.TempDir(), "haul.db"),
		sandbox: t.TempDir(),
		engine:  engine,
	}
}

func startServer(t *testing.T, binary string, inst instance) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(),
		"HAUL_CONFIG=",
		"HAUL_LISTEN_ADDR="+addr,
		"HAUL_DB_PATH="+inst.dbPath,
		"HAUL_SANDBOX_DIR="+inst.sandbox,
		"HAUL_ENGINE="+inst.engine,
		"HAUL_POLL_INTERVAL=20ms",
		"HAUL_LOG_LEVEL=info",
	)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:    cmd,
		stdout: stdout,
		url:    "http://" + addr,
	}

	t.Cleanup(sp.stop)

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

func (sp *serverProc) stop() {
	if sp.cmd.ProcessState != nil {
		return
	}
	sp.cmd.Process.Kill()
	sp.cmd.Wait()
}

// newOrigin serves fixed-size files so transfers have something to fetch.
func newOrigin(t *testing.T, files map[string]int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		size, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, r.URL.Path, time.Time{}, bytes.NewReader(bytes.Repeat([]byte("x"), size)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (sp *serverProc) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(sp.url+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// streamJob follows a job's status stream and returns the final event name
// and the last progress payload.
func (sp *serverProc) streamJob(t *testing.T, name string) (string, map[string]any) {
	t.Helper()
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Get(sp.url + "/v1/jobs/" + name + "/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status stream = %d, want 200", resp.StatusCode)
	}

	var (
		event string
		last  map[string]any
	)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: ") && event == "":
			var p map[string]any
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &p); err != nil {
				t.Fatalf("decode progress %q: %v", line, err)
			}
			last = p
		}
	}
	return event, last
}

func jobBody(origin, sandbox, name string, files ...string) map[string]any {
	var reqs []map[string]any
	for _, f := range files {
		reqs = append(reqs, map[string]any{
			"url":                 origin + "/" + f,
			"destinationLocalUri": filepath.Join(sandbox, name, f),
		})
	}
	return map[string]any{"jobName": name, "requests": reqs}
}

func TestBinaryStartsAndServesHealthz(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary, newInstance(t, "poll"))

	resp, err := http.Get(sp.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestBinaryStructuredJSONLogs(t *testing.T) {
	binary := getBinary(t)
	inst := newInstance(t, "callback")
	sp := startServer(t, binary, inst)

	var found bool
	for line := range strings.SplitSeq(sp.stdout.String(), "\n") {
		var entry map[string]any
		if json.Unmarshal([]byte(line), &entry) != nil {
			continue
		}
		if entry["msg"] == "haul: starting" {
			found = true
			if entry["engine"] != "callback" || entry["sandbox"] != inst.sandbox {
				t.Errorf("startup log = %v, want engine callback and sandbox %s", entry, inst.sandbox)
			}
		}
	}
	if !found {
		t.Errorf("no startup log line in output:\n%s", sp.stdout.String())
	}
}

func TestBinaryRunsJobEndToEnd(t *testing.T) {
	binary := getBinary(t)
	origin := newOrigin(t, map[string]int{"/a.bin": 32 * 1024, "/b.bin": 4 * 1024})

	for _, engine := range []string{"poll", "callback"} {
		t.Run(engine, func(t *testing.T) {
			inst := newInstance(t, engine)
			sp := startServer(t, binary, inst)

			resp := sp.postJSON(t, "/v1/jobs", jobBody(origin.URL, inst.sandbox, "album", "a.bin", "b.bin"))
			if resp.StatusCode != http.StatusCreated {
				t.Fatalf("submit status = %d, want 201", resp.StatusCode)
			}

			event, last := sp.streamJob(t, "album")
			if event != "done" {
				t.Fatalf("final event = %q, want done\nstdout:\n%s", event, sp.stdout.String())
			}
			if last["state"] != "COMPLETE" || last["downloadsCompleted"] != float64(2) {
				t.Errorf("last progress = %v, want COMPLETE 2/2", last)
			}
			fi, err := os.Stat(filepath.Join(inst.sandbox, "album", "a.bin"))
			if err != nil || fi.Size() != 32*1024 {
				t.Errorf("a.bin = %v, %v; want 32KiB file", fi, err)
			}
		})
	}
}

func TestBinaryJobSurvivesRestart(t *testing.T) {
	binary := getBinary(t)
	origin := newOrigin(t, map[string]int{"/a.bin": 8 * 1024})
	inst := newInstance(t, "poll")

	first := startServer(t, binary, inst)
	if resp := first.postJSON(t, "/v1/jobs", jobBody(origin.URL, inst.sandbox, "album", "a.bin")); resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d, want 201", resp.StatusCode)
	}
	first.stop()

	second := startServer(t, binary, inst)
	resp, err := http.Get(second.url + "/v1/jobs/album")
	if err != nil {
		t.Fatalf("GET job: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("job after restart status = %d, want 200", resp.StatusCode)
	}

	if event, _ := second.streamJob(t, "album"); event != "done" {
		t.Errorf("final event = %q, want done", event)
	}

	resp, err = http.Get(second.url + "/v1/jobs/album")
	if err != nil {
		t.Fatalf("GET job: %v", err)
	}
	defer resp.Body.Close()
	var job map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if _, ok := job["fullyDownloadedAt"]; !ok {
		t.Errorf("finished job = %v, want fullyDownloadedAt", job)
	}
}
