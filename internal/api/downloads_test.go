package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"testing"

	"github.com/seantiz/haul/internal/model"
)

func TestDownloadFileEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/downloads", env.request("a.bin"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	created := decode[downloadFileResponse](t, resp)
	if created.RefID != firstRefID {
		t.Errorf("refId = %d, want %d", created.RefID, firstRefID)
	}

	task := decode[model.Task](t, env.do(t, http.MethodGet, fmt.Sprintf("/v1/downloads/%d", created.RefID), nil))
	if task.RefID != created.RefID || task.Request.URL != env.request("a.bin").URL {
		t.Errorf("task = %+v, want ref %d for a.bin", task, created.RefID)
	}

	list := decode[listDownloadsResponse](t, env.do(t, http.MethodGet, "/v1/downloads", nil))
	if len(list.Downloads) != 1 {
		t.Errorf("list has %d downloads, want 1", len(list.Downloads))
	}
}

func TestDownloadEndpointErrors(t *testing.T) {
	env := newTestEnv(t)
	created := decode[downloadFileResponse](t, env.do(t, http.MethodPost, "/v1/downloads", env.request("a.bin")))
	ref := fmt.Sprintf("/v1/downloads/%d", created.RefID)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"bad ref id", http.MethodGet, "/v1/downloads/abc", nil, http.StatusBadRequest},
		{"negative ref id", http.MethodGet, "/v1/downloads/-4", nil, http.StatusBadRequest},
		{"unknown ref id", http.MethodGet, "/v1/downloads/9999", nil, http.StatusNotFound},
		{"unknown status stream", http.MethodGet, "/v1/downloads/9999/status", nil, http.StatusNotFound},
		{"unknown cancel", http.MethodDelete, "/v1/downloads/9999", nil, http.StatusNotFound},
		{"pause on poll engine", http.MethodPost, ref + "/pause", nil, http.StatusNotImplemented},
		{"resume when not paused", http.MethodPost, ref + "/resume", nil, http.StatusConflict},
		{"bad url", http.MethodPost, "/v1/downloads", model.DownloadRequest{URL: "ftp://x", DestinationLocalURI: "x"}, http.StatusBadRequest},
		{"sandbox root as destination", http.MethodPost, "/v1/downloads", env.request(""), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, tt.method, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestDownloadStatusStream(t *testing.T) {
	env := newTestEnv(t)
	req := env.request("a.bin")
	created := decode[downloadFileResponse](t, env.do(t, http.MethodPost, "/v1/downloads", req))
	path := fmt.Sprintf("/v1/downloads/%d", created.RefID)

	_, events := env.openStream(t, path+"/status")
	if resp := env.do(t, http.MethodGet, path+"/status", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("second subscriber status = %d, want 409", resp.StatusCode)
	}
	env.eng.Set(created.RefID, successful(42, req.DestinationLocalURI))

	got := waitEvents(t, events)
	if len(got) < 2 || got[len(got)-1].name != "done" {
		t.Fatalf("events = %+v, want snapshots then done", got)
	}
	var last struct {
		RefID     int64  `json:"refId"`
		State     string `json:"state"`
		LocalPath string `json:"localPath"`
	}
	if err := json.Unmarshal([]byte(got[len(got)-2].data), &last); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if last.RefID != created.RefID || last.State != "SUCCESSFUL" || last.LocalPath != req.DestinationLocalURI {
		t.Errorf("last snapshot = %+v, want SUCCESSFUL at %s", last, req.DestinationLocalURI)
	}

	if resp := env.do(t, http.MethodGet, path, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET after delivered completion status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelDownloadEndpoints(t *testing.T) {
	env := newTestEnv(t)
	var ids []int64
	for _, name := range []string{"a.bin", "b.bin", "c.bin"} {
		created := decode[downloadFileResponse](t, env.do(t, http.MethodPost, "/v1/downloads", env.request(name)))
		ids = append(ids, created.RefID)
	}

	if resp := env.do(t, http.MethodDelete, fmt.Sprintf("/v1/downloads/%d", ids[0]), nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("DELETE status = %d, want 204", resp.StatusCode)
	}
	if !slices.Contains(env.eng.Removed(), ids[0]) {
		t.Errorf("engine removed %v, want %d", env.eng.Removed(), ids[0])
	}

	resp := env.do(t, http.MethodDelete, "/v1/downloads", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE all status = %d, want 200", resp.StatusCode)
	}
	cancelled := decode[cancelAllResponse](t, resp)
	if !slices.Equal(cancelled.Cancelled, ids[1:]) {
		t.Errorf("cancelled = %v, want %v", cancelled.Cancelled, ids[1:])
	}
	if left := env.mgr.Downloads(); len(left) != 0 {
		t.Errorf("%d downloads left after cancel all", len(left))
	}
}
