package jobstore_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/seantiz/haul/internal/jobstore"
	"github.com/seantiz/haul/internal/model"
	"github.com/seantiz/haul/internal/store"
)

func newKV(t *testing.T) store.Store {
	t.Helper()
	kv, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func openStore(t *testing.T, kv store.Store) *jobstore.Store {
	t.Helper()
	s, err := jobstore.Open(context.Background(), kv, discardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func makeJob(name string, n int) model.DownloadJob {
	job := model.DownloadJob{JobName: name, Status: model.NewJobStatus(n, 0)}
	for i := range n {
		job.Requests = append(job.Requests, model.DownloadRequest{
			URL:                 "https://example.com/" + name + "/" + string(rune('a'+i)),
			DestinationLocalURI: "/downloads/" + name + "/" + string(rune('a'+i)),
		})
	}
	return job
}

func TestOpenAbsentKeyIsEmpty(t *testing.T) {
	s := openStore(t, newKV(t))
	if got := s.List(); len(got) != 0 {
		t.Errorf("List() = %v, want empty", got)
	}
}

func TestCreateGetAndReload(t *testing.T) {
	ctx := context.Background()
	kv := newKV(t)
	s := openStore(t, kv)

	job := makeJob("bookX", 2)
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := s.Update(ctx, "bookX", func(st *model.JobStatus) {
		st.CurrentDownloadRefID = 7
		st.SetBytes(7, 128)
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	reloaded := openStore(t, kv)
	got, err := reloaded.Get("bookX")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if got.Status.CurrentDownloadRefID != 7 {
		t.Errorf("CurrentDownloadRefID = %d, want 7", got.Status.CurrentDownloadRefID)
	}
	if got.Status.BytesDownloadedByRefID[7] != 128 {
		t.Errorf("bytes[7] = %d, want 128", got.Status.BytesDownloadedByRefID[7])
	}
	if len(got.Requests) != 2 {
		t.Errorf("len(Requests) = %d, want 2", len(got.Requests))
	}
}

func TestCreateDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, newKV(t))

	if err := s.Create(ctx, makeJob("bookX", 2)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := s.Create(ctx, makeJob("bookX", 3))

	var running *model.JobAlreadyRunningError
	if !errors.As(err, &running) {
		t.Fatalf("err = %v, want JobAlreadyRunningError", err)
	}
	got, _ := s.Get("bookX")
	if len(got.Requests) != 2 {
		t.Errorf("existing job replaced: %d requests", len(got.Requests))
	}
}

func TestMalformedEntriesSkipped(t *testing.T) {
	ctx := context.Background()
	kv := newKV(t)
	raw := `{
		"good": {"jobName":"good","requests":[{"url":"https://example.com/a","destinationLocalUri":"/d/a"}],
		         "status":{"currentDownloadRefId":-1,"downloadsCompletedRefIds":[],"downloadsTotal":1,"bytesDownloadedByRefId":{},"bytesTotal":0}},
		"notajob": 42,
		"norequests": {"jobName":"norequests","requests":[]},
		"badurl": {"jobName":"badurl","requests":[{"url":"::","destinationLocalUri":"/d/x"}]},
		"renamed": {"jobName":"other","requests":[{"url":"https://example.com/a","destinationLocalUri":"/d/r"}]}
	}`
	if err := kv.SetString(ctx, jobstore.JobsKey, raw); err != nil {
		t.Fatalf("SetString: %v", err)
	}

	s := openStore(t, kv)
	jobs := s.List()
	if len(jobs) != 1 || jobs[0].JobName != "good" {
		t.Fatalf("List() = %+v, want only the good job", jobs)
	}
}

func TestMalformedJobSetIgnored(t *testing.T) {
	ctx := context.Background()
	kv := newKV(t)
	if err := kv.SetString(ctx, jobstore.JobsKey, "not json"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	s := openStore(t, kv)
	if got := s.List(); len(got) != 0 {
		t.Errorf("List() = %v, want empty", got)
	}
}

func TestDeleteAndMarkers(t *testing.T) {
	ctx := context.Background()
	kv := newKV(t)
	s := openStore(t, kv)

	if err := s.Create(ctx, makeJob("bookX", 1)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Delete(ctx, "bookX"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "bookX"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
	if _, err := s.Get("bookX"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := s.MarkFullyDownloaded(ctx, "bookX", at); err != nil {
		t.Fatalf("MarkFullyDownloaded: %v", err)
	}
	reloaded := openStore(t, kv)
	got, ok := reloaded.FullyDownloaded("bookX")
	if !ok || !got.Equal(at) {
		t.Errorf("FullyDownloaded = %v, %v; want %v", got, ok, at)
	}

	// Submitting the same name again starts a new download.
	if err := reloaded.Create(ctx, makeJob("bookX", 1)); err != nil {
		t.Fatalf("Create again: %v", err)
	}
	if _, ok := reloaded.FullyDownloaded("bookX"); ok {
		t.Error("marker kept after the job was resubmitted")
	}
}

// failingKV fails every write after the first n.
type failingKV struct {
	store.Store
	allowed int
}

func (f *failingKV) SetString(ctx context.Context, key, value string) error {
	if f.allowed <= 0 {
		return errors.New("disk full")
	}
	f.allowed--
	return f.Store.SetString(ctx, key, value)
}

func TestFailedSaveLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	kv := &failingKV{Store: newKV(t), allowed: 1}
	s := openStore(t, kv)

	if err := s.Create(ctx, makeJob("bookX", 2)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Update(ctx, "bookX", func(st *model.JobStatus) { st.CurrentDownloadRefID = 9 }); err == nil {
		t.Fatal("Update succeeded with a failing store")
	}
	got, _ := s.Get("bookX")
	if got.Status.CurrentDownloadRefID != model.NoRefID {
		t.Errorf("CurrentDownloadRefID = %d after failed save, want -1", got.Status.CurrentDownloadRefID)
	}
}
