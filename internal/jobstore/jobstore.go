// Package jobstore persists download jobs in a key-value store so that jobs
// survive process restarts.
//
// The whole job set is serialized as one JSON object keyed by job name and
// written under a single key. Every mutation is applied to a copy of the
// in-memory set, saved, and only then committed, so a failed save leaves the
// observable state unchanged and a crash never loses an acknowledged change.
package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/haul/internal/model"
	"github.com/seantiz/haul/internal/store"
)

// Keys used in the key-value store.
const (
	JobsKey    = "haul.jobs"
	MarkersKey = "haul.jobs.fully_downloaded"
)

// Store is the durable mapping from job name to job. It is safe for
// concurrent use.
type Store struct {
	kv     store.Store
	logger *slog.Logger

	mu      sync.Mutex
	jobs    map[string]model.DownloadJob
	markers map[string]time.Time
}

// Open loads the job set from kv. An absent key yields an empty set;
// malformed entries are logged and skipped.
func Open(ctx context.Context, kv store.Store, logger *slog.Logger) (*Store, error) {
	s := &Store{
		kv:      kv,
		logger:  logger,
		jobs:    make(map[string]model.DownloadJob),
		markers: make(map[string]time.Time),
	}

	raw, err := kv.GetString(ctx, JobsKey, "{}")
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	s.jobs = s.decodeJobs(raw)

	raw, err = kv.GetString(ctx, MarkersKey, "{}")
	if err != nil {
		return nil, fmt.Errorf("load markers: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &s.markers); err != nil || s.markers == nil {
		s.logger.Warn("ignoring malformed fully-downloaded markers", "error", err)
		s.markers = make(map[string]time.Time)
	}

	s.logger.Info("job store loaded", "jobs", len(s.jobs), "markers", len(s.markers))
	return s, nil
}

func (s *Store) decodeJobs(raw string) map[string]model.DownloadJob {
	jobs := make(map[string]model.DownloadJob)
	if strings.TrimSpace(raw) == "" {
		return jobs
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		s.logger.Warn("ignoring malformed job set", "error", err)
		return jobs
	}

	for name, entry := range entries {
		var j model.DownloadJob
		if err := json.Unmarshal(entry, &j); err != nil {
			s.logger.Warn("skipping malformed job", "job", name, "error", err)
			continue
		}
		if j.JobName == "" {
			j.JobName = name
		}
		if j.JobName != name {
			s.logger.Warn("skipping job stored under another name", "job", name, "job_name", j.JobName)
			continue
		}
		if err := j.Validate(); err != nil {
			s.logger.Warn("skipping invalid job", "job", name, "error", err)
			continue
		}
		j.Status = j.Status.Clone()
		if j.Status.DownloadsTotal == 0 {
			j.Status.DownloadsTotal = len(j.Requests)
		}
		if len(j.Status.DownloadsCompletedRefIDs) > len(j.Requests) {
			s.logger.Warn("skipping job with more completions than requests", "job", name)
			continue
		}
		jobs[name] = j
	}
	return jobs
}

// Create stores a new job. It fails with JobAlreadyRunningError if a job with
// the same name exists. Any fully-downloaded marker for the name is cleared.
func (s *Store) Create(ctx context.Context, job model.DownloadJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.JobName]; ok {
		return &model.JobAlreadyRunningError{JobName: job.JobName}
	}

	next := maps.Clone(s.jobs)
	next[job.JobName] = job.Clone()
	if err := s.saveJobs(ctx, next); err != nil {
		return err
	}
	s.jobs = next

	if _, ok := s.markers[job.JobName]; ok {
		markers := maps.Clone(s.markers)
		delete(markers, job.JobName)
		if err := s.saveMarkers(ctx, markers); err != nil {
			s.logger.Warn("clear fully-downloaded marker", "job", job.JobName, "error", err)
		} else {
			s.markers = markers
		}
	}
	return nil
}

// Get returns a copy of the named job.
func (s *Store) Get(name string) (model.DownloadJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return model.DownloadJob{}, fmt.Errorf("job %q: %w", name, model.ErrNotFound)
	}
	return j.Clone(), nil
}

// Has reports whether a job with the given name is stored.
func (s *Store) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

// List returns copies of all jobs ordered by name.
func (s *Store) List() []model.DownloadJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := slices.Sorted(maps.Keys(s.jobs))
	out := make([]model.DownloadJob, 0, len(names))
	for _, n := range names {
		out = append(out, s.jobs[n].Clone())
	}
	return out
}

// Update applies fn to the named job's status and saves the result. fn runs
// on a copy; if saving fails the stored job is unchanged.
func (s *Store) Update(ctx context.Context, name string, fn func(*model.JobStatus)) (model.DownloadJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return model.DownloadJob{}, fmt.Errorf("job %q: %w", name, model.ErrNotFound)
	}

	updated := j.Clone()
	fn(&updated.Status)

	next := maps.Clone(s.jobs)
	next[name] = updated
	if err := s.saveJobs(ctx, next); err != nil {
		return model.DownloadJob{}, err
	}
	s.jobs = next
	return updated.Clone(), nil
}

// Delete removes the named job.
func (s *Store) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; !ok {
		return fmt.Errorf("job %q: %w", name, model.ErrNotFound)
	}

	next := maps.Clone(s.jobs)
	delete(next, name)
	if err := s.saveJobs(ctx, next); err != nil {
		return err
	}
	s.jobs = next
	return nil
}

// MarkFullyDownloaded records that every request of the named job finished.
func (s *Store) MarkFullyDownloaded(ctx context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := maps.Clone(s.markers)
	next[name] = at.UTC()
	if err := s.saveMarkers(ctx, next); err != nil {
		return err
	}
	s.markers = next
	return nil
}

// FullyDownloaded returns when the named job finished, if it has.
func (s *Store) FullyDownloaded(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.markers[name]
	return at, ok
}

func (s *Store) saveJobs(ctx context.Context, jobs map[string]model.DownloadJob) error {
	data, err := json.Marshal(jobs)
	if err != nil {
		return fmt.Errorf("encode jobs: %w", err)
	}
	if err := s.kv.SetString(ctx, JobsKey, string(data)); err != nil {
		return fmt.Errorf("save jobs: %w", err)
	}
	return nil
}

func (s *Store) saveMarkers(ctx context.Context, markers map[string]time.Time) error {
	data, err := json.Marshal(markers)
	if err != nil {
		return fmt.Errorf("encode markers: %w", err)
	}
	if err := s.kv.SetString(ctx, MarkersKey, string(data)); err != nil {
		return fmt.Errorf("save markers: %w", err)
	}
	return nil
}
