package model

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// NoRefID marks a job with no transfer in flight.
const NoRefID int64 = -1

// JobState is the composite state of a job as seen by its status stream.
type JobState string

// Job states.
const (
	JobNotStarted JobState = "NOT_STARTED"
	JobRunning    JobState = "RUNNING"
	JobComplete   JobState = "COMPLETE"
	JobFailed     JobState = "FAILED"
	JobCancelled  JobState = "CANCELLED"
)

// validJobTransitions maps each job state to the states it may move to.
// A failed or cancelled job runs again when its status is requested.
var validJobTransitions = map[JobState]map[JobState]bool{
	JobNotStarted: {
		JobRunning:   true,
		JobCancelled: true,
	},
	JobRunning: {
		JobComplete:  true,
		JobFailed:    true,
		JobCancelled: true,
	},
	JobFailed: {
		JobRunning:   true,
		JobCancelled: true,
	},
	JobCancelled: {
		JobRunning: true,
	},
}

// ValidJobTransition reports whether a job may move from one state to another.
func ValidJobTransition(from, to JobState) bool {
	targets, ok := validJobTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// JobStatus is the durable progress record of a job.
type JobStatus struct {
	CurrentDownloadRefID     int64           `json:"currentDownloadRefId"`
	DownloadsCompletedRefIDs []int64         `json:"downloadsCompletedRefIds"`
	DownloadsTotal           int             `json:"downloadsTotal"`
	BytesDownloadedByRefID   map[int64]int64 `json:"bytesDownloadedByRefId"`
	BytesTotal               int64           `json:"bytesTotal"`
}

// NewJobStatus returns the status of a job that has not started.
func NewJobStatus(downloadsTotal int, bytesTotal int64) JobStatus {
	return JobStatus{
		CurrentDownloadRefID:     NoRefID,
		DownloadsCompletedRefIDs: []int64{},
		DownloadsTotal:           downloadsTotal,
		BytesDownloadedByRefID:   map[int64]int64{},
		BytesTotal:               bytesTotal,
	}
}

// HasCurrent reports whether a transfer is recorded as in flight.
func (s JobStatus) HasCurrent() bool {
	return s.CurrentDownloadRefID >= 0
}

// NextIndex is the index of the first request that has not been started.
func (s JobStatus) NextIndex() int {
	n := len(s.DownloadsCompletedRefIDs)
	if s.HasCurrent() {
		n++
	}
	return n
}

// RefIDs returns every ref id the status records, in ascending order.
func (s JobStatus) RefIDs() []int64 {
	ids := slices.Clone(s.DownloadsCompletedRefIDs)
	if s.HasCurrent() {
		ids = append(ids, s.CurrentDownloadRefID)
	}
	for id := range s.BytesDownloadedByRefID {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// BytesDownloaded sums the bytes recorded for every transfer of the job.
func (s JobStatus) BytesDownloaded() int64 {
	var sum int64
	for _, b := range s.BytesDownloadedByRefID {
		sum += b
	}
	return sum
}

// SetBytes records progress for refID and raises BytesTotal when the engine
// has reported more than the estimate.
func (s *JobStatus) SetBytes(refID, n int64) {
	if s.BytesDownloadedByRefID == nil {
		s.BytesDownloadedByRefID = map[int64]int64{}
	}
	s.BytesDownloadedByRefID[refID] = n
	if sum := s.BytesDownloaded(); sum > s.BytesTotal {
		s.BytesTotal = sum
	}
}

// Clone returns a deep copy of the status.
func (s JobStatus) Clone() JobStatus {
	c := s
	c.DownloadsCompletedRefIDs = slices.Clone(s.DownloadsCompletedRefIDs)
	if c.DownloadsCompletedRefIDs == nil {
		c.DownloadsCompletedRefIDs = []int64{}
	}
	c.BytesDownloadedByRefID = maps.Clone(s.BytesDownloadedByRefID)
	if c.BytesDownloadedByRefID == nil {
		c.BytesDownloadedByRefID = map[int64]int64{}
	}
	return c
}

// DownloadJob is a named, ordered group of requests fetched one at a time.
type DownloadJob struct {
	JobName  string            `json:"jobName"`
	Requests []DownloadRequest `json:"requests"`
	Status   JobStatus         `json:"status"`
}

// Validate checks the job name and every member request.
func (j DownloadJob) Validate() error {
	if j.JobName == "" {
		return errors.New("jobName is required")
	}
	if len(j.Requests) == 0 {
		return errors.New("job has no requests")
	}
	seen := make(map[string]bool, len(j.Requests))
	for i, r := range j.Requests {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("request %d: %w", i, err)
		}
		if seen[r.DestinationLocalURI] {
			return fmt.Errorf("request %d: duplicate destination %q", i, r.DestinationLocalURI)
		}
		seen[r.DestinationLocalURI] = true
	}
	return nil
}

// Current returns the request whose transfer is recorded as in flight.
func (j DownloadJob) Current() (DownloadRequest, bool) {
	if !j.Status.HasCurrent() {
		return DownloadRequest{}, false
	}
	idx := len(j.Status.DownloadsCompletedRefIDs)
	if idx >= len(j.Requests) {
		return DownloadRequest{}, false
	}
	return j.Requests[idx], true
}

// Remaining returns the requests that have been neither completed nor started.
func (j DownloadJob) Remaining() []DownloadRequest {
	idx := j.Status.NextIndex()
	if idx >= len(j.Requests) {
		return nil
	}
	return j.Requests[idx:]
}

// Complete reports whether every request has finished successfully.
func (j DownloadJob) Complete() bool {
	return len(j.Status.DownloadsCompletedRefIDs) >= len(j.Requests)
}

// Clone returns a deep copy of the job.
func (j DownloadJob) Clone() DownloadJob {
	c := j
	c.Requests = make([]DownloadRequest, len(j.Requests))
	for i, r := range j.Requests {
		c.Requests[i] = r.Clone()
	}
	c.Status = j.Status.Clone()
	return c
}

// JobProgress is one element of a job status stream.
type JobProgress struct {
	JobName            string   `json:"jobName"`
	RunID              string   `json:"runId"`
	State              JobState `json:"state"`
	CurrentRefID       int64    `json:"currentDownloadRefId"`
	DownloadsCompleted int      `json:"downloadsCompleted"`
	DownloadsTotal     int      `json:"downloadsTotal"`
	BytesDownloaded    int64    `json:"bytesDownloaded"`
	BytesTotal         int64    `json:"bytesTotal"`
}

// Progress summarizes the job's status for a stream update.
func (j DownloadJob) Progress(runID string, state JobState) JobProgress {
	return JobProgress{
		JobName:            j.JobName,
		RunID:              runID,
		State:              state,
		CurrentRefID:       j.Status.CurrentDownloadRefID,
		DownloadsCompleted: len(j.Status.DownloadsCompletedRefIDs),
		DownloadsTotal:     j.Status.DownloadsTotal,
		BytesDownloaded:    j.Status.BytesDownloaded(),
		BytesTotal:         j.Status.BytesTotal,
	}
}
