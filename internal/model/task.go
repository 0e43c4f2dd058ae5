package model

import (
	"fmt"
	"time"

	"github.com/samber/mo"
)

// Task is the runtime record of one submitted transfer. Tasks are owned by
// the task registry and change only through Apply.
type Task struct {
	RefID           int64             `json:"refId"`
	Request         DownloadRequest   `json:"request"`
	State           State             `json:"state"`
	BytesDownloaded int64             `json:"bytesDownloaded"`
	BytesTotal      int64             `json:"bytesTotal"`
	FailureReason   string            `json:"failureReason,omitempty"`
	ResumeToken     mo.Option[[]byte] `json:"-"`
	LocalPath       string            `json:"localPath,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// NewTask creates a PENDING task for req.
func NewTask(refID int64, req DownloadRequest, now time.Time) *Task {
	return &Task{
		RefID:     refID,
		Request:   req,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Apply folds an observation into the task. It reports whether the
// observation changed anything a subscriber should see.
//
// Re-delivering the current state only refreshes byte counters; an identical
// observation is a no-op. Once the task is terminal, a different observation
// is rejected with ErrInvalidTransition.
func (t *Task) Apply(s Snapshot, now time.Time) (bool, error) {
	next := s.State()

	if next == t.State {
		if !IsInProgress(t.State) {
			return false, nil
		}
		changed := t.refreshBytes(s)
		if p, ok := s.Status.(Paused); ok && p.ResumeToken.IsPresent() {
			t.ResumeToken = p.ResumeToken
		}
		if changed {
			t.UpdatedAt = now
		}
		return changed, nil
	}

	if !reachable(t.State, next) {
		return false, fmt.Errorf("%w: ref %d %s -> %s", ErrInvalidTransition, t.RefID, t.State, next)
	}

	t.State = next
	t.refreshBytes(s)
	t.UpdatedAt = now

	switch st := s.Status.(type) {
	case Running:
		t.ResumeToken = mo.None[[]byte]()
	case Paused:
		t.ResumeToken = st.ResumeToken
	case Successful:
		t.LocalPath = st.LocalPath
		if t.BytesTotal < t.BytesDownloaded {
			t.BytesTotal = t.BytesDownloaded
		}
	case Failed:
		t.FailureReason = st.Reason
		t.ResumeToken = st.ResumeToken
	}
	return true, nil
}

func (t *Task) refreshBytes(s Snapshot) bool {
	changed := false
	if s.BytesDownloaded != t.BytesDownloaded && s.BytesDownloaded >= 0 {
		t.BytesDownloaded = s.BytesDownloaded
		changed = true
	}
	// Engines report zero or -1 while the size is unknown.
	if s.BytesTotal > 0 && s.BytesTotal != t.BytesTotal {
		t.BytesTotal = s.BytesTotal
		changed = true
	}
	return changed
}

// Snapshot returns the task's current observation.
func (t *Task) Snapshot() Snapshot {
	snap := Snapshot{
		RefID:           t.RefID,
		BytesDownloaded: t.BytesDownloaded,
		BytesTotal:      t.BytesTotal,
	}
	switch t.State {
	case StateRunning:
		snap.Status = Running{}
	case StatePaused:
		snap.Status = Paused{ResumeToken: t.ResumeToken}
	case StateSuccessful:
		snap.Status = Successful{LocalPath: t.LocalPath}
	case StateFailed:
		snap.Status = Failed{Reason: t.FailureReason, ResumeToken: t.ResumeToken}
	default:
		snap.Status = Pending{}
	}
	return snap
}
