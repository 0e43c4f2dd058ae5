package engine

import (
	"context"
	"errors"

	"github.com/samber/mo"

	"github.com/seantiz/haul/internal/model"
)

var (
	// ErrUnknownTransfer is returned when the engine has no record of an id,
	// for example after the record was purged or the process restarted.
	ErrUnknownTransfer = errors.New("unknown transfer")

	// ErrNotSupported is returned for operations an engine cannot perform.
	ErrNotSupported = errors.New("operation not supported by engine")
)

// Record is the engine-side view of one transfer.
type Record struct {
	BytesDownloaded int64
	BytesTotal      int64
	State           model.State
	Reason          string
	LocalPath       string
	ResumeData      []byte
}

// Snapshot converts the record into an observation for refID.
func (r Record) Snapshot(refID int64) model.Snapshot {
	snap := model.Snapshot{
		RefID:           refID,
		BytesDownloaded: r.BytesDownloaded,
		BytesTotal:      r.BytesTotal,
	}
	token := mo.None[[]byte]()
	if len(r.ResumeData) > 0 {
		token = mo.Some(r.ResumeData)
	}
	switch r.State {
	case model.StateRunning:
		snap.Status = model.Running{}
	case model.StatePaused:
		snap.Status = model.Paused{Reason: r.Reason, ResumeToken: token}
	case model.StateSuccessful:
		snap.Status = model.Successful{LocalPath: r.LocalPath}
	case model.StateFailed:
		snap.Status = model.Failed{Reason: r.Reason, ResumeToken: token}
	default:
		snap.Status = model.Pending{}
	}
	return snap
}

// PollEngine is an engine that assigns its own ids and must be queried for
// progress.
type PollEngine interface {
	// Enqueue starts a transfer and returns the engine-assigned id.
	Enqueue(ctx context.Context, req model.DownloadRequest) (int64, error)

	// Query returns the current record for id, or ErrUnknownTransfer.
	Query(ctx context.Context, id int64) (Record, error)

	// Remove cancels the given transfers and forgets their records. Unknown
	// ids are ignored.
	Remove(ctx context.Context, ids ...int64) error
}

// IDSeeder is implemented by poll engines whose id sequence can be moved
// forward, so that ids recorded before a restart are not handed out again.
type IDSeeder interface {
	// SeedIDs makes every id assigned afterwards greater than floor.
	SeedIDs(floor int64)
}

// Listener receives transfer events from a CallbackEngine. Hooks may be
// invoked from any goroutine and in any order relative to other transfers.
// Engines never invoke hooks synchronously from Start or Resume.
type Listener interface {
	OnProgress(id string)
	OnComplete(id string, localPath string)
	OnFail(id string, err error, httpStatus int, resumeData []byte)
	OnPause(id string, resumeData []byte)
}

// CallbackEngine is an engine driven by caller-chosen ids that reports
// through a Listener.
type CallbackEngine interface {
	SetListener(l Listener)
	Start(ctx context.Context, id string, req model.DownloadRequest) error
	Cancel(id string) error
	Pause(id string) error
	Resume(ctx context.Context, id string, resumeData []byte) error
	IsDownloading(id string) bool
	Progress(id string) (downloaded, total int64, ok bool)
}

// Sizer reports the expected size of a request's payload. Zero means unknown.
type Sizer interface {
	Size(ctx context.Context, req model.DownloadRequest) (int64, error)
}
