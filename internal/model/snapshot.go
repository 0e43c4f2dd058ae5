package model

import (
	"encoding/json"

	"github.com/samber/mo"
)

// Reasons synthesized by the orchestration layer rather than reported by an engine.
const (
	ReasonMissing = "missing"
	ReasonTimeout = "timeout"
)

// Status is the state-specific part of a Snapshot. Each variant carries only
// the fields that are meaningful in its state.
type Status interface {
	State() State
	isStatus()
}

// Pending is a transfer accepted by the engine but not yet started.
type Pending struct{}

// Running is a transfer that is actively moving bytes.
type Running struct{}

// Paused is a transfer that stopped and may be resumed with ResumeToken.
type Paused struct {
	Reason      string
	ResumeToken mo.Option[[]byte]
}

// Successful is a transfer that completed and wrote LocalPath.
type Successful struct {
	LocalPath string
}

// Failed is a transfer that ended with an error.
type Failed struct {
	Reason      string
	ResumeToken mo.Option[[]byte]
}

func (Pending) State() State    { return StatePending }
func (Running) State() State    { return StateRunning }
func (Paused) State() State     { return StatePaused }
func (Successful) State() State { return StateSuccessful }
func (Failed) State() State     { return StateFailed }

func (Pending) isStatus()    {}
func (Running) isStatus()    {}
func (Paused) isStatus()     {}
func (Successful) isStatus() {}
func (Failed) isStatus()     {}

// Snapshot is one immutable observation of a transfer.
type Snapshot struct {
	RefID           int64
	BytesDownloaded int64
	BytesTotal      int64
	Status          Status
}

// State returns the snapshot's state. A snapshot without a status is PENDING.
func (s Snapshot) State() State {
	if s.Status == nil {
		return StatePending
	}
	return s.Status.State()
}

// Reason returns the pause or failure reason, if any.
func (s Snapshot) Reason() string {
	switch st := s.Status.(type) {
	case Paused:
		return st.Reason
	case Failed:
		return st.Reason
	}
	return ""
}

// Same reports whether two snapshots describe the same observation.
func (s Snapshot) Same(o Snapshot) bool {
	return s.RefID == o.RefID &&
		s.State() == o.State() &&
		s.BytesDownloaded == o.BytesDownloaded &&
		s.BytesTotal == o.BytesTotal &&
		s.Reason() == o.Reason()
}

type snapshotJSON struct {
	RefID           int64  `json:"refId"`
	State           State  `json:"state"`
	BytesDownloaded int64  `json:"bytesDownloaded"`
	BytesTotal      int64  `json:"bytesTotal"`
	Reason          string `json:"reason,omitempty"`
	LocalPath       string `json:"localPath,omitempty"`
	Resumable       bool   `json:"resumable,omitempty"`
}

// MarshalJSON flattens the status variant into a single object.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON{
		RefID:           s.RefID,
		State:           s.State(),
		BytesDownloaded: s.BytesDownloaded,
		BytesTotal:      s.BytesTotal,
		Reason:          s.Reason(),
	}
	switch st := s.Status.(type) {
	case Successful:
		out.LocalPath = st.LocalPath
	case Paused:
		out.Resumable = st.ResumeToken.IsPresent()
	case Failed:
		out.Resumable = st.ResumeToken.IsPresent()
	}
	return json.Marshal(out)
}
