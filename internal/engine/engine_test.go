package engine_test

import (
	"testing"

	"github.com/seantiz/haul/internal/engine"
	"github.com/seantiz/haul/internal/model"
)

func TestRecordSnapshot(t *testing.T) {
	tests := []struct {
		name      string
		rec       engine.Record
		wantState model.State
		reason    string
		resumable bool
	}{
		{"pending", engine.Record{}, model.StatePending, "", false},
		{"running", engine.Record{State: model.StateRunning, BytesDownloaded: 10}, model.StateRunning, "", false},
		{"paused", engine.Record{State: model.StatePaused, ResumeData: []byte("10")}, model.StatePaused, "", true},
		{"failed", engine.Record{State: model.StateFailed, Reason: "http 500"}, model.StateFailed, "http 500", false},
		{"successful", engine.Record{State: model.StateSuccessful, LocalPath: "/d/a"}, model.StateSuccessful, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := tt.rec.Snapshot(3)
			if snap.RefID != 3 {
				t.Errorf("RefID = %d, want 3", snap.RefID)
			}
			if snap.State() != tt.wantState {
				t.Errorf("State = %s, want %s", snap.State(), tt.wantState)
			}
			if snap.Reason() != tt.reason {
				t.Errorf("Reason = %q, want %q", snap.Reason(), tt.reason)
			}
			if p, ok := snap.Status.(model.Paused); ok && p.ResumeToken.IsPresent() != tt.resumable {
				t.Errorf("resumable = %v, want %v", p.ResumeToken.IsPresent(), tt.resumable)
			}
			if s, ok := snap.Status.(model.Successful); ok && s.LocalPath != tt.rec.LocalPath {
				t.Errorf("LocalPath = %q", s.LocalPath)
			}
		})
	}
}
