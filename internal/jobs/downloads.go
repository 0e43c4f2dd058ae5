package jobs

import (
	"context"
	"time"

	"github.com/seantiz/haul/internal/model"
	"github.com/seantiz/haul/internal/registry"
)

// DownloadFile starts a standalone transfer and returns its ref id.
func (m *Manager) DownloadFile(ctx context.Context, req model.DownloadRequest) (int64, error) {
	return m.registry.Submit(ctx, req)
}

// GetDownloadStatus subscribes to a transfer's snapshots. The subscription
// ends after the terminal snapshot, after which the ref id is forgotten.
func (m *Manager) GetDownloadStatus(refID int64) (*registry.Subscription, error) {
	return m.registry.Subscribe(refID)
}

// CancelDownloads stops the given transfers and removes their partial files.
// Unknown ids are ignored.
func (m *Manager) CancelDownloads(ctx context.Context, refIDs ...int64) {
	dests := m.unfinishedDestinations(refIDs)
	m.registry.Cancel(ctx, refIDs...)
	for _, d := range dests {
		m.sandbox.Discard(d)
	}
}

// CancelAllDownloads stops every transfer and returns the cancelled ids.
func (m *Manager) CancelAllDownloads(ctx context.Context) []int64 {
	var dests []string
	for _, t := range m.registry.List() {
		if model.IsInProgress(t.State) {
			dests = append(dests, t.Request.DestinationLocalURI)
		}
	}
	ids := m.registry.CancelAll(ctx)
	for _, d := range dests {
		m.sandbox.Discard(d)
	}
	return ids
}

func (m *Manager) unfinishedDestinations(refIDs []int64) []string {
	var dests []string
	for _, id := range refIDs {
		t, err := m.registry.Get(id)
		if err != nil || !model.IsInProgress(t.State) {
			continue
		}
		dests = append(dests, t.Request.DestinationLocalURI)
	}
	return dests
}

// PauseDownload pauses a running transfer on engines that support it.
func (m *Manager) PauseDownload(ctx context.Context, refID int64) error {
	return m.registry.Pause(ctx, refID)
}

// ResumeDownload resumes a paused transfer from where it stopped.
func (m *Manager) ResumeDownload(ctx context.Context, refID int64) error {
	return m.registry.Resume(ctx, refID)
}

// DownloadsInProgress returns the ids of transfers that have not finished.
func (m *Manager) DownloadsInProgress() []int64 {
	return m.registry.ListInProgress()
}

// Downloads returns every tracked transfer.
func (m *Manager) Downloads() []model.Task {
	return m.registry.List()
}

// Download returns the tracked transfer for refID.
func (m *Manager) Download(refID int64) (model.Task, error) {
	return m.registry.Get(refID)
}

// SweepDownloads forgets finished transfers older than retention.
func (m *Manager) SweepDownloads(retention time.Duration) int {
	return m.registry.Sweep(retention)
}
