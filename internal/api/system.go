package api

import (
	"net/http"

	"github.com/dustin/go-humanize"
)

type systemResponse struct {
	SandboxRoot         string `json:"sandboxRoot"`
	FreeSpaceBytes      uint64 `json:"freeSpaceBytes"`
	FreeSpace           string `json:"freeSpace"`
	NetworkActive       bool   `json:"networkActive"`
	DownloadsInProgress int    `json:"downloadsInProgress"`
	JobsActive          int    `json:"jobsActive"`
	JobsStreaming       int    `json:"jobsStreaming"`
}

func (s *Server) handleGetSystem(w http.ResponseWriter, r *http.Request) {
	free, err := s.sandbox.FreeSpace()
	if err != nil {
		s.logger.Error("read free space", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read free space")
		return
	}

	streaming := 0
	jobs := s.jobs.ListJobs()
	for _, job := range jobs {
		if s.jobs.Streaming(job.JobName) {
			streaming++
		}
	}

	s.writeJSON(w, http.StatusOK, systemResponse{
		SandboxRoot:         s.sandbox.Root(),
		FreeSpaceBytes:      free,
		FreeSpace:           humanize.IBytes(free),
		NetworkActive:       s.active(),
		DownloadsInProgress: len(s.jobs.DownloadsInProgress()),
		JobsActive:          len(jobs),
		JobsStreaming:       streaming,
	})
}
