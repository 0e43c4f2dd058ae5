package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/haul/internal/model"
)

type downloadFileResponse struct {
	RefID int64 `json:"refId"`
}

type listDownloadsResponse struct {
	Downloads []model.Task `json:"downloads"`
}

type cancelAllResponse struct {
	Cancelled []int64 `json:"cancelled"`
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	var req model.DownloadRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	refID, err := s.jobs.DownloadFile(r.Context(), req)
	if err != nil {
		s.writeFailure(w, err, "start download")
		return
	}
	s.writeJSON(w, http.StatusCreated, downloadFileResponse{RefID: refID})
}

func (s *Server) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	tasks := s.jobs.Downloads()
	if tasks == nil {
		tasks = []model.Task{}
	}
	s.writeJSON(w, http.StatusOK, listDownloadsResponse{Downloads: tasks})
}

func (s *Server) handleGetDownload(w http.ResponseWriter, r *http.Request) {
	refID, ok := s.refID(w, r)
	if !ok {
		return
	}

	task, err := s.jobs.Download(refID)
	if err != nil {
		s.writeFailure(w, err, "get download")
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

// handleDownloadStatus streams a transfer's snapshots as server-sent events.
func (s *Server) handleDownloadStatus(w http.ResponseWriter, r *http.Request) {
	refID, ok := s.refID(w, r)
	if !ok {
		return
	}

	sub, err := s.jobs.GetDownloadStatus(refID)
	if err != nil {
		s.writeFailure(w, err, "get download status")
		return
	}
	defer sub.Close()

	streamEvents(s, w, r, streamDownload, sub.Updates(), sub.Err)
}

func (s *Server) handlePauseDownload(w http.ResponseWriter, r *http.Request) {
	refID, ok := s.refID(w, r)
	if !ok {
		return
	}
	if err := s.jobs.PauseDownload(r.Context(), refID); err != nil {
		s.writeFailure(w, err, "pause download")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleResumeDownload(w http.ResponseWriter, r *http.Request) {
	refID, ok := s.refID(w, r)
	if !ok {
		return
	}
	if err := s.jobs.ResumeDownload(r.Context(), refID); err != nil {
		s.writeFailure(w, err, "resume download")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCancelDownload(w http.ResponseWriter, r *http.Request) {
	refID, ok := s.refID(w, r)
	if !ok {
		return
	}
	if _, err := s.jobs.Download(refID); err != nil {
		s.writeFailure(w, err, "cancel download")
		return
	}
	s.jobs.CancelDownloads(r.Context(), refID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelAllDownloads(w http.ResponseWriter, r *http.Request) {
	ids := s.jobs.CancelAllDownloads(r.Context())
	if ids == nil {
		ids = []int64{}
	}
	s.writeJSON(w, http.StatusOK, cancelAllResponse{Cancelled: ids})
}

// refID parses the {refID} path parameter, writing a 400 when it is malformed.
func (s *Server) refID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "refID"), 10, 64)
	if err != nil || id < 0 {
		s.writeError(w, http.StatusBadRequest, "invalid ref id")
		return 0, false
	}
	return id, true
}
