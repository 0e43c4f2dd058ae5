package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/haul/internal/engine"
	"github.com/seantiz/haul/internal/model"
)

const maxBodySize = 1 << 20 // 1 MB

// submitJobRequest is the JSON body for POST /v1/jobs.
type submitJobRequest struct {
	JobName  string                  `json:"jobName"`
	Requests []model.DownloadRequest `json:"requests"`
}

// jobResponse is a stored job, or a finished one that only has its
// fully-downloaded marker left.
type jobResponse struct {
	model.DownloadJob
	Streaming         bool       `json:"streaming"`
	FullyDownloadedAt *time.Time `json:"fullyDownloadedAt,omitempty"`
}

type listJobsResponse struct {
	Jobs []jobResponse `json:"jobs"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	job := model.DownloadJob{JobName: req.JobName, Requests: req.Requests}
	if err := s.jobs.SubmitJob(r.Context(), job); err != nil {
		s.writeFailure(w, err, "submit job")
		return
	}

	stored, err := s.jobs.Job(req.JobName)
	if err != nil {
		s.writeFailure(w, err, "get job")
		return
	}
	s.writeJSON(w, http.StatusCreated, jobResponse{DownloadJob: stored})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	list := s.jobs.ListJobs()
	resp := listJobsResponse{Jobs: make([]jobResponse, 0, len(list))}
	for _, job := range list {
		resp.Jobs = append(resp.Jobs, jobResponse{DownloadJob: job, Streaming: s.jobs.Streaming(job.JobName)})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	job, err := s.jobs.Job(name)
	if errors.Is(err, model.ErrNotFound) {
		if at, ok := s.jobs.FullyDownloaded(name); ok {
			s.writeJSON(w, http.StatusOK, jobResponse{
				DownloadJob:       model.DownloadJob{JobName: name, Requests: []model.DownloadRequest{}},
				FullyDownloadedAt: &at,
			})
			return
		}
	}
	if err != nil {
		s.writeFailure(w, err, "get job")
		return
	}
	s.writeJSON(w, http.StatusOK, jobResponse{DownloadJob: job, Streaming: s.jobs.Streaming(name)})
}

// handleJobStatus runs the job and streams its progress as server-sent
// events. Disconnecting stops the run; the next request resumes it.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	st, err := s.jobs.GetJobStatus(r.Context(), name)
	if err != nil {
		s.writeFailure(w, err, "get job status")
		return
	}
	defer st.Close()

	streamEvents(s, w, r, streamJob, st.Updates(), st.Err)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := s.jobs.DeleteJob(r.Context(), name); err != nil {
		s.writeFailure(w, err, "delete job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAllJobs(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.DeleteAllJobs(r.Context()); err != nil {
		s.writeFailure(w, err, "delete jobs")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps a core error to its HTTP status.
func statusFor(err error) int {
	var (
		submission *model.SubmissionError
		running    *model.JobAlreadyRunningError
		duplicate  *model.DuplicateSubscriptionError
		engineErr  *model.EngineError
	)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &submission):
		return http.StatusBadRequest
	case errors.As(err, &running), errors.As(err, &duplicate), errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, engine.ErrNotSupported):
		return http.StatusNotImplemented
	case errors.As(err, &engineErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure writes err with its mapped status. Unexpected errors are
// logged and hidden behind a generic message.
func (s *Server) writeFailure(w http.ResponseWriter, err error, op string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "error", err)
		s.writeError(w, status, "failed to "+op)
		return
	}
	s.writeError(w, status, err.Error())
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
