package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/openelev/demjobs/internal/errors"
	"github.com/openelev/demjobs/pkg/jobid"
	"github.com/openelev/demjobs/pkg/ledger"
)

// HealthResponse is the /health body.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks"`
}

// JobResponse is the external rendering of a ledger job row.
type JobResponse struct {
	JobID     int64     `json:"job_id"`
	Username  string    `json:"username"`
	JobName   string    `json:"job_name"`
	Command   string    `json:"command"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// FileResponse is the external rendering of a ledger file row.
type FileResponse struct {
	Filename  string    `json:"filename"`
	Direction string    `json:"direction"`
	SizeBytes int64     `json:"size_bytes"`
	MD5       string    `json:"md5,omitempty"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SnapshotMetaResponse is the /v1/snapshot/meta body.
type SnapshotMetaResponse struct {
	Vnum             int64  `json:"vnum"`
	ToolVersion      string `json:"tool_version"`
	LatestJob        int64  `json:"latest_job,omitempty"`
	EarliestJob      int64  `json:"earliest_job,omitempty"`
	MinClientVersion string `json:"min_client_version,omitempty"`
	MD5              string `json:"md5,omitempty"`
}

const defaultJobListLimit = 100

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"ledger": "healthy"}
	status := "healthy"

	if err := s.deps.Ledger.CheckHealth(r.Context()); err != nil {
		checks["ledger"] = "unhealthy"
		status = "unhealthy"
	}

	if status != "healthy" {
		apperrors.RespondWithError(w, r, apperrors.NewStorageUnavailable(
			"service unhealthy", nil).WithDetails(map[string]any{"checks": checks}))
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  status,
		Version: s.deps.Version,
		Checks:  checks,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.deps.Version})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultJobListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			apperrors.RespondWithError(w, r, apperrors.NewValidationFailed(
				"limit must be a positive integer", err))
			return
		}
		limit = n
	}

	jobs, err := s.deps.Ledger.ListJobs(r.Context(), limit)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}

	out := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, renderJob(&job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.fetchJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, renderJob(job))
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	job, ok := s.fetchJob(w, r)
	if !ok {
		return
	}

	files, err := s.deps.Ledger.ListFilesForJob(r.Context(), job.JobID, job.Username)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}

	out := make([]FileResponse, 0, len(files))
	for _, f := range files {
		out = append(out, renderFile(&f))
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": out})
}

func (s *Server) handleSnapshotMeta(w http.ResponseWriter, r *http.Request) {
	if s.deps.Snapshot == nil {
		apperrors.RespondWithError(w, r, apperrors.NewNotFound("snapshot publication is not configured"))
		return
	}

	meta, err := s.deps.Snapshot.Meta(r.Context())
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.NewStorageUnavailable(
			"cannot reach snapshot store", err))
		return
	}
	if meta == nil {
		apperrors.RespondWithError(w, r, apperrors.NewNotFound("no snapshot published yet"))
		return
	}

	writeJSON(w, http.StatusOK, SnapshotMetaResponse{
		Vnum:             meta.Vnum,
		ToolVersion:      meta.ToolVersion,
		LatestJob:        meta.LatestJob,
		EarliestJob:      meta.EarliestJob,
		MinClientVersion: meta.MinClientVersion,
		MD5:              meta.MD5,
	})
}

// fetchJob resolves the {username}/{jobID} route pair, writing the
// error response itself on failure.
func (s *Server) fetchJob(w http.ResponseWriter, r *http.Request) (*ledger.Job, bool) {
	username := chi.URLParam(r, "username")
	rawID := chi.URLParam(r, "jobID")

	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.NewValidationFailed(
			"job id must be an integer", err))
		return nil, false
	}
	if err := jobid.Validate(id); err != nil {
		apperrors.RespondWithError(w, r, apperrors.NewValidationFailed(
			"job id must be a valid YYYYMMDDNNNN identifier", err))
		return nil, false
	}

	job, err := s.deps.Ledger.GetJob(r.Context(), id, username)
	if err != nil {
		if errors.Is(err, ledger.ErrJobNotFound) {
			apperrors.RespondWithError(w, r, apperrors.NewNotFound("job not found").
				WithDetails(map[string]any{"job_id": id, "username": username}))
			return nil, false
		}
		apperrors.RespondWithError(w, r, err)
		return nil, false
	}
	return job, true
}

func renderJob(job *ledger.Job) JobResponse {
	return JobResponse{
		JobID:     job.JobID,
		Username:  job.Username,
		JobName:   job.JobName,
		Command:   job.Command,
		Status:    string(job.Status),
		CreatedAt: job.CreatedAt,
	}
}

func renderFile(f *ledger.File) FileResponse {
	direction := "import"
	switch f.ImportOrExport {
	case ledger.FileExport:
		direction = "export"
	case ledger.FileImportAndExport:
		direction = "import+export"
	}

	md5 := ""
	if f.MD5 != nil {
		md5 = *f.MD5
	}

	return FileResponse{
		Filename:  f.Filename,
		Direction: direction,
		SizeBytes: f.SizeBytes,
		MD5:       md5,
		Status:    string(f.Status),
		UpdatedAt: f.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
