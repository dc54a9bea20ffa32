// Package httpx provides the HTTP API for uploading archives and polling scan jobs.
package httpx

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/target/dwas-scanner/internal/domain/model"
	apperrors "github.com/target/dwas-scanner/internal/errors"
	"github.com/target/dwas-scanner/internal/service"
)

// uploadFormField is the multipart field carrying the archive.
const uploadFormField = "file"

// JobHandlers provides HTTP handlers for job-related operations.
type JobHandlers struct {
	Svc    *service.JobService
	Logger *slog.Logger
}

type createJobResponse struct {
	JobID  string          `json:"job_id"`
	Status model.JobStatus `json:"status"`
}

// Upload accepts a multipart archive upload and creates a pending job.
// The archive is streamed straight into intake; nothing is buffered in memory.
func (h *JobHandlers) Upload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_request", Err: fmt.Errorf("expected multipart form upload: %w", err)})
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_request", Err: fmt.Errorf("read multipart body: %w", err)})
			return
		}
		if part.FormName() != uploadFormField || part.FileName() == "" {
			_ = part.Close()
			continue
		}

		job, err := h.Svc.Create(r.Context(), service.CreateScanRequest{Filename: part.FileName(), Body: part})
		_ = part.Close()
		if err != nil {
			writeServiceError(w, r, h.Logger, err)
			return
		}
		WriteJSON(w, http.StatusCreated, createJobResponse{JobID: job.ID, Status: job.Status})
		return
	}

	writeServiceError(w, r, h.Logger, apperrors.ValidationField(uploadFormField, "file is required"))
}

// jobListItem is the list view of a job; results are fetched per job.
type jobListItem struct {
	ID          string          `json:"job_id"`
	Filename    string          `json:"filename"`
	Status      model.JobStatus `json:"status"`
	Summary     *string         `json:"summary,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// List returns jobs newest first, optionally filtered by status and paged by limit/offset.
func (h *JobHandlers) List(w http.ResponseWriter, r *http.Request) {
	opts := model.JobListOptions{
		Limit:  parseIntQuery(r, "limit", 0),
		Offset: parseIntQuery(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		var st model.JobStatus
		if err := st.UnmarshalText([]byte(raw)); err != nil {
			writeServiceError(w, r, h.Logger, apperrors.ValidationField("status", err.Error()))
			return
		}
		opts.Status = &st
	}

	jobs, err := h.Svc.List(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}

	out := make([]jobListItem, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobListItem{
			ID:          j.ID,
			Filename:    j.Filename,
			Status:      j.Status,
			Summary:     j.Summary,
			CreatedAt:   j.CreatedAt,
			UpdatedAt:   j.UpdatedAt,
			CompletedAt: j.CompletedAt,
		})
	}
	WriteJSON(w, http.StatusOK, out)
}

// Get returns one job including its result once terminal.
func (h *JobHandlers) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.Svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// Update applies a partial update to a job's filename or summary.
func (h *JobHandlers) Update(w http.ResponseWriter, r *http.Request) {
	var upd model.JobUpdate
	if !DecodeJSON(w, r, &upd) {
		return
	}
	job, err := h.Svc.Update(r.Context(), r.PathValue("id"), upd)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// Delete removes one job and its files.
func (h *JobHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Svc.Delete(r.Context(), id); err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Job deleted successfully",
		"job_id":  id,
	})
}

// DeleteAll removes every job and reports how many were deleted.
func (h *JobHandlers) DeleteAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.Svc.DeleteAll(r.Context())
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	msg := fmt.Sprintf("All %d jobs deleted successfully", n)
	if n == 0 {
		msg = "No jobs to delete"
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"message":       msg,
		"deleted_count": n,
	})
}
