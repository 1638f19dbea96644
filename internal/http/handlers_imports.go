// Package httpx provides the HTTP API of the employee import service.
package httpx

import (
	"net/http"

	"github.com/peopleflow/importd/internal/core"
	"github.com/peopleflow/importd/internal/service"
)

// ImportHandlers provides HTTP handlers for import job operations.
type ImportHandlers struct {
	Svc *service.ImportService
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Register handles POST /api/imports: it registers an already-uploaded
// file and enqueues the import.
func (h *ImportHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterImportRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	job, err := h.Svc.RegisterImport(r.Context(), req)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, job)
}

// List handles GET /api/imports.
func (h *ImportHandlers) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := ParseLimitOffset(r, 20, 100)
	jobs, total, err := h.Svc.ListJobs(r.Context(), core.ListJobsQuery{
		Limit:  limit,
		Offset: offset,
		Status: r.URL.Query().Get("status"),
	})
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// Get handles GET /api/imports/{id}: the job's progress snapshot, served
// from the fast read path with a database fallback.
func (h *ImportHandlers) Get(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Svc.GetJobSnapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

// Details handles GET /api/imports/{id}/details.
func (h *ImportHandlers) Details(w http.ResponseWriter, r *http.Request) {
	details, err := h.Svc.GetImportDetails(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, details)
}

// Rows handles GET /api/imports/{id}/rows.
func (h *ImportHandlers) Rows(w http.ResponseWriter, r *http.Request) {
	limit, offset := ParseLimitOffset(r, defaultPageSize, maxPageSize)
	rows, total, err := h.Svc.GetRowPage(r.Context(), r.PathValue("id"), core.RowPageQuery{
		Limit:  limit,
		Offset: offset,
		Status: r.URL.Query().Get("status"),
	})
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"rows":   rows,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// Errors handles GET /api/imports/{id}/errors.
func (h *ImportHandlers) Errors(w http.ResponseWriter, r *http.Request) {
	limit, offset := ParseLimitOffset(r, defaultPageSize, maxPageSize)
	errs, total, err := h.Svc.GetErrorPage(r.Context(), r.PathValue("id"), core.ErrorPageQuery{
		Limit:  limit,
		Offset: offset,
		Type:   r.URL.Query().Get("type"),
	})
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"errors": errs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// Cancel handles POST /api/imports/{id}/cancel: cooperative cancellation,
// observed at the next chunk boundary. Terminal jobs are rejected with 409.
func (h *ImportHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	job, err := h.Svc.RequestCancel(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// Retry handles POST /api/imports/{id}/retry: re-runs a failed or
// cancelled job from the top.
func (h *ImportHandlers) Retry(w http.ResponseWriter, r *http.Request) {
	job, err := h.Svc.RequestRetry(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// RetryFailedRows handles POST /api/imports/{id}/retry-failed-rows: spawns
// a new job over the rows that failed validation or deduplication.
func (h *ImportHandlers) RetryFailedRows(w http.ResponseWriter, r *http.Request) {
	job, err := h.Svc.RequestRetryFailedRows(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, job)
}
