package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/reelworks/orchestrator/internal/api/middleware"
	"github.com/reelworks/orchestrator/internal/api/pagination"
	"github.com/reelworks/orchestrator/internal/api/problem"
	"github.com/reelworks/orchestrator/internal/domain/ids"
	"github.com/reelworks/orchestrator/internal/domain/jobs"
	"github.com/reelworks/orchestrator/internal/metrics"
)

var validate = validator.New()

// JobsHandler serves the bulk job resource.
type JobsHandler struct {
	Service *jobs.Service
	Env     string
}

func NewJobsHandler(service *jobs.Service, env string) *JobsHandler {
	return &JobsHandler{Service: service, Env: env}
}

type createJobRequest struct {
	IdempotencyKey       string          `json:"idempotency_key"`
	CallbackURL          string          `json:"callback_url" validate:"omitempty,url"`
	ProcessingDeadlineMS int64           `json:"processing_deadline_ms" validate:"gte=0"`
	Source               *jobs.SourceRef `json:"source"`
	Rows                 []jobs.ItemSeed `json:"rows"`
}

// jobResponse is the job resource plus derived progress fields.
type jobResponse struct {
	*jobs.BulkJob
	PercentComplete float64 `json:"percent_complete"`
}

func toJobResponse(job *jobs.BulkJob) jobResponse {
	return jobResponse{BulkJob: job, PercentComplete: job.PercentComplete()}
}

func (h *JobsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid request", err, h.Env)
		return
	}
	if err := validate.Struct(req); err != nil {
		problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid request", err, h.Env)
		return
	}

	// The header wins over the body field when both are set.
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		req.IdempotencyKey = key
	}

	tenant := middleware.TenantID(r.Context())
	job, created, err := h.Service.CreateJob(r.Context(), jobs.CreateJobInput{
		TenantID:             tenant,
		IdempotencyKey:       req.IdempotencyKey,
		CallbackURL:          req.CallbackURL,
		ProcessingDeadlineMS: req.ProcessingDeadlineMS,
		Source:               req.Source,
		Rows:                 req.Rows,
	})
	if err != nil {
		var validationErr jobs.ValidationError
		switch {
		case errors.Is(err, jobs.ErrIdempotencyConflict):
			metrics.IdempotencyConflictsTotal.Inc()
			problem.Write(w, r, http.StatusConflict, problem.TypeIdempotency, "Idempotency conflict", err, h.Env,
				problem.WithDetail("idempotency key was already used with a different payload"))
		case errors.As(err, &validationErr):
			problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid request", err, h.Env,
				problem.WithErrors(map[string]interface{}{validationErr.Field: validationErr.Message}))
		default:
			problem.Write(w, r, http.StatusInternalServerError, problem.TypeServerError, "Server error", err, h.Env)
		}
		return
	}

	status := http.StatusCreated
	if !created {
		metrics.IdempotencyReplaysTotal.Inc()
		status = http.StatusOK
	}
	metrics.JobsCreatedTotal.WithLabelValues(tenant, strconv.FormatBool(!created)).Inc()

	writeJSON(w, status, toJobResponse(job))
}

func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	job, err := h.Service.GetJob(r.Context(), middleware.TenantID(r.Context()), jobID)
	if err != nil {
		h.writeJobError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toJobResponse(job))
}

type jobListResponse struct {
	Jobs       []jobResponse `json:"jobs"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	p := jobs.Pagination{}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid request", err, h.Env,
				problem.WithErrors(map[string]interface{}{"limit": "must be a positive integer"}))
			return
		}
		p.Limit = n
	}
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		cursor, err := pagination.DecodeJobCursor(raw)
		if err != nil {
			problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid request", err, h.Env,
				problem.WithErrors(map[string]interface{}{"cursor": "malformed"}))
			return
		}
		p.AfterCreated = cursor.CreatedAt
		p.AfterID = cursor.ULID
	}

	page, err := h.Service.ListJobs(r.Context(), middleware.TenantID(r.Context()), p)
	if err != nil {
		problem.Write(w, r, http.StatusInternalServerError, problem.TypeServerError, "Server error", err, h.Env)
		return
	}

	resp := jobListResponse{Jobs: make([]jobResponse, 0, len(page.Jobs))}
	for _, job := range page.Jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(job))
	}
	if page.HasMore && len(page.Jobs) > 0 {
		last := page.Jobs[len(page.Jobs)-1]
		resp.NextCursor = pagination.EncodeJobCursor(last.CreatedAt, last.ID)
	}

	writeJSON(w, http.StatusOK, resp)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	var req cancelRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid request", err, h.Env)
			return
		}
	}

	job, err := h.Service.CancelJob(r.Context(), middleware.TenantID(r.Context()), jobID, req.Reason)
	if err != nil {
		h.writeJobError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

func (h *JobsHandler) Pause(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	job, err := h.Service.PauseJob(r.Context(), middleware.TenantID(r.Context()), jobID)
	if err != nil {
		h.writeJobError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

func (h *JobsHandler) Resume(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	job, err := h.Service.ResumeJob(r.Context(), middleware.TenantID(r.Context()), jobID)
	if err != nil {
		h.writeJobError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

type itemListResponse struct {
	Items      []*jobs.Item `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

func (h *JobsHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	q := jobs.ItemQuery{JobID: jobID}
	if state := r.URL.Query().Get("state"); state != "" {
		q.State = jobs.ItemState(state)
		if !validItemState(q.State) {
			problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid request", nil, h.Env,
				problem.WithErrors(map[string]interface{}{"state": "unknown item state"}))
			return
		}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid request", err, h.Env,
				problem.WithErrors(map[string]interface{}{"limit": "must be a positive integer"}))
			return
		}
		q.Limit = n
	}
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		cursor, err := pagination.DecodeItemCursor(raw)
		if err != nil {
			problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid request", err, h.Env,
				problem.WithErrors(map[string]interface{}{"cursor": "malformed"}))
			return
		}
		q.AfterRow = cursor.RowIndex
		q.AfterID = cursor.ULID
	}

	page, err := h.Service.ListItems(r.Context(), middleware.TenantID(r.Context()), q)
	if err != nil {
		h.writeJobError(w, r, err)
		return
	}

	resp := itemListResponse{Items: page.Items}
	if resp.Items == nil {
		resp.Items = []*jobs.Item{}
	}
	if page.HasMore && len(page.Items) > 0 {
		last := page.Items[len(page.Items)-1]
		resp.NextCursor = pagination.EncodeItemCursor(last.RowIndex, last.ID)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *JobsHandler) jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if err := ids.ValidateULID(jobID); err != nil {
		problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid request", err, h.Env,
			problem.WithErrors(map[string]interface{}{"id": "invalid ULID"}))
		return "", false
	}
	return ids.Normalize(jobID), true
}

func (h *JobsHandler) writeJobError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict jobs.StateConflictError
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		problem.Write(w, r, http.StatusNotFound, problem.TypeNotFound, "Not found", err, h.Env)
	case errors.As(err, &conflict):
		problem.Write(w, r, http.StatusConflict, problem.TypeStateConflict, "State conflict", err, h.Env,
			problem.WithDetail("transition from "+conflict.From+" to "+conflict.To+" is not allowed"))
	case errors.Is(err, jobs.ErrVersionConflict):
		problem.Write(w, r, http.StatusConflict, problem.TypeStateConflict, "Concurrent update", err, h.Env)
	default:
		problem.Write(w, r, http.StatusInternalServerError, problem.TypeServerError, "Server error", err, h.Env)
	}
}

func validItemState(s jobs.ItemState) bool {
	switch s {
	case jobs.ItemStatePending, jobs.ItemStateProcessing, jobs.ItemStateCompleted,
		jobs.ItemStateFailed, jobs.ItemStateSkipped, jobs.ItemStateCanceled:
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
