package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/pushq/internal/errors"
	"github.com/3leaps/pushq/pkg/destination"
	"github.com/3leaps/pushq/pkg/jobqueue"
)

const maxRequestBody = 1 << 20

// JobsHandler exposes the caller-facing queue operations.
type JobsHandler struct {
	queue    *jobqueue.Queue
	registry *destination.Registry
	profiles *destination.ProfileStore
}

// NewJobsHandler creates a JobsHandler. registry masks secret settings in
// responses; profiles enables the "profile" field on create. Both may be nil.
func NewJobsHandler(queue *jobqueue.Queue, registry *destination.Registry, profiles *destination.ProfileStore) *JobsHandler {
	return &JobsHandler{queue: queue, registry: registry, profiles: profiles}
}

func (h *JobsHandler) summary(rec *jobqueue.JobRecord) jobqueue.Summary {
	s := rec.Summary()
	if h.registry != nil {
		s.Settings = h.registry.Redact(rec.Destination, s.Settings)
	}
	return s
}

// Routes mounts the job endpoints on r.
func (h *JobsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Delete("/", h.Delete)
		r.Get("/log", h.Log)
		r.Post("/ready", h.Ready)
		r.Post("/cancel", h.Cancel)
		r.Post("/reset", h.Reset)
	})
}

// CreateJobRequest is the body of POST /jobs.
type CreateJobRequest struct {
	Destination  string         `json:"destination"`
	ArtifactName string         `json:"artifact_name"`
	Profile      string         `json:"profile,omitempty"`
	Settings     map[string]any `json:"settings,omitempty"`
}

// ReadyRequest is the body of POST /jobs/{id}/ready.
type ReadyRequest struct {
	ArtifactPath string `json:"artifact_path"`
}

// ResetRequest is the optional body of POST /jobs/{id}/reset.
type ResetRequest struct {
	ArtifactName *string       `json:"artifact_name,omitempty"`
	Settings     map[string]any `json:"settings,omitempty"`
}

// JobList is the body of GET /jobs.
type JobList struct {
	Jobs []jobqueue.Summary `json:"jobs"`
}

// List serves GET /jobs. Query parameters: status (repeatable or comma
// separated), destination and artifact (globs).
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := jobqueue.Filter{
		Destination:  q.Get("destination"),
		ArtifactName: q.Get("artifact"),
	}
	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			s, err := jobqueue.ParseStatus(part)
			if err != nil {
				respondWithError(w, r, apperrors.NewValidationError("invalid status filter", err))
				return
			}
			filter.Statuses = append(filter.Statuses, s)
		}
	}

	jobs, err := h.queue.ListFiltered(r.Context(), filter)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	out := JobList{Jobs: make([]jobqueue.Summary, 0, len(jobs))}
	for i := range jobs {
		out.Jobs = append(out.Jobs, h.summary(&jobs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// Create serves POST /jobs.
func (h *JobsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		respondWithError(w, r, err)
		return
	}

	settings := req.Settings
	if req.Profile != "" {
		if h.profiles == nil {
			respondWithError(w, r, apperrors.NewValidationError("profiles are not configured", nil))
			return
		}
		merged, err := h.profiles.Merge(req.Destination, req.Profile, req.Settings)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		settings = merged
	}

	rec, err := h.queue.Create(r.Context(), jobqueue.CreateRequest{
		Destination:  req.Destination,
		ArtifactName: req.ArtifactName,
		Settings:     settings,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	w.Header().Set("Location", "/jobs/"+rec.ID)
	writeJSON(w, http.StatusCreated, h.summary(rec))
}

// Get serves GET /jobs/{id}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.summary(rec))
}

// Log serves GET /jobs/{id}/log as plain text.
func (h *JobsHandler) Log(w http.ResponseWriter, r *http.Request) {
	rec, err := h.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, rec.Log)
}

// Ready serves POST /jobs/{id}/ready.
func (h *JobsHandler) Ready(w http.ResponseWriter, r *http.Request) {
	var req ReadyRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		respondWithError(w, r, err)
		return
	}
	rec, err := h.queue.MarkReady(r.Context(), chi.URLParam(r, "id"), req.ArtifactPath)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.summary(rec))
}

// Cancel serves POST /jobs/{id}/cancel.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	rec, err := h.queue.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.summary(rec))
}

// Reset serves POST /jobs/{id}/reset. The body is optional.
func (h *JobsHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		respondWithError(w, r, err)
		return
	}
	rec, err := h.queue.Reset(r.Context(), chi.URLParam(r, "id"), jobqueue.ResetOptions{
		ArtifactName: req.ArtifactName,
		Settings:     req.Settings,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.summary(rec))
}

// Delete serves DELETE /jobs/{id}.
func (h *JobsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && err == io.EOF {
			return nil
		}
		return apperrors.NewValidationError("invalid request body", err)
	}
	if dec.More() {
		return apperrors.NewValidationError("invalid request body", fmt.Errorf("unexpected trailing data"))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
