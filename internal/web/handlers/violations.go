package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kozaktomas/ppe-monitor/internal/database"
)

const (
	defaultViolationLimit = 100
	maxViolationLimit     = 1000
)

// ViolationStore is the persistence the violations API reads and reviews.
type ViolationStore interface {
	database.ViolationReader
	database.ViolationReviewer
}

// ViolationsHandler handles violation query and review endpoints.
type ViolationsHandler struct {
	store ViolationStore
}

// NewViolationsHandler creates a new violations handler.
func NewViolationsHandler(store ViolationStore) *ViolationsHandler {
	return &ViolationsHandler{store: store}
}

// ReviewRequest is the body of a review request.
type ReviewRequest struct {
	Notes string `json:"notes"`
}

// List returns violations filtered by worker_id, stream_id, unknown, from, to and limit.
func (h *ViolationsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.ViolationFilter{
		WorkerID:    q.Get("worker_id"),
		StreamID:    q.Get("stream_id"),
		UnknownOnly: q.Get("unknown") == "true",
	}
	if filter.WorkerID != "" && filter.UnknownOnly {
		respondError(w, http.StatusBadRequest, "worker_id and unknown are exclusive")
		return
	}

	var err error
	if filter.From, err = parseTimeParam(r, "from"); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.To, err = parseTimeParam(r, "to"); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Limit, err = parseIntParam(r, "limit", defaultViolationLimit, maxViolationLimit); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.store.QueryViolations(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("Querying violations failed")
		respondError(w, http.StatusInternalServerError, "failed to query violations")
		return
	}
	respondJSON(w, http.StatusOK, events)
}

// Get returns one violation.
func (h *ViolationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := violationID(w, r)
	if !ok {
		return
	}
	event, err := h.store.GetViolation(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		respondError(w, http.StatusNotFound, "violation not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("violation", id.String()).Msg("Loading violation failed")
		respondError(w, http.StatusInternalServerError, "failed to load violation")
		return
	}
	respondJSON(w, http.StatusOK, event)
}

// Review marks a violation as reviewed with optional notes.
func (h *ViolationsHandler) Review(w http.ResponseWriter, r *http.Request) {
	id, ok := violationID(w, r)
	if !ok {
		return
	}

	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	err := h.store.MarkReviewed(r.Context(), id, req.Notes)
	if errors.Is(err, database.ErrNotFound) {
		respondError(w, http.StatusNotFound, "violation not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("violation", id.String()).Msg("Marking violation reviewed failed")
		respondError(w, http.StatusInternalServerError, "failed to review violation")
		return
	}

	event, err := h.store.GetViolation(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load violation")
		return
	}
	log.Info().Str("violation", id.String()).Str("notes", sanitizeForLog(req.Notes)).Msg("Violation reviewed")
	respondJSON(w, http.StatusOK, event)
}

// Evidence serves the evidence image of a violation.
func (h *ViolationsHandler) Evidence(w http.ResponseWriter, r *http.Request) {
	id, ok := violationID(w, r)
	if !ok {
		return
	}
	event, err := h.store.GetViolation(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		respondError(w, http.StatusNotFound, "violation not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load violation")
		return
	}
	if event.EvidencePath == "" {
		respondError(w, http.StatusNotFound, "no evidence recorded")
		return
	}

	f, err := os.Open(event.EvidencePath)
	if err != nil {
		respondError(w, http.StatusNotFound, "evidence image missing")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, f)
}

func violationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid violation ID")
		return uuid.Nil, false
	}
	return id, true
}
