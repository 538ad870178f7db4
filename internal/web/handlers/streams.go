package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/kozaktomas/ppe-monitor/internal/pipeline"
	"github.com/kozaktomas/ppe-monitor/internal/ppe"
)

// StreamsHandler exposes the monitoring streams of this process.
type StreamsHandler struct {
	manager *pipeline.Manager
}

// NewStreamsHandler creates a new streams handler.
func NewStreamsHandler(manager *pipeline.Manager) *StreamsHandler {
	return &StreamsHandler{manager: manager}
}

// StreamResponse represents a stream in API responses.
type StreamResponse struct {
	ID      string           `json:"id"`
	Running bool             `json:"running"`
	Stats   ppe.SessionStats `json:"stats"`
}

// List returns all streams with their current stats.
func (h *StreamsHandler) List(w http.ResponseWriter, r *http.Request) {
	streams := h.manager.List()
	resp := make([]StreamResponse, 0, len(streams))
	for _, s := range streams {
		resp = append(resp, StreamResponse{ID: s.ID(), Running: s.Running(), Stats: s.Stats()})
	}
	respondJSON(w, http.StatusOK, resp)
}

// Stats returns the session stats of one stream.
func (h *StreamsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	s, ok := h.manager.Get(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "stream not found")
		return
	}
	respondJSON(w, http.StatusOK, s.Stats())
}

// Events streams violation events of one stream via SSE.
func (h *StreamsHandler) Events(w http.ResponseWriter, r *http.Request) {
	streamSSEEvents(w, r, h.manager.Get)
}

// Reset discards or closes the tracker state of a stream (?mode=discard|close).
func (h *StreamsHandler) Reset(w http.ResponseWriter, r *http.Request) {
	s, ok := h.manager.Get(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "stream not found")
		return
	}
	if !s.Running() {
		respondError(w, http.StatusConflict, "stream is not running")
		return
	}

	mode := pipeline.ReconnectMode(r.URL.Query().Get("mode"))
	switch mode {
	case pipeline.ReconnectDiscard, pipeline.ReconnectClose:
	case "":
		mode = pipeline.ReconnectClose
	default:
		respondError(w, http.StatusBadRequest, "mode must be discard or close")
		return
	}

	s.ResetState(mode)
	log.Info().Str("stream", s.ID()).Str("mode", string(mode)).Msg("Stream state reset requested")
	respondJSON(w, http.StatusAccepted, map[string]string{"stream": s.ID(), "mode": string(mode)})
}
