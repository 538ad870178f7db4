package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/kozaktomas/ppe-monitor/internal/identity"
)

// WorkersHandler handles worker gallery endpoints.
type WorkersHandler struct {
	matcher       *identity.Matcher
	maxUploadSize int64
}

// NewWorkersHandler creates a new workers handler.
func NewWorkersHandler(matcher *identity.Matcher, maxUploadSize int64) *WorkersHandler {
	return &WorkersHandler{matcher: matcher, maxUploadSize: maxUploadSize}
}

// WorkerResponse represents a registered worker in API responses.
type WorkerResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Embeddings int    `json:"embeddings"`
}

// WorkersResponse is the gallery listing.
type WorkersResponse struct {
	Version   uint64           `json:"gallery_version"`
	Threshold float64          `json:"similarity_threshold"`
	Workers   []WorkerResponse `json:"workers"`
}

// List returns the registered workers from the current gallery snapshot.
func (h *WorkersHandler) List(w http.ResponseWriter, r *http.Request) {
	snap := h.matcher.Gallery().Snapshot()
	resp := WorkersResponse{
		Version:   snap.Version(),
		Threshold: h.matcher.Threshold(),
		Workers:   make([]WorkerResponse, 0, snap.Len()),
	}
	for _, wk := range snap.Workers() {
		resp.Workers = append(resp.Workers, WorkerResponse{ID: wk.ID, Name: wk.Name, Embeddings: len(wk.Embeddings)})
	}
	respondJSON(w, http.StatusOK, resp)
}

// readUploadedPhotos reads multipart files into memory.
func readUploadedPhotos(files []*multipart.FileHeader) ([][]byte, error) {
	photos := make([][]byte, 0, len(files))
	for _, fileHeader := range files {
		if err := func() error {
			file, err := fileHeader.Open()
			if err != nil {
				return fmt.Errorf("failed to open file: %s", sanitizeForLog(fileHeader.Filename))
			}
			defer file.Close()

			data, err := io.ReadAll(file)
			if err != nil {
				return fmt.Errorf("failed to read file: %s", sanitizeForLog(fileHeader.Filename))
			}
			photos = append(photos, data)
			return nil
		}(); err != nil {
			return nil, err
		}
	}
	return photos, nil
}

// Register enrolls a worker from uploaded photos (multipart fields worker_id,
// name and one or more "photos" files). Photos without exactly one face are
// skipped and reported in the response.
func (h *WorkersHandler) Register(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}

	workerID := r.FormValue("worker_id")
	if workerID == "" {
		respondError(w, http.StatusBadRequest, "worker_id is required")
		return
	}

	files := r.MultipartForm.File["photos"]
	if len(files) == 0 {
		respondError(w, http.StatusBadRequest, "no photos provided")
		return
	}

	photos, err := readUploadedPhotos(files)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.matcher.Register(r.Context(), workerID, r.FormValue("name"), photos)
	switch {
	case errors.Is(err, identity.ErrNoFaceDetected):
		respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "no usable face in any photo",
			"result": result,
		})
		return
	case err != nil:
		log.Error().Err(err).Str("worker", sanitizeForLog(workerID)).Msg("Worker registration failed")
		respondError(w, http.StatusInternalServerError, "failed to register worker")
		return
	}

	respondJSON(w, http.StatusCreated, result)
}

// Delete removes a worker from the gallery and the store.
func (h *WorkersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.matcher.Remove(r.Context(), id)
	if errors.Is(err, identity.ErrUnknownWorker) {
		respondError(w, http.StatusNotFound, "worker not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("worker", sanitizeForLog(id)).Msg("Removing worker failed")
		respondError(w, http.StatusInternalServerError, "failed to remove worker")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ThresholdRequest changes the similarity threshold.
type ThresholdRequest struct {
	Threshold float64 `json:"threshold"`
}

// SetThreshold updates the similarity threshold; the applied value is clamped.
func (h *WorkersHandler) SetThreshold(w http.ResponseWriter, r *http.Request) {
	var req ThresholdRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	applied := h.matcher.SetThreshold(req.Threshold)
	log.Info().Float64("threshold", applied).Msg("Similarity threshold changed")
	respondJSON(w, http.StatusOK, map[string]float64{"similarity_threshold": applied})
}
