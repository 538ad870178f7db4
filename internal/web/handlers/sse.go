package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/ppe-monitor/internal/pipeline"
)

// setupSSEConnection finds the stream named in the URL and sets up SSE headers.
// On failure it writes an error response and returns false.
func setupSSEConnection(w http.ResponseWriter, r *http.Request, lookup func(string) (*pipeline.Stream, bool)) (*pipeline.Stream, http.Flusher, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "missing stream ID")
		return nil, nil, false
	}

	stream, ok := lookup(id)
	if !ok {
		respondError(w, http.StatusNotFound, "stream not found")
		return nil, nil, false
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return nil, nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	return stream, flusher, true
}

// streamSSEEvents sends the current session stats, then relays stream events
// until the stream stops or the client disconnects.
func streamSSEEvents(w http.ResponseWriter, r *http.Request, lookup func(string) (*pipeline.Stream, bool)) {
	stream, flusher, ok := setupSSEConnection(w, r, lookup)
	if !ok {
		return
	}

	eventCh := stream.AddListener()
	defer stream.RemoveListener(eventCh)

	sendSSEEvent(w, flusher, "status", stream.Stats())
	if !stream.Running() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-stream.Done():
			// drain what was sent before the stream stopped
			for {
				select {
				case event := <-eventCh:
					sendSSEEvent(w, flusher, event.Type, event)
				default:
					return
				}
			}
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			sendSSEEvent(w, flusher, event.Type, event)
			if event.Type == pipeline.EventStopped {
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	jsonData, _ := json.Marshal(data)
	_, _ = io.WriteString(w, "event: "+eventType+"\n")
	_, _ = io.WriteString(w, "data: ")
	_, _ = io.Copy(w, bytes.NewReader(jsonData))
	_, _ = io.WriteString(w, "\n\n")
	flusher.Flush()
}
