package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kozaktomas/ppe-monitor/internal/ai"
	"github.com/kozaktomas/ppe-monitor/internal/database"
	"github.com/kozaktomas/ppe-monitor/internal/report"
)

const (
	defaultReportDays = 7
	defaultReportTop  = 10
)

// WorkerLister lists registered workers for report names.
type WorkerLister interface {
	ListWorkers(ctx context.Context) ([]database.Worker, error)
}

// ReportHandler builds compliance reports over persisted violations.
type ReportHandler struct {
	violations database.ViolationReader
	workers    WorkerLister
	narrator   ai.Narrator
	now        func() time.Time
}

// NewReportHandler creates a new report handler. workers may be nil.
func NewReportHandler(violations database.ViolationReader, workers WorkerLister) *ReportHandler {
	return &ReportHandler{violations: violations, workers: workers, now: time.Now}
}

// WithNarrator enables the briefing endpoint.
func (h *ReportHandler) WithNarrator(n ai.Narrator) *ReportHandler {
	h.narrator = n
	return h
}

// Get returns the report for [from, to). The range defaults to the last seven days.
func (h *ReportHandler) Get(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.build(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

// Briefing returns the report together with an LLM-written briefing.
func (h *ReportHandler) Briefing(w http.ResponseWriter, r *http.Request) {
	if h.narrator == nil {
		respondError(w, http.StatusServiceUnavailable, "briefings are not configured")
		return
	}
	rep, ok := h.build(w, r)
	if !ok {
		return
	}

	brief, err := h.narrator.Brief(r.Context(), rep)
	if err != nil {
		log.Error().Err(err).Str("model", h.narrator.Name()).Msg("Briefing failed")
		respondError(w, http.StatusBadGateway, "failed to generate briefing")
		return
	}
	log.Info().
		Str("model", h.narrator.Name()).
		Float64("total_cost_usd", h.narrator.GetUsage().TotalCost).
		Msg("Briefing generated")

	respondJSON(w, http.StatusOK, map[string]any{
		"report":   rep,
		"briefing": brief,
	})
}

// build parses the range parameters and builds the report. On failure the
// error response is already written.
func (h *ReportHandler) build(w http.ResponseWriter, r *http.Request) (report.Report, bool) {
	from, err := parseTimeParam(r, "from")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return report.Report{}, false
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return report.Report{}, false
	}
	top, err := parseIntParam(r, "top", defaultReportTop, 1000)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return report.Report{}, false
	}

	if to.IsZero() {
		to = h.now().UTC()
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -defaultReportDays)
	}
	if !from.Before(to) {
		respondError(w, http.StatusBadRequest, "from must be before to")
		return report.Report{}, false
	}

	events, err := h.violations.QueryViolations(r.Context(), database.ViolationFilter{From: from, To: to})
	if err != nil {
		log.Error().Err(err).Msg("Querying violations for report failed")
		respondError(w, http.StatusInternalServerError, "failed to query violations")
		return report.Report{}, false
	}

	names := make(map[string]string)
	if h.workers != nil {
		workers, err := h.workers.ListWorkers(r.Context())
		if err != nil {
			log.Warn().Err(err).Msg("Listing workers for report failed")
		}
		for _, wk := range workers {
			names[wk.ID] = wk.Name
		}
	}

	return report.Build(events, report.Options{From: from, To: to, TopN: top, Names: names}), true
}
