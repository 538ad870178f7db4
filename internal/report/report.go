// Package report summarizes persisted violation events.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/kozaktomas/ppe-monitor/internal/ppe"
)

// UnknownWorker groups events without an attributed worker.
const UnknownWorker = "unknown"

// WorkerSummary is the per-worker breakdown.
type WorkerSummary struct {
	WorkerID      string        `json:"worker_id"`
	Name          string        `json:"name,omitempty"`
	Total         int           `json:"total"`
	Helmet        int           `json:"helmet"`
	Vest          int           `json:"vest"`
	LastViolation time.Time     `json:"last_violation"`
	TotalDuration time.Duration `json:"total_duration_ns"`
}

// Report is an aggregate over violation events opened in [From, To).
type Report struct {
	From          time.Time       `json:"from,omitzero"`
	To            time.Time       `json:"to,omitzero"`
	Total         int             `json:"total"`
	UniqueWorkers int             `json:"unique_workers"`
	Helmet        int             `json:"helmet"`
	Vest          int             `json:"vest"`
	HelmetPct     float64         `json:"helmet_pct"`
	VestPct       float64         `json:"vest_pct"`
	Unknown       int             `json:"unknown"`
	NeedsReview   int             `json:"needs_review"`
	Open          int             `json:"open"`
	AvgDuration   time.Duration   `json:"avg_duration_ns"`
	Workers       []WorkerSummary `json:"workers"`
}

// Options configures Build.
type Options struct {
	From  time.Time // inclusive, zero for unbounded
	To    time.Time // exclusive, zero for unbounded
	TopN  int       // keep only the N workers with most violations (0 keeps all)
	Names map[string]string
}

// Build aggregates events. An event with both items missing counts toward
// both item totals, so Helmet+Vest can exceed Total.
func Build(events []ppe.Event, opts Options) Report {
	r := Report{From: opts.From, To: opts.To, Workers: []WorkerSummary{}}

	byWorker := make(map[string]*WorkerSummary)
	var closed int
	var closedDuration time.Duration

	for _, e := range events {
		if !opts.From.IsZero() && e.OpenedAt.Before(opts.From) {
			continue
		}
		if !opts.To.IsZero() && !e.OpenedAt.Before(opts.To) {
			continue
		}

		r.Total++
		helmet := e.Missing.Has(ppe.ItemHelmet)
		vest := e.Missing.Has(ppe.ItemVest)
		if helmet {
			r.Helmet++
		}
		if vest {
			r.Vest++
		}
		if e.NeedsReview && !e.Reviewed {
			r.NeedsReview++
		}
		if e.IsOpen() {
			r.Open++
		} else {
			closed++
			closedDuration += e.Duration()
		}

		key := e.WorkerID
		if key == "" {
			key = UnknownWorker
			r.Unknown++
		}
		ws, ok := byWorker[key]
		if !ok {
			ws = &WorkerSummary{WorkerID: key, Name: opts.Names[key]}
			byWorker[key] = ws
		}
		ws.Total++
		if helmet {
			ws.Helmet++
		}
		if vest {
			ws.Vest++
		}
		if e.OpenedAt.After(ws.LastViolation) {
			ws.LastViolation = e.OpenedAt
		}
		ws.TotalDuration += e.Duration()
	}

	for key, ws := range byWorker {
		if key != UnknownWorker {
			r.UniqueWorkers++
		}
		r.Workers = append(r.Workers, *ws)
	}
	sort.Slice(r.Workers, func(i, j int) bool {
		a, b := r.Workers[i], r.Workers[j]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		return a.WorkerID < b.WorkerID
	})
	if opts.TopN > 0 && len(r.Workers) > opts.TopN {
		r.Workers = r.Workers[:opts.TopN]
	}

	if r.Total > 0 {
		r.HelmetPct = float64(r.Helmet) / float64(r.Total) * 100
		r.VestPct = float64(r.Vest) / float64(r.Total) * 100
	}
	if closed > 0 {
		r.AvgDuration = closedDuration / time.Duration(closed)
	}
	return r
}

// WriteText renders the report for a terminal.
func (r Report) WriteText(w io.Writer) error {
	if r.Total == 0 {
		_, err := fmt.Fprintln(w, "No violations found in this period.")
		return err
	}

	var b strings.Builder
	b.WriteString("PPE VIOLATION REPORT\n")
	b.WriteString(strings.Repeat("=", 50) + "\n")
	fmt.Fprintf(&b, "Period: %s to %s\n\n", periodBound(r.From, "beginning"), periodBound(r.To, "now"))

	b.WriteString("SUMMARY:\n")
	fmt.Fprintf(&b, "  Total violations:   %d\n", r.Total)
	fmt.Fprintf(&b, "  Unique workers:     %d\n", r.UniqueWorkers)
	fmt.Fprintf(&b, "  Helmet violations:  %d (%.1f%%)\n", r.Helmet, r.HelmetPct)
	fmt.Fprintf(&b, "  Vest violations:    %d (%.1f%%)\n", r.Vest, r.VestPct)
	fmt.Fprintf(&b, "  Unknown subjects:   %d (%d awaiting review)\n", r.Unknown, r.NeedsReview)
	fmt.Fprintf(&b, "  Still open:         %d\n", r.Open)
	if r.AvgDuration > 0 {
		fmt.Fprintf(&b, "  Average duration:   %s\n", r.AvgDuration.Round(time.Second))
	}

	if len(r.Workers) > 0 {
		b.WriteString("\nWORKER BREAKDOWN:\n")
		for i, ws := range r.Workers {
			label := ws.WorkerID
			if ws.Name != "" {
				label = fmt.Sprintf("%s (%s)", ws.Name, ws.WorkerID)
			}
			fmt.Fprintf(&b, "%2d. %s\n", i+1, label)
			fmt.Fprintf(&b, "    total: %d, helmet: %d, vest: %d\n", ws.Total, ws.Helmet, ws.Vest)
			fmt.Fprintf(&b, "    last violation: %s\n", ws.LastViolation.Format("2006-01-02 15:04:05"))
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func periodBound(t time.Time, open string) string {
	if t.IsZero() {
		return open
	}
	return t.Format("2006-01-02 15:04")
}
