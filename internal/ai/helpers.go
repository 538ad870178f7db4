package ai

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kozaktomas/ppe-monitor/internal/report"
)

//go:embed prompts/briefing.txt
var briefingPrompt string

const maxRetries = 3

// buildBriefingContent renders the report facts the model may use.
// This is shared across all AI providers.
func buildBriefingContent(rep report.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Period: %s to %s\n", formatBound(rep.From, "beginning of records"), formatBound(rep.To, "now"))
	fmt.Fprintf(&b, "Total violations: %d\n", rep.Total)
	fmt.Fprintf(&b, "Distinct identified workers: %d\n", rep.UniqueWorkers)
	fmt.Fprintf(&b, "Missing helmet: %d (%.1f%%)\n", rep.Helmet, rep.HelmetPct)
	fmt.Fprintf(&b, "Missing vest: %d (%.1f%%)\n", rep.Vest, rep.VestPct)
	fmt.Fprintf(&b, "Unknown subjects: %d, awaiting review: %d\n", rep.Unknown, rep.NeedsReview)
	fmt.Fprintf(&b, "Still open: %d\n", rep.Open)
	if rep.AvgDuration > 0 {
		fmt.Fprintf(&b, "Average violation duration: %s\n", rep.AvgDuration.Round(time.Second))
	}

	if len(rep.Workers) > 0 {
		b.WriteString("\nWorkers with most violations:\n")
		for i, w := range rep.Workers {
			who := w.WorkerID
			if w.Name != "" {
				who = fmt.Sprintf("%s (%s)", w.Name, w.WorkerID)
			}
			fmt.Fprintf(&b, "%d. %s: %d total, %d helmet, %d vest, %s in violation, last %s\n",
				i+1, who, w.Total, w.Helmet, w.Vest,
				w.TotalDuration.Round(time.Second), w.LastViolation.Format("2006-01-02 15:04"))
		}
	}
	return b.String()
}

func formatBound(t time.Time, open string) string {
	if t.IsZero() {
		return open
	}
	return t.Format("2006-01-02 15:04")
}

// parseBriefing decodes a model response. Models sometimes wrap JSON in a
// markdown fence, which is stripped.
func parseBriefing(content string) (*Briefing, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var brief Briefing
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &brief); err != nil {
		return nil, err
	}
	if strings.TrimSpace(brief.Summary) == "" {
		return nil, errors.New("summary is empty")
	}
	return &brief, nil
}

// retryFeedback is sent back to the model after an unusable response.
func retryFeedback(err error) string {
	return fmt.Sprintf("JSON parse error: %v. Please fix the JSON and try again. Remember to escape quotes inside strings with backslash.", err)
}

// WriteText renders the briefing for a terminal.
func (b *Briefing) WriteText(w io.Writer) error {
	var sb strings.Builder
	sb.WriteString("SAFETY BRIEFING\n")
	sb.WriteString(strings.Repeat("=", 50) + "\n")
	sb.WriteString(b.Summary + "\n")
	if len(b.Highlights) > 0 {
		sb.WriteString("\nHighlights:\n")
		for _, h := range b.Highlights {
			sb.WriteString("  - " + h + "\n")
		}
	}
	if len(b.Recommendations) > 0 {
		sb.WriteString("\nRecommendations:\n")
		for _, r := range b.Recommendations {
			sb.WriteString("  - " + r + "\n")
		}
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
