package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/ppe-monitor/internal/ai"
	"github.com/kozaktomas/ppe-monitor/internal/config"
	"github.com/kozaktomas/ppe-monitor/internal/database"
	"github.com/kozaktomas/ppe-monitor/internal/evidence"
	"github.com/kozaktomas/ppe-monitor/internal/latex"
	"github.com/kozaktomas/ppe-monitor/internal/report"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize recorded violations",
	Long: `Print a violation summary with a per-worker breakdown for a period.
Without --from the report covers the last --days days.

With --purge-days, closed violations older than that many days are deleted
together with their evidence images before the report is built.

With --briefing, the configured AI provider (AI_PROVIDER) writes a short
safety briefing from the report. With --pdf, the report (and briefing) is
also written as a PDF document, which requires lualatex.

Examples:
  ppe-monitor report --days 1
  ppe-monitor report --from 2025-03-01 --to 2025-04-01 --top 5
  ppe-monitor report --worker W001 --json
  ppe-monitor report --purge-days 90
  AI_PROVIDER=openai ppe-monitor report --days 30 --briefing --pdf march.pdf`,
	Args: cobra.NoArgs,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().String("from", "", "Start of the period (YYYY-MM-DD or RFC3339)")
	reportCmd.Flags().String("to", "", "End of the period, exclusive (YYYY-MM-DD or RFC3339)")
	reportCmd.Flags().Int("days", 7, "Length of the period ending now when --from is not set")
	reportCmd.Flags().Int("top", 10, "Number of workers in the breakdown (0 for all)")
	reportCmd.Flags().String("worker", "", "Only include violations of this worker")
	reportCmd.Flags().String("stream", "", "Only include violations from this stream")
	reportCmd.Flags().Int("purge-days", 0, "Delete closed violations older than this many days first")
	reportCmd.Flags().Int("sessions", 0, "Also list this many recent session summaries")
	reportCmd.Flags().Bool("briefing", false, "Append an AI-written safety briefing")
	reportCmd.Flags().String("pdf", "", "Also write the report as PDF to this path")
	reportCmd.Flags().Bool("json", false, "Output as JSON")
}

func parseDateFlag(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, value, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD or RFC3339", value)
	}
	return t, nil
}

func runReport(cmd *cobra.Command, args []string) error {
	from, err := parseDateFlag(mustGetString(cmd, "from"))
	if err != nil {
		return err
	}
	to, err := parseDateFlag(mustGetString(cmd, "to"))
	if err != nil {
		return err
	}
	if from.IsZero() {
		if days := mustGetInt(cmd, "days"); days > 0 {
			from = time.Now().AddDate(0, 0, -days)
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if days := mustGetInt(cmd, "purge-days"); days > 0 {
		if err := purgeViolations(ctx, store, evidence.NewStore(cfg.Evidence.Dir, cfg.Evidence.JPEGQuality), days); err != nil {
			return err
		}
	}

	events, err := store.QueryViolations(ctx, database.ViolationFilter{
		WorkerID: mustGetString(cmd, "worker"),
		StreamID: mustGetString(cmd, "stream"),
		From:     from,
		To:       to,
	})
	if err != nil {
		return fmt.Errorf("querying violations: %w", err)
	}

	workers, err := store.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("listing workers: %w", err)
	}
	names := make(map[string]string, len(workers))
	for _, w := range workers {
		names[w.ID] = w.Name
	}

	rep := report.Build(events, report.Options{From: from, To: to, TopN: mustGetInt(cmd, "top"), Names: names})

	var brief *ai.Briefing
	if mustGetBool(cmd, "briefing") {
		if brief, err = writeBriefing(ctx, cfg, rep); err != nil {
			return err
		}
	}

	if path := mustGetString(cmd, "pdf"); path != "" {
		if err := writePDF(ctx, path, rep, brief); err != nil {
			return err
		}
	}

	if mustGetBool(cmd, "json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if brief != nil {
			return enc.Encode(map[string]any{"report": rep, "briefing": brief})
		}
		return enc.Encode(rep)
	}
	if err := rep.WriteText(os.Stdout); err != nil {
		return err
	}
	if brief != nil {
		fmt.Println()
		if err := brief.WriteText(os.Stdout); err != nil {
			return err
		}
	}

	if n := mustGetInt(cmd, "sessions"); n > 0 {
		sessions, err := store.ListSessions(ctx, n)
		if err != nil {
			return fmt.Errorf("listing sessions: %w", err)
		}
		fmt.Println("\nRECENT SESSIONS:")
		for _, s := range sessions {
			fmt.Println()
			printSummary(s)
		}
	}
	return nil
}

func writeBriefing(ctx context.Context, cfg *config.Config, rep report.Report) (*ai.Briefing, error) {
	narrator, err := ai.New(ctx, &cfg.AI)
	if err != nil {
		return nil, fmt.Errorf("briefing: %w", err)
	}
	fmt.Printf("Asking %s for a briefing...\n", narrator.Name())
	brief, err := narrator.Brief(ctx, rep)
	if err != nil {
		return nil, fmt.Errorf("briefing: %w", err)
	}
	usage := narrator.GetUsage()
	fmt.Printf("Briefing used %d input / %d output tokens ($%.4f)\n", usage.InputTokens, usage.OutputTokens, usage.TotalCost)
	return brief, nil
}

func writePDF(ctx context.Context, path string, rep report.Report, brief *ai.Briefing) error {
	pdf, err := latex.GeneratePDF(ctx, rep, latex.Options{Briefing: brief})
	if err != nil {
		return fmt.Errorf("generating PDF: %w", err)
	}
	if err := os.WriteFile(path, pdf, 0600); err != nil {
		return fmt.Errorf("writing PDF: %w", err)
	}
	fmt.Printf("PDF written to %s (%d bytes)\n", path, len(pdf))
	return nil
}

// purgeViolations deletes closed violations opened more than days ago and
// their evidence images.
func purgeViolations(ctx context.Context, store database.ViolationReviewer, ev *evidence.Store, days int) error {
	cutoff := time.Now().AddDate(0, 0, -days)
	purged, err := store.PurgeBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purging violations: %w", err)
	}

	var failed int
	for _, e := range purged {
		if err := ev.Remove(e.EvidencePath); err != nil {
			failed++
			fmt.Printf("Warning: %v\n", err)
		}
	}
	fmt.Printf("Purged %d violations opened before %s", len(purged), cutoff.Format(time.DateOnly))
	if failed > 0 {
		fmt.Printf(" (%d evidence images could not be removed)", failed)
	}
	fmt.Println()
	return nil
}
