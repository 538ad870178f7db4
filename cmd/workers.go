package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Manage the worker face gallery",
}

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workers",
	Args:  cobra.NoArgs,
	RunE:  runWorkersList,
}

var workersRemoveCmd = &cobra.Command{
	Use:   "remove <worker-id-or-name>",
	Short: "Remove a worker and their embeddings",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkersRemove,
}

var workersVerifyCmd = &cobra.Command{
	Use:   "verify <worker-id-or-name> <photo>",
	Short: "Check whether a face photo matches a registered worker",
	Args:  cobra.ExactArgs(2),
	RunE:  runWorkersVerify,
}

func init() {
	rootCmd.AddCommand(workersCmd)
	workersCmd.AddCommand(workersListCmd)
	workersCmd.AddCommand(workersRemoveCmd)
	workersCmd.AddCommand(workersVerifyCmd)

	workersListCmd.Flags().Bool("json", false, "Output as JSON")
}

type workerRow struct {
	ID         string `json:"worker_id"`
	Name       string `json:"name"`
	Embeddings int    `json:"embeddings"`
}

func runWorkersList(cmd *cobra.Command, args []string) error {
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

	matcher, err := newMatcher(ctx, cfg, store)
	if err != nil {
		return err
	}

	snap := matcher.Gallery().Snapshot()
	rows := make([]workerRow, 0, snap.Len())
	for _, w := range snap.Workers() {
		rows = append(rows, workerRow{ID: w.ID, Name: w.Name, Embeddings: len(w.Embeddings)})
	}

	if mustGetBool(cmd, "json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No workers registered")
		return nil
	}
	fmt.Printf("%-12s %-30s %s\n", "ID", "NAME", "EMBEDDINGS")
	for _, r := range rows {
		fmt.Printf("%-12s %-30s %d\n", r.ID, r.Name, r.Embeddings)
	}
	fmt.Printf("\n%d workers, similarity threshold %.2f\n", len(rows), matcher.Threshold())
	return nil
}

func runWorkersRemove(cmd *cobra.Command, args []string) error {
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

	matcher, err := newMatcher(ctx, cfg, store)
	if err != nil {
		return err
	}

	w, err := matcher.Resolve(args[0])
	if err != nil {
		return err
	}
	if err := matcher.Remove(ctx, w.ID); err != nil {
		return err
	}
	saveGalleryIndex(cfg, matcher)
	fmt.Printf("Removed worker %s (%s) with %d embeddings\n", w.ID, w.Name, len(w.Embeddings))
	return nil
}

func runWorkersVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	photo, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("reading photo: %w", err)
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	matcher, err := newMatcher(ctx, cfg, store)
	if err != nil {
		return err
	}
	w, err := matcher.Resolve(args[0])
	if err != nil {
		return err
	}

	ok, score, err := matcher.Verify(ctx, w.ID, photo)
	if err != nil {
		return err
	}
	verdict := "NO MATCH"
	if ok {
		verdict = "MATCH"
	}
	fmt.Printf("%s: %s (similarity %.3f, threshold %.2f)\n", w.ID, verdict, score, matcher.Threshold())
	return nil
}
