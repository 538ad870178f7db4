package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/ppe-monitor/internal/identity"
)

var registerCmd = &cobra.Command{
	Use:   "register [photos...]",
	Short: "Register workers in the face gallery",
	Long: `Register a worker from one or more face photos, or bulk-register a
directory where every subdirectory holds the photos of one worker (the
subdirectory name is the worker ID). Photos without a detectable face are
reported and skipped. Registering an existing worker adds embeddings.

Examples:
  ppe-monitor register --id W001 --name "Jan Novak" jan1.jpg jan2.jpg
  ppe-monitor register --dir ./gallery`,
	RunE: runRegister,
}

func init() {
	rootCmd.AddCommand(registerCmd)

	registerCmd.Flags().String("id", "", "Worker ID")
	registerCmd.Flags().String("name", "", "Worker display name (keeps the current name when empty)")
	registerCmd.Flags().String("dir", "", "Directory with one subdirectory of photos per worker")
}

// registration is one worker's batch of photo files.
type registration struct {
	id    string
	name  string
	files []string
}

func runRegister(cmd *cobra.Command, args []string) error {
	id := mustGetString(cmd, "id")
	dir := mustGetString(cmd, "dir")

	var batches []registration
	switch {
	case dir != "" && (id != "" || len(args) > 0):
		return errors.New("--dir cannot be combined with --id or photo arguments")
	case dir != "":
		var err error
		if batches, err = scanGalleryDir(dir); err != nil {
			return err
		}
	case id != "" && len(args) > 0:
		batches = []registration{{id: id, name: mustGetString(cmd, "name"), files: args}}
	default:
		return errors.New("either --dir or --id with at least one photo is required")
	}
	if len(batches) == 0 {
		fmt.Println("Nothing to register")
		return nil
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

	matcher, err := newMatcher(ctx, cfg, store)
	if err != nil {
		return err
	}

	bar := progressbar.NewOptions(len(batches),
		progressbar.OptionSetDescription("Registering workers"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("workers"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
	)

	var results []identity.RegistrationResult
	var failures []string
	for _, b := range batches {
		res, err := registerBatch(ctx, matcher, b)
		_ = bar.Add(1)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", b.id, err))
			continue
		}
		results = append(results, res)
	}
	fmt.Println()

	for _, res := range results {
		fmt.Printf("%-12s %-24s %d/%d photos accepted\n", res.WorkerID, res.Name, res.Accepted, len(res.Photos))
		for _, p := range res.Photos {
			if !p.Accepted {
				fmt.Printf("  photo %d skipped: %s\n", p.Index+1, p.Error)
			}
		}
	}
	for _, f := range failures {
		fmt.Printf("Failed: %s\n", f)
	}

	saveGalleryIndex(cfg, matcher)
	snap := matcher.Gallery().Snapshot()
	fmt.Printf("\nGallery: %d workers, %d embeddings (version %d)\n", snap.Len(), snap.EmbeddingCount(), snap.Version())

	if len(failures) > 0 {
		return fmt.Errorf("%d of %d registrations failed", len(failures), len(batches))
	}
	return nil
}

func registerBatch(ctx context.Context, matcher *identity.Matcher, b registration) (identity.RegistrationResult, error) {
	photos := make([][]byte, 0, len(b.files))
	for _, f := range b.files {
		data, err := os.ReadFile(f) //nolint:gosec // paths come from the operator
		if err != nil {
			return identity.RegistrationResult{}, fmt.Errorf("reading %s: %w", f, err)
		}
		photos = append(photos, data)
	}
	return matcher.Register(ctx, b.id, b.name, photos)
}

// scanGalleryDir lists one registration per subdirectory of dir.
func scanGalleryDir(dir string) ([]registration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading gallery directory: %w", err)
	}

	var batches []registration
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		files, err := listPhotos(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			continue
		}
		batches = append(batches, registration{id: e.Name(), files: files})
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].id < batches[j].id })
	return batches, nil
}

func listPhotos(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
