package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/ppe-monitor/internal/config"
	"github.com/kozaktomas/ppe-monitor/internal/pipeline"
	"github.com/kozaktomas/ppe-monitor/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the configured camera streams and the HTTP API",
	Long: `Start every camera stream declared in the config file and serve the
violation, report, worker and stream endpoints. On SIGINT or SIGTERM the
streams close their open violations, write their session summaries and the
server shuts down.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
	serveCmd.Flags().Bool("no-streams", false, "Serve the API without starting any stream")
}

// buildStreams registers a stream per configured camera and opens its source.
func buildStreams(cfg *config.Config, comps *components, manager *pipeline.Manager) (map[string]pipeline.Source, error) {
	sources := make(map[string]pipeline.Source, len(cfg.Streams))
	for _, sc := range cfg.Streams {
		src, err := newSource(sc, cfg.Detector.Timeout, true)
		if err != nil {
			return nil, err
		}
		if err := manager.Add(comps.newStream(cfg, sc.ID)); err != nil {
			return nil, err
		}
		sources[sc.ID] = src
		fmt.Printf("Stream %s ready\n", sc.ID)
	}
	return sources, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if port := mustGetInt(cmd, "port"); port > 0 {
		cfg.Web.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Web.Host = host
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
	comps := newComponents(cfg, store, matcher)

	manager := pipeline.NewManager()
	sources := map[string]pipeline.Source{}
	if !mustGetBool(cmd, "no-streams") {
		if sources, err = buildStreams(cfg, comps, manager); err != nil {
			return err
		}
	}

	narrator, err := newNarrator(ctx, cfg)
	if err != nil {
		return err
	}

	server := web.NewServer(cfg, web.Deps{
		Store:    store,
		Matcher:  matcher,
		Streams:  manager,
		Writer:   comps.writer,
		Narrator: narrator,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	streamsDone := make(chan struct{})
	go func() {
		defer close(streamsDone)
		if err := manager.Run(runCtx, sources); err != nil {
			log.Error().Err(err).Msg("Stream stopped with error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")

		cancel()
		<-streamsDone
		saveGalleryIndex(cfg, matcher)

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()

		if err := comps.writer.Flush(shutdownCtx); err != nil {
			fmt.Printf("Warning: %d events could not be persisted: %v\n", comps.writer.Pending(), err)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting PPE Monitor on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
