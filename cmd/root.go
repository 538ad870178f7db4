package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/ppe-monitor/internal/config"
	"github.com/kozaktomas/ppe-monitor/internal/logging"
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "ppe-monitor",
	Short: "Track helmet and vest violations per worker across camera streams",
	Long: `PPE Monitor runs camera frames through an object detector, attributes
helmets and vests to the people in each frame, identifies workers by face and
records per-worker violation events with evidence snapshots.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file (defaults to $PPE_CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// loadConfig builds the configuration from defaults, environment and the
// optional YAML file, then initializes logging.
func loadConfig() (*config.Config, error) {
	cfg := config.Load()

	path := configFile
	if path == "" {
		path = os.Getenv("PPE_CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return nil, err
		}
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logging.Init(cfg.Log.Level)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
