// Package main is the CLI entry point for filebridge.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ted-sharp/aloe-apps-filebridge/internal/config"
	"github.com/ted-sharp/aloe-apps-filebridge/internal/daemon"
	"github.com/ted-sharp/aloe-apps-filebridge/internal/domain"
	"github.com/ted-sharp/aloe-apps-filebridge/internal/infra"
)

// scanDrainTimeout caps how long the one-shot scan command waits for
// admitted files to finish processing.
const scanDrainTimeout = 2 * time.Minute

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "filebridge",
	Short: "File-triggered process launcher",
	Long: `filebridge watches directories for arriving files, waits until each
file is fully written and unlocked, and launches a configured executable
per file. Every significant event is recorded to a rotating JSON journal.`,
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run all configured watch profiles until interrupted",
	Long: `Loads the configuration file, starts one watch engine per profile,
and runs until SIGINT/SIGTERM. Edits to the configuration file are applied
at runtime: changed profiles are restarted, unchanged ones keep running.`,
	RunE: runServe,
}

var scanCmd = &cobra.Command{
	Use:   "scan <profile>",
	Short: "Run a one-shot manual scan for a profile",
	Long: `Starts the named profile, enumerates its watch directory once with
the cooldown check disabled, processes everything admitted, and exits.`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE:  runValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

var (
	configPath string
	logFile    string
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "filebridge.json", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Operational log file (default stderr)")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := infra.NewFileLogStore(cfg.LogDirectory, cfg.MaxLogsPerFile, cfg.LogRetentionDays, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	mgr := daemon.NewManager(store, infra.NewProcessManager(), logger)
	for _, profile := range cfg.Apps {
		if err := mgr.Install(profile); err != nil {
			logger.Error("failed to install profile",
				zap.String("profile", profile.Name), zap.Error(err))
		}
	}
	defer mgr.StopAll()

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	logger.Info("filebridge started",
		zap.Int("profiles", len(cfg.Apps)),
		zap.String("config", configPath))

	return mgr.WatchConfig(ctx, configPath)
}

func runScan(cmd *cobra.Command, args []string) error {
	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	name := args[0]
	var profile *domain.WatchProfile
	for i := range cfg.Apps {
		if cfg.Apps[i].Name == name {
			profile = &cfg.Apps[i]
			break
		}
	}
	if profile == nil {
		return fmt.Errorf("profile %q not found in %s", name, configPath)
	}

	store, err := infra.NewFileLogStore(cfg.LogDirectory, cfg.MaxLogsPerFile, cfg.LogRetentionDays, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	mgr := daemon.NewManager(store, infra.NewProcessManager(), logger)
	if err := mgr.Install(*profile); err != nil {
		return err
	}
	defer mgr.StopAll()

	admitted, err := mgr.ManualScan(name)
	if err != nil {
		return err
	}
	fmt.Printf("Admitted %d file(s)\n", admitted)

	if admitted > 0 {
		if idle, _ := mgr.WaitIdle(name, scanDrainTimeout); !idle {
			fmt.Println("Warning: some files were still processing at exit")
		}
	}
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Printf("OK: %d profile(s)\n", len(cfg.Apps))
	for _, p := range cfg.Apps {
		fmt.Printf("  - %s: %s -> %s\n", p.Name, p.WatchDirectory, p.ExecutablePath)
	}
	return nil
}

func createLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	if logFile != "" {
		config.OutputPaths = []string{logFile}
		config.ErrorOutputPaths = []string{logFile}
	}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("filebridge %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
