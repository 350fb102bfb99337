// Package cmd implements the docflow command line.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/docflow/internal/config"
	"github.com/3leaps/docflow/internal/observability"
	"github.com/3leaps/docflow/internal/server/handlers"
)

// VersionInfo is build metadata injected by main.
type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetVersionInfo records build metadata.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

var appIdentity *config.AppIdentity

// GetAppIdentity returns the identity installed by the root command, or nil
// before it ran.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

var (
	cfgFile      string
	verbose      bool
	dbPath       string
	manifestPath string
	workspaceDir string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "docflow",
	Short: "Durable document processing pipeline",
	Long: `docflow runs uploaded PDF documents through a fixed pipeline of stages
(conversion, duplicate check, OCR, metadata extraction, metadata embedding)
and then distributes them to the targets named in the pipeline manifest.

Every stage is a step with persisted state, so a crashed worker resumes
where it stopped and a failed stage can be reprocessed on its own.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntimeConfig,
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: user config dir, then ./docflow.yaml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVar(&dbPath, "db", "", "Pipeline database path (overrides store.path)")
	pf.StringVar(&manifestPath, "manifest", "", "Pipeline manifest path (overrides manifest)")
	pf.StringVar(&workspaceDir, "workspace", "", "Artifact workspace directory (overrides workspace)")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

// initRuntimeConfig loads configuration and installs the logger before any
// subcommand runs.
func initRuntimeConfig(cmd *cobra.Command, args []string) error {
	id := config.DefaultIdentity
	appIdentity = &id

	cfg, err := config.LoadWithFile(cmd.Context(), cfgFile, flagOverrides(cmd))
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid configuration", err)
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	if err := observability.InitLogger(observability.LoggerConfig{
		Service: id.BinaryName,
		Level:   level,
		Profile: cfg.Logging.Profile,
	}); err != nil {
		return exitError(exitInvalidArgument, "Invalid logging configuration", err)
	}

	observability.CLILogger.Debug("Configuration loaded",
		zap.String("store", storeLabel(cfg)),
		zap.String("manifest", cfg.Manifest),
		zap.String("workspace", cfg.Workspace),
		zap.Int("workers", cfg.Workers))
	return nil
}

func flagOverrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	pf := cmd.Flags()
	if pf.Changed("db") {
		out["store"] = map[string]any{"path": dbPath, "url": ""}
	}
	if pf.Changed("manifest") {
		out["manifest"] = manifestPath
	}
	if pf.Changed("workspace") {
		out["workspace"] = workspaceDir
	}
	if pf.Changed("log-level") {
		out["logging"] = map[string]any{"level": logLevel}
	}
	return out
}

func storeLabel(cfg *config.Config) string {
	if cfg.Store.URL != "" {
		return cfg.Store.URL
	}
	return cfg.Store.Path
}

func currentConfig() (*config.Config, error) {
	cfg := config.GetConfig()
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return cfg, nil
}
