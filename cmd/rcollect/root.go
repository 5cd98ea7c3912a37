package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/rcollect/internal/config"
)

var (
	// Global flags
	cfgPath   string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger
)

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	flags := &collectFlags{}
	cmd := &cobra.Command{
		Use:   "rcollect",
		Short: "Remote forensic evidence collector",
		Long: `rcollect drives existing remote-administration binaries (PAExec, PsExec,
PowerShell remoting, WMIC, SharpRDP, plink/pscp) to run commands on target
computers and pull evidence back into a local store: live-response reports,
registry hives, event logs, memory images and files matched by a search list.

Per-artifact failures are logged and collection carries on; the exit code is
non-zero only when collection cannot start.`,
		Example: `  rcollect -c 10.0.0.5 -u alice -d CORP
  rcollect -c targets.txt -s EMBEDDED --in-parallel -a
  rcollect -c 10.0.0.5 -u admin --wmi -e commands.txt --no-registry-search
  rcollect -c 10.0.0.7 -u root --ssh --key id_ed25519
  rcollect -c 10.0.0.5 -u alice --redownload 'C:\Users\Public\PAEXEC-memory_10-0-0-5_alice.raw.7z.004'
  rcollect --use-kape-config ./KapeFiles/Targets
  rcollect status --target 10.0.0.5`,
		Version:      "0.1.0",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize logging
			setupLogging()

			// Skip config loading for commands that don't need it
			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			// Load config
			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			// Override with command-line flags if provided
			flags.apply(cmd, globalCfg)

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath, "output_dir", globalCfg.Collect.OutputDir)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return collectRun(cmd, flags)
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVarP(&flags.outputDir, "output", "o", "", "local evidence store (created if absent)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	flags.register(cmd)

	// Add subcommands
	cmd.AddCommand(
		newStatusCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet && level < slog.LevelError {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}
