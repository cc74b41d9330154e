// ABOUTME: Root command for the nvdcache CLI
// ABOUTME: Sets up global flags, config loading and subcommands

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hikmaai-io/hikmaai-nvdcache/internal/config"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/observability"
)

// globalFlags are shared by every subcommand. Each one overrides the
// config file only when set on the command line.
type globalFlags struct {
	cfgFile     string
	logLevel    string
	logFormat   string
	cacheDir    string
	databaseURL string
	offline     bool
	localOnly   bool
	jsonOutput  bool
}

func newRootCmd() *cobra.Command {
	return newRootCmdWithFlags(&globalFlags{})
}

func newRootCmdWithFlags(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nvdcache",
		Short: "nvdcache - Resilient local cache of the NVD vulnerability database",
		Long: `nvdcache keeps a local copy of the NVD vulnerability database fresh
without re-downloading it on every run.

A freshness check compares local metadata with the remote Last-Modified
time and record count. When a refresh is needed the database is fetched
in parallel ranged chunks, validated, and on failure the cache directory
is repaired and the download retried once at reduced scope.

Run "nvdcache daemon" to refresh on a schedule and serve status over HTTP.`,
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.cfgFile, "config", "c", config.DefaultConfigPath(), "config file")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format (json, text)")
	pf.StringVar(&flags.cacheDir, "cache-dir", "", "cache directory (default: $NVDCACHE_DIR or the user cache dir)")
	pf.StringVar(&flags.databaseURL, "database-url", "", "URL of the prebuilt database file")
	pf.BoolVar(&flags.offline, "offline", false, "never touch the network; use the cached database as is")
	pf.BoolVar(&flags.localOnly, "local-only", false, "answer freshness from local metadata only")
	pf.BoolVar(&flags.jsonOutput, "json", false, "print results as JSON")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newUpdateCmd(flags))
	cmd.AddCommand(newCheckCmd(flags))
	cmd.AddCommand(newVerifyCmd(flags))
	cmd.AddCommand(newRecoverCmd(flags))
	cmd.AddCommand(newStatusCmd(flags))
	cmd.AddCommand(newAnalyzeCmd(flags))
	cmd.AddCommand(newDaemonCmd(flags))

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "nvdcache version %s\n", version)
			fmt.Fprintf(out, "  Git SHA:    %s\n", gitSHA)
			fmt.Fprintf(out, "  Build Time: %s\n", buildTime)
		},
	}
}

// loadConfig reads the config file, applies the environment and then the
// flags that were explicitly set.
func loadConfig(cmd *cobra.Command, flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	changed := cmd.Flags().Changed
	if changed("log-level") {
		cfg.Log.Level = flags.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = flags.logFormat
	}
	if changed("cache-dir") {
		cfg.Cache.Dir = flags.cacheDir
	}
	if changed("database-url") {
		cfg.Feed.DatabaseURL = flags.databaseURL
	}
	if changed("offline") {
		cfg.Cache.Offline = flags.offline
	}
	if changed("local-only") {
		cfg.Cache.LocalOnly = flags.localOnly
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. CLI commands log to stderr so their
// stdout stays parseable.
func newLogger(cfg *config.Config) *slog.Logger {
	logger := observability.NewLogger(observability.LoggingConfig{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "nvdcache",
		Version:     version,
	}, os.Stderr)
	slog.SetDefault(logger)
	return logger
}
