package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftwood-labs/odsync/internal/config"
	"github.com/driftwood-labs/odsync/internal/graph"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in setupRootCmd().
var (
	flagConfigPath string
	flagAccount    string
	flagDrive      string
	flagJSON       bool
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// skipConfigAnnotation marks commands that handle config loading themselves.
// Commands annotated with this key skip the automatic four-layer config
// resolution in PersistentPreRunE. This replaces the fragile string map
// (skipConfigCommands) which required manual maintenance when adding commands.
const skipConfigAnnotation = "skipConfig"

// CLIFlags snapshots the global persistent flags at PersistentPreRunE time,
// so RunE handlers read them through the context instead of the package
// globals directly.
type CLIFlags struct {
	ConfigPath string
	Account    string
	Drive      string
	JSON       bool
	Verbose    bool
	Debug      bool
	Quiet      bool
}

// SingleDrive returns the --drive selector, for call sites that pass it
// through to config.MatchDrive under a more descriptive name.
func (f CLIFlags) SingleDrive() string {
	return f.Drive
}

// CLIContext bundles resolved config, logger, and flags. Created once in
// PersistentPreRunE; eliminates redundant buildLogger calls and global flag
// reads in RunE handlers. Cfg is nil for commands annotated with
// skipConfigAnnotation (they resolve config themselves, if at all). CfgPath
// and Env are always populated (Phase 1), even when Cfg resolution (Phase 2)
// is skipped, so such commands can still resolve config on their own terms.
type CLIContext struct {
	Cfg     *config.ResolvedDrive
	Logger  *slog.Logger
	Flags   CLIFlags
	CfgPath string
	Env     config.EnvOverrides
}

// currentFlags snapshots the global persistent flag variables.
func currentFlags() CLIFlags {
	return CLIFlags{
		ConfigPath: flagConfigPath,
		Account:    flagAccount,
		Drive:      flagDrive,
		JSON:       flagJSON,
		Verbose:    flagVerbose,
		Debug:      flagDebug,
		Quiet:      flagQuiet,
	}
}

// cliContextKey is the context key for CLIContext.
type cliContextKey struct{}

// cliContextFrom extracts the CLIContext from the command's context.
// Returns nil if no config was loaded (e.g., auth commands that skip config).
func cliContextFrom(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		return nil
	}

	return cc
}

// mustCLIContext extracts the CLIContext or panics with an actionable message.
// Use in RunE handlers for commands that require config (no skipConfigAnnotation).
// Panics are always programmer errors — the command tree should guarantee the
// context is populated by PersistentPreRunE before RunE executes.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("BUG: CLIContext not found in context — ensure the command " +
			"does not skip config loading (no skipConfigAnnotation) or " +
			"explicitly loads config in its RunE")
	}

	return cc
}

// httpClientTimeout is the default timeout for HTTP requests.
// Prevents hung connections from blocking CLI commands indefinitely.
const httpClientTimeout = 30 * time.Second

// defaultHTTPClient returns an HTTP client with a sensible timeout.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}

// transferHTTPClient returns an HTTP client with no timeout for
// upload/download operations. Large file transfers on slow connections
// can exceed the 30-second default (e.g., 10MB chunks at 100KB/s = 100s).
// Transfers are bounded by context cancellation instead.
func transferHTTPClient() *http.Client {
	return &http.Client{Timeout: 0}
}

// newGraphClient creates a graph.Client with the standard HTTP client,
// user-agent, and base URL. Eliminates boilerplate repeated across commands.
func newGraphClient(ts graph.TokenSource, logger *slog.Logger) *graph.Client {
	return graph.NewClient(graph.DefaultBaseURL, defaultHTTPClient(), ts, logger)
}

// newTransferGraphClient creates a graph.Client without a timeout for
// upload/download operations. Metadata operations (ls, rm, mkdir, stat,
// Drives(), Me()) should use newGraphClient with the 30-second timeout.
func newTransferGraphClient(ts graph.TokenSource, logger *slog.Logger) *graph.Client {
	return graph.NewClient(graph.DefaultBaseURL, transferHTTPClient(), ts, logger)
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "odsync",
		Short:   "OneDrive CLI client",
		Long:    "A fast, safe OneDrive CLI and sync client for Linux and macOS.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		// PersistentPreRunE runs in two phases. Phase 1 (always) snapshots flags,
		// env overrides, and the resolved config path into a bootstrap CLIContext.
		// Phase 2 (skipped for commands annotated with skipConfigAnnotation) runs
		// the full four-layer config resolution and replaces Cfg/Logger with the
		// resolved result.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc := bootstrapCLIContext(cmd)

			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}

			return loadConfig(cmd, cc)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagAccount, "account", "", "account for auth commands (e.g., user@example.com)")
	cmd.PersistentFlags().StringVar(&flagDrive, "drive", "", "drive selector (canonical ID, alias, or partial match)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show detailed output")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging (HTTP requests, config resolution)")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	// Register subcommands.
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newDriveCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newMkdirCmd())
	cmd.AddCommand(newStatCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newConflictsCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newResolveCmd())

	return cmd
}

// bootstrapCLIContext builds a CLIContext with flags, env overrides, the
// resolved config path, and a bootstrap logger, then stores it in the
// command's context. Cfg is left nil — loadConfig fills it in for commands
// that don't skip config resolution.
func bootstrapCLIContext(cmd *cobra.Command) *CLIContext {
	flags := currentFlags()
	logger := buildLogger(nil, flags)
	env := config.ReadEnvOverrides(logger)

	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}
	cfgPath := config.ResolveConfigPath(env, cli, logger)

	cc := &CLIContext{Logger: logger, Flags: flags, CfgPath: cfgPath, Env: env}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return cc
}

// loadConfig resolves the effective configuration from the four-layer override
// chain and fills in cc.Cfg and cc.Logger for use by subcommands. cc was
// already stored in the command's context by bootstrapCLIContext.
func loadConfig(cmd *cobra.Command, cc *CLIContext) error {
	resolved, _, err := loadAndResolve(cmd, cc.Flags, cc.Env, cc.Logger)
	if err != nil {
		return err
	}

	// Build the final logger incorporating config-file log level.
	finalLogger := buildLogger(resolved, cc.Flags)

	cc.Cfg = resolved
	cc.Logger = finalLogger

	config.WarnUnimplemented(resolved, finalLogger)

	return nil
}

// loadAndResolve runs the four-layer config override chain (defaults -> file
// -> env -> CLI) and returns both the resolved drive config and the raw
// parsed config (needed by commands that rebuild a logger from
// rawCfg.LoggingConfig before the rest of resolution is relevant, e.g. sync's
// multi-drive path).
func loadAndResolve(cmd *cobra.Command, flags CLIFlags, env config.EnvOverrides, logger *slog.Logger) (*config.ResolvedDrive, *config.Config, error) {
	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}

	// Only pass --drive to the resolver if the user explicitly set it.
	if cmd.Flags().Changed("drive") {
		cli.Drive = flags.Drive
	}

	logger.Debug("resolving config",
		slog.String("config_path", cli.ConfigPath),
		slog.String("cli_drive", cli.Drive),
		slog.String("env_config", env.ConfigPath),
		slog.String("env_drive", env.Drive),
	)

	cfgPath := config.ResolveConfigPath(env, cli, logger)

	rawCfg, err := config.LoadOrDefault(cfgPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	resolved, err := config.ResolveDrive(env, cli, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger.Debug("config resolved",
		slog.String("canonical_id", resolved.CanonicalID.String()),
		slog.String("sync_dir", resolved.SyncDir),
		slog.String("drive_id", resolved.DriveID.String()),
	)

	return resolved, rawCfg, nil
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Pass nil for pre-config bootstrap (no config-file log level).
// Config-file log level provides the baseline; --verbose, --debug, and --quiet
// override it because CLI flags always win. The flags are mutually exclusive
// (enforced by Cobra).
func buildLogger(cfg *config.ResolvedDrive, flags CLIFlags) *slog.Logger {
	level := slog.LevelWarn

	// Config-based log level (lower priority than CLI flags).
	if cfg != nil {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}
	}

	// CLI flags override config (highest priority).
	if flags.Verbose {
		level = slog.LevelInfo
	}

	if flags.Debug {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
