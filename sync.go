package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/driftwood-labs/odsync/internal/config"
	"github.com/driftwood-labs/odsync/internal/notify"
	"github.com/driftwood-labs/odsync/internal/sync"
)

func newSyncCmd() *cobra.Command {
	var flagDownloadOnly, flagUploadOnly, flagDryRun, flagForce, flagWatch bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize files with OneDrive",
		Long: `Run a one-shot sync cycle between the local directory and OneDrive.

By default, sync is bidirectional. Use --download-only or --upload-only for
one-way sync. Use --dry-run to preview what would happen without making changes.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runSync(context.Background(), flagDownloadOnly, flagUploadOnly,
				flagDryRun, flagForce, flagWatch)
		},
	}

	cmd.Flags().BoolVar(&flagDownloadOnly, "download-only", false, "only download remote changes")
	cmd.Flags().BoolVar(&flagUploadOnly, "upload-only", false, "only upload local changes")
	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "preview sync actions without executing")
	cmd.Flags().BoolVar(&flagForce, "force", false, "override big-delete safety threshold")
	cmd.Flags().BoolVar(&flagWatch, "watch", false, "run continuously, syncing on local changes and a periodic interval")

	cmd.MarkFlagsMutuallyExclusive("download-only", "upload-only")

	return cmd
}

func runSync(ctx context.Context, downloadOnly, uploadOnly, dryRun, force, watch bool) error {
	mode := sync.SyncBidirectional
	if downloadOnly {
		mode = sync.SyncDownloadOnly
	}

	if uploadOnly {
		mode = sync.SyncUploadOnly
	}

	cc := mustCLIContext(ctx)

	client, driveID, logger, err := clientAndDrive(ctx, cc)
	if err != nil {
		return err
	}

	logger.Info("sync: starting", "mode", mode, "dry_run", dryRun, "force", force)

	statePath := config.DriveStatePath(cc.Cfg.CanonicalID)
	if statePath == "" {
		return fmt.Errorf("cannot determine state path for drive %q", cc.Cfg.CanonicalID)
	}

	store, err := sync.NewStore(statePath, logger)
	if err != nil {
		return fmt.Errorf("cannot open sync database: %w", err)
	}
	defer store.Close()

	// Inject the discovered DriveID into a copy of the resolved config so the
	// engine uses the API-discovered value when config doesn't specify one.
	cfg := *cc.Cfg
	cfg.DriveID = driveID

	engine, err := sync.NewEngine(store, client, &cfg, logger)
	if err != nil {
		return fmt.Errorf("cannot initialize sync engine: %w", err)
	}
	defer engine.Close()

	if watch {
		return runSyncWatch(ctx, engine, mode, force, cc.CfgPath, cc.Cfg, logger)
	}

	report, err := engine.RunOnce(ctx, mode, sync.SyncOptions{Force: force, DryRun: dryRun})
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	if flagJSON {
		if err := printSyncJSON(report); err != nil {
			return err
		}
	} else {
		printSyncText(report)
	}

	if len(report.Errors) > 0 {
		return fmt.Errorf("sync completed with %d errors: %w", len(report.Errors), report.CombinedError())
	}

	return nil
}

// runSyncWatch drives a single drive's continuous sync loop. A PID file is
// written so "odsync pause"/"odsync resume" can locate this process and send
// it SIGHUP, which watchLoop uses both to restart an in-flight cycle and to
// wake up a drive blocked waiting for a pause to lift.
func runSyncWatch(ctx context.Context, engine *sync.Engine, mode sync.SyncMode, force bool, cfgPath string, cfg *config.ResolvedDrive, logger *slog.Logger) error {
	pidPath := config.PIDFilePath()

	cleanup, err := writePIDFile(pidPath)
	if err != nil {
		return err
	}
	defer cleanup()

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	logger.Info("sync: entering watch mode", "mode", mode, "pid_file", pidPath)

	opts := sync.WatchOpts{Force: force}

	if cfg.Websocket {
		listener := notify.New(cfg.WebsocketURL, logger)

		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		go listener.Run(watchCtx)

		opts.Notify = listener.C()
	}

	return watchLoop(ctx, engine, mode, opts, cfgPath, cfg.CanonicalID, sighup, logger)
}

func printSyncText(report *sync.SyncReport) {
	durationMs := report.DurationMs()

	if report.DryRun {
		printDryRunText(report, durationMs)
		return
	}

	if report.TotalChanges() == 0 && report.Conflicts == 0 && len(report.Errors) == 0 {
		statusf(flagQuiet, "Already in sync.\n")
		return
	}

	statusf(flagQuiet, "Sync complete (%s, %dms)\n", report.Mode, durationMs)
	printSyncCountsText(report)
}

func printDryRunText(report *sync.SyncReport, durationMs int64) {
	if report.TotalChanges() == 0 && report.Conflicts == 0 {
		statusf(flagQuiet, "Dry run complete (%dms) — already in sync.\n", durationMs)
		return
	}

	statusf(flagQuiet, "Dry run — no changes made (%dms)\n", durationMs)
	printSyncCountsText(report)
}

func printSyncCountsText(report *sync.SyncReport) {
	if report.FoldersCreated > 0 {
		statusf(flagQuiet, "  Folders created: %d\n", report.FoldersCreated)
	}

	if report.Downloaded > 0 {
		statusf(flagQuiet, "  Downloaded:  %d files (%s)\n", report.Downloaded, formatSize(report.BytesDownloaded))
	}

	if report.Uploaded > 0 {
		statusf(flagQuiet, "  Uploaded:    %d files (%s)\n", report.Uploaded, formatSize(report.BytesUploaded))
	}

	if report.Moved > 0 {
		statusf(flagQuiet, "  Moved:       %d\n", report.Moved)
	}

	if report.LocalDeleted > 0 || report.RemoteDeleted > 0 {
		statusf(flagQuiet, "  Deleted:     %d local, %d remote\n", report.LocalDeleted, report.RemoteDeleted)
	}

	if report.Conflicts > 0 {
		statusf(flagQuiet, "  Conflicts:   %d\n", report.Conflicts)
	}

	if len(report.Errors) > 0 {
		statusfErr(flagQuiet, "  Errors:      %d\n", len(report.Errors))
	}
}

// syncJSONOutput is the JSON output schema for the sync command.
type syncJSONOutput struct {
	Mode           string          `json:"mode"`
	DryRun         bool            `json:"dry_run"`
	DurationMs     int64           `json:"duration_ms"`
	FoldersCreated int             `json:"folders_created"`
	Downloaded     int             `json:"downloaded"`
	BytesDown      int64           `json:"bytes_downloaded"`
	Uploaded       int             `json:"uploaded"`
	BytesUp        int64           `json:"bytes_uploaded"`
	LocalDeleted   int             `json:"local_deleted"`
	RemoteDeleted  int             `json:"remote_deleted"`
	Moved          int             `json:"moved"`
	Conflicts      int             `json:"conflicts"`
	Errors         []syncJSONError `json:"errors"`
}

// syncJSONError represents a single action error in JSON output.
type syncJSONError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

func printSyncJSON(report *sync.SyncReport) error {
	errs := make([]syncJSONError, 0, len(report.Errors))
	for i := range report.Errors {
		errs = append(errs, syncJSONError{
			Path:  report.Errors[i].Action.Path,
			Error: report.Errors[i].Err.Error(),
		})
	}

	out := syncJSONOutput{
		Mode:           report.Mode.String(),
		DryRun:         report.DryRun,
		DurationMs:     report.DurationMs(),
		FoldersCreated: report.FoldersCreated,
		Downloaded:     report.Downloaded,
		BytesDown:      report.BytesDownloaded,
		Uploaded:       report.Uploaded,
		BytesUp:        report.BytesUploaded,
		LocalDeleted:   report.LocalDeleted,
		RemoteDeleted:  report.RemoteDeleted,
		Moved:          report.Moved,
		Conflicts:      report.Conflicts,
		Errors:         errs,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}
