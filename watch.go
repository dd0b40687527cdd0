package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/driftwood-labs/odsync/internal/config"
	"github.com/driftwood-labs/odsync/internal/driveid"
	"github.com/driftwood-labs/odsync/internal/sync"
)

// watchRunner is satisfied by *sync.Engine. Extracted so watchLoop can be
// driven by a fake in tests without standing up a real Graph client.
type watchRunner interface {
	RunWatch(ctx context.Context, mode sync.SyncMode, opts sync.WatchOpts) error
}

// checkPausedState reports whether a drive is currently paused and, if so,
// the RFC3339 timestamp (if any) at which the pause should lift on its own.
// A missing config file or a drive absent from it is treated as "not paused"
// rather than an error — daemons should not crash on a config that hasn't
// been written yet.
func checkPausedState(cfgPath string, cid driveid.CanonicalID, logger *slog.Logger) (paused bool, pausedUntil string) {
	cfg, err := config.LoadOrDefault(cfgPath, logger)
	if err != nil {
		return false, ""
	}

	drive, ok := cfg.Drives[cid]
	if !ok {
		return false, ""
	}

	if drive.Paused != nil && *drive.Paused {
		paused = true
	}

	if drive.PausedUntil != nil {
		pausedUntil = *drive.PausedUntil
	}

	return paused, pausedUntil
}

// daemonClearPausedKeys removes the paused and paused_until keys for a drive.
// Errors are logged, not returned — clearing is best-effort cleanup after a
// pause has already lifted, and a stale config write here shouldn't block the
// watch loop from resuming.
func daemonClearPausedKeys(cfgPath string, cid driveid.CanonicalID, logger *slog.Logger) {
	if err := config.DeleteDriveKey(cfgPath, cid, "paused"); err != nil {
		logger.Warn("clearing paused key", "canonical_id", cid.String(), "error", err)
	}

	if err := config.DeleteDriveKey(cfgPath, cid, "paused_until"); err != nil {
		logger.Warn("clearing paused_until key", "canonical_id", cid.String(), "error", err)
	}
}

// waitForResume blocks until a paused drive should resume: a SIGHUP (operator
// ran "odsync resume"), the parent context being canceled, or pausedUntil
// expiring on its own. An already-past pausedUntil resumes immediately; an
// unparseable one is logged and ignored, leaving only SIGHUP or cancellation.
// A timer-driven resume also clears the paused keys, since nothing else will.
func waitForResume(ctx context.Context, sighup chan os.Signal, cfgPath string, cid driveid.CanonicalID, pausedUntil string, logger *slog.Logger) error {
	var timerC <-chan time.Time

	if pausedUntil != "" {
		until, err := time.Parse(time.RFC3339, pausedUntil)
		if err != nil {
			logger.Warn("ignoring unparseable paused_until", "value", pausedUntil, "error", err)
		} else {
			remaining := time.Until(until)
			if remaining <= 0 {
				daemonClearPausedKeys(cfgPath, cid, logger)
				return nil
			}

			timer := time.NewTimer(remaining)
			defer timer.Stop()
			timerC = timer.C
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sighup:
		logger.Info("resume signal received", "canonical_id", cid.String())
		return nil
	case <-timerC:
		logger.Info("timed pause expired", "canonical_id", cid.String())
		daemonClearPausedKeys(cfgPath, cid, logger)
		return nil
	}
}

// watchLoop drives a single drive's watch cycle: it honors pause state from
// the config file, restarts the underlying runner on SIGHUP, and stops an
// in-flight run if the operator pauses the drive mid-cycle. The sighup
// channel is fed by a signal.Notify registration in the caller so "odsync
// pause"/"odsync resume" can reach an already-running daemon.
//
// Cancellation of ctx while a run is actively in flight is treated as normal
// shutdown (nil return). Cancellation while blocked on waitForResume (i.e.
// the drive was paused when ctx was canceled) is propagated as an error, so
// callers can distinguish "shut down mid-sync" from "shut down while idle".
func watchLoop(ctx context.Context, runner watchRunner, mode sync.SyncMode, opts sync.WatchOpts, cfgPath string, cid driveid.CanonicalID, sighup chan os.Signal, logger *slog.Logger) error {
	for {
		paused, pausedUntil := checkPausedState(cfgPath, cid, logger)
		if paused {
			logger.Info("drive paused, waiting for resume", "canonical_id", cid.String())

			if err := waitForResume(ctx, sighup, cfgPath, cid, pausedUntil, logger); err != nil {
				return err
			}

			continue
		}

		runCtx, cancelRun := context.WithCancel(ctx)
		done := make(chan error, 1)

		go func() {
			done <- runner.RunWatch(runCtx, mode, opts)
		}()

		select {
		case <-ctx.Done():
			cancelRun()
			<-done

			return nil
		case <-sighup:
			logger.Debug("SIGHUP received, restarting watch cycle", "canonical_id", cid.String())
			cancelRun()
			<-done
		case err := <-done:
			cancelRun()
			return err
		}
	}
}

// driveReportsError summarizes per-drive reports into a single error for the
// process exit path. A single drive's failure is returned as-is, preserving
// its message and %w chain. Multiple drives with any failures are collapsed
// into a count so the operator sees how widespread the failure was without
// the output listing every error twice (printDriveReports already did that).
func driveReportsError(reports []*sync.DriveReport) error {
	var failed int

	var firstErr error

	for _, r := range reports {
		if r.Err != nil {
			failed++

			if firstErr == nil {
				firstErr = r.Err
			}
		}
	}

	if failed == 0 {
		return nil
	}

	if len(reports) == 1 {
		return firstErr
	}

	return fmt.Errorf("%d of %d drives failed: %w", failed, len(reports), firstErr)
}

// printDriveReports writes a human-readable summary of each drive's sync
// report to stderr. The per-drive header is only printed when syncing more
// than one drive — a single-drive run's output should read exactly like the
// pre-multi-drive single-drive command did.
func printDriveReports(reports []*sync.DriveReport, quiet bool) {
	multi := len(reports) > 1

	for _, r := range reports {
		if multi {
			statusf(quiet, "[%s]\n", r.DisplayName)
		}

		if r.Err != nil {
			statusf(quiet, "  error: %v\n", r.Err)
			continue
		}

		if r.Report != nil {
			printSyncText(r.Report)
		}
	}
}
