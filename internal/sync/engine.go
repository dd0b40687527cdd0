package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/multierr"

	"github.com/driftwood-labs/odsync/internal/config"
)

// defaultWatchInterval is the fallback full-cycle interval when no local
// filesystem events arrive — catches remote-only changes.
const defaultWatchInterval = 5 * time.Minute

// watchDebounce coalesces bursts of filesystem events (e.g. an editor's
// write-then-rename save pattern) into a single sync cycle.
const watchDebounce = 2 * time.Second

// GraphClient is the full set of Microsoft Graph operations the engine needs:
// delta enumeration, item CRUD, and file transfer. Satisfied by *graph.Client.
type GraphClient interface {
	DeltaFetcher
	ItemClient
	TransferClient
}

// splitGraphClient satisfies GraphClient by combining a metadata client
// (delta/item operations) and a transfer client (upload/download), matching
// how the CLI configures separate *graph.Client instances with different
// HTTP timeouts.
type splitGraphClient struct {
	DeltaFetcher
	ItemClient
	TransferClient
}

// NewGraphClient builds a GraphClient from separate metadata and transfer
// clients. Callers that use a single client for both roles can pass the
// same value for both arguments.
func NewGraphClient(meta interface {
	DeltaFetcher
	ItemClient
}, transfer TransferClient) GraphClient {
	return splitGraphClient{
		DeltaFetcher:   meta,
		ItemClient:     meta,
		TransferClient: transfer,
	}
}

// SyncOptions holds per-cycle options for RunOnce.
type SyncOptions struct {
	DryRun bool
	Force  bool
}

// SyncReport summarizes the result of a single sync cycle.
type SyncReport struct {
	Mode      SyncMode
	DryRun    bool
	StartedAt int64
	CompletedAt int64

	// Plan counts (always populated, even for dry-run).
	FoldersCreated int
	Moved          int
	Downloaded     int
	Uploaded       int
	LocalDeleted   int
	RemoteDeleted  int
	Conflicts      int
	SyncedUpdates  int
	Cleanups       int

	// Byte counters (zero for dry-run — nothing actually transferred).
	BytesDownloaded int64
	BytesUploaded   int64

	// Execution results.
	Skipped int
	Errors  []ActionError
}

// DurationMs returns the wall-clock duration of the sync cycle in milliseconds.
func (r *SyncReport) DurationMs() int64 {
	return (r.CompletedAt - r.StartedAt) / 1_000_000
}

// CombinedError folds every recorded action error into a single error via
// multierr, so callers that only care whether the cycle was clean can use
// errors.Is/As against the combined value instead of re-walking the slice.
// Returns nil if no actions failed.
func (r *SyncReport) CombinedError() error {
	var err error
	for i := range r.Errors {
		err = multierr.Append(err, r.Errors[i])
	}

	return err
}

// TotalChanges returns the sum of all action counts the plan produced,
// excluding conflicts (which are reported separately since they represent
// skipped actions awaiting resolution, not completed ones).
func (r *SyncReport) TotalChanges() int {
	return r.FoldersCreated + r.Moved + r.Downloaded + r.Uploaded +
		r.LocalDeleted + r.RemoteDeleted + r.SyncedUpdates + r.Cleanups
}

// Engine orchestrates a complete sync cycle: fetch remote changes, scan the
// local filesystem, reconcile the three-way merge, validate safety
// invariants, and execute the resulting action plan.
type Engine struct {
	store       Store
	delta       *DeltaProcessor
	scanner     *Scanner
	reconciler  *Reconciler
	safety      *SafetyChecker
	executor    *Executor
	transferMgr *TransferManager

	driveID  string
	syncRoot string
	tombstoneRetentionDays int
	failures *failureTracker
	logger   *slog.Logger
}

// NewEngine wires up a complete Engine from a store, a Graph client, and a
// resolved drive configuration. It builds the filter engine, reconciler,
// safety checker, executor, and transfer manager from the resolved config.
func NewEngine(store Store, client GraphClient, resolved *config.ResolvedDrive, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	filterCfg := NewFilterConfig(resolved)

	filter, err := NewFilterEngine(&filterCfg, resolved.SyncDir, logger)
	if err != nil {
		return nil, fmt.Errorf("sync: creating engine: filter: %w", err)
	}

	driveIDStr := resolved.DriveID.String()

	scanner := NewScanner(driveIDStr, store, filter, resolved.SkipSymlinks, logger)
	reconciler := NewReconciler(store, logger)
	safetyCfg := NewSafetyConfig(resolved)
	safety := NewSafetyChecker(store, safetyCfg, resolved.SyncDir, logger)
	executor := NewExecutor(store, client, client, resolved.SyncDir, safetyCfg, logger)

	transferMgr, err := NewTransferManager(executor, &resolved.TransfersConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("sync: creating engine: transfer manager: %w", err)
	}

	return &Engine{
		store:                  store,
		delta:                  NewDeltaProcessor(client, store, logger),
		scanner:                scanner,
		reconciler:             reconciler,
		safety:                 safety,
		executor:               executor,
		transferMgr:            transferMgr,
		driveID:                driveIDStr,
		syncRoot:               resolved.SyncDir,
		tombstoneRetentionDays: safetyCfg.TombstoneRetentionDays,
		failures:               newFailureTracker(logger),
		logger:                 logger,
	}, nil
}

// Close releases resources held by the engine (database connection, transfer pools).
func (e *Engine) Close() error {
	e.transferMgr.Close()
	return e.store.Close()
}

// RunOnce executes a single sync cycle:
//  1. Fetch and apply remote delta changes (skipped in upload-only mode)
//  2. Scan the local filesystem (skipped in download-only mode)
//  3. Reconcile the three-way merge into an ActionPlan
//  4. Validate safety invariants
//  5. Return a preview report for dry-run, otherwise execute the plan
//  6. Clean up expired tombstones (best-effort, non-fatal)
func (e *Engine) RunOnce(ctx context.Context, mode SyncMode, opts SyncOptions) (*SyncReport, error) {
	startedAt := NowNano()

	e.logger.Info("sync cycle starting",
		slog.String("mode", mode.String()),
		slog.Bool("dry_run", opts.DryRun),
		slog.Bool("force", opts.Force),
	)

	if mode != SyncUploadOnly {
		if err := e.delta.FetchAndApply(ctx, e.driveID); err != nil {
			return nil, fmt.Errorf("sync: %w", err)
		}
	}

	if mode != SyncDownloadOnly {
		if err := e.scanner.Scan(ctx, e.syncRoot); err != nil {
			return nil, fmt.Errorf("sync: local scan: %w", err)
		}
	}

	plan, err := e.reconciler.Reconcile(ctx, mode)
	if err != nil {
		return nil, fmt.Errorf("sync: reconcile: %w", err)
	}

	plan, skipped := e.suppressFailingPaths(plan)

	plan, err = e.safety.Check(ctx, plan, opts.Force, opts.DryRun)
	if err != nil {
		return nil, err
	}

	var report *SyncReport

	if opts.DryRun {
		report = buildDryRunReport(plan)
	} else {
		report, err = e.executor.Execute(ctx, plan)
		if report == nil {
			report = &SyncReport{}
		}

		if err != nil {
			report.Mode = mode
			report.DryRun = opts.DryRun
			report.StartedAt = startedAt
			report.CompletedAt = NowNano()
			report.Skipped += skipped

			return report, err
		}

		e.recordExecutionOutcomes(plan, report)
		e.cleanupTombstones(ctx)
	}

	report.Mode = mode
	report.DryRun = opts.DryRun
	report.StartedAt = startedAt
	report.CompletedAt = NowNano()
	report.Skipped += skipped

	e.logger.Info("sync cycle complete",
		slog.Int64("duration_ns", report.CompletedAt-report.StartedAt),
		slog.Int("downloaded", report.Downloaded),
		slog.Int("uploaded", report.Uploaded),
		slog.Int("errors", len(report.Errors)),
	)

	return report, nil
}

// suppressFailingPaths removes actions whose path has failed repeatedly in
// recent cycles (B-123), returning the filtered plan and the number of
// actions skipped. Protects watch mode from burning cycles retrying a path
// that will never succeed (e.g. a file the OS refuses to release).
func (e *Engine) suppressFailingPaths(plan *ActionPlan) (*ActionPlan, int) {
	skipped := 0

	filter := func(actions []Action) []Action {
		kept := actions[:0]

		for _, a := range actions {
			if e.failures.shouldSkip(a.Path) {
				skipped++
				continue
			}

			kept = append(kept, a)
		}

		return kept
	}

	plan.FolderCreates = filter(plan.FolderCreates)
	plan.Moves = filter(plan.Moves)
	plan.Downloads = filter(plan.Downloads)
	plan.Uploads = filter(plan.Uploads)
	plan.LocalDeletes = filter(plan.LocalDeletes)
	plan.RemoteDeletes = filter(plan.RemoteDeletes)
	plan.Conflicts = filter(plan.Conflicts)
	plan.SyncedUpdates = filter(plan.SyncedUpdates)
	plan.Cleanups = filter(plan.Cleanups)

	if skipped > 0 {
		e.logger.Warn("suppressed repeatedly-failing actions", slog.Int("count", skipped))
	}

	return plan, skipped
}

// recordExecutionOutcomes feeds the executed plan's results back into the
// failure tracker: actions that errored count toward suppression, and
// actions that completed clear any prior failure record for their path.
func (e *Engine) recordExecutionOutcomes(plan *ActionPlan, report *SyncReport) {
	failed := make(map[string]string, len(report.Errors))

	for _, actionErr := range report.Errors {
		failed[actionErr.Action.Path] = actionErr.Err.Error()
	}

	for _, actionErr := range report.Errors {
		e.failures.recordFailure(actionErr.Action.Path, failed[actionErr.Action.Path])
	}

	for _, actions := range [][]Action{
		plan.FolderCreates, plan.Moves, plan.Downloads, plan.Uploads,
		plan.LocalDeletes, plan.RemoteDeletes, plan.Conflicts, plan.SyncedUpdates, plan.Cleanups,
	} {
		for _, a := range actions {
			if _, stillFailing := failed[a.Path]; !stillFailing {
				e.failures.recordSuccess(a.Path)
			}
		}
	}
}

// cleanupTombstones removes expired deletion tombstones. Failures are logged
// but never fail the sync cycle — tombstone cleanup is maintenance, not
// part of the sync contract.
func (e *Engine) cleanupTombstones(ctx context.Context) {
	n, err := e.store.CleanupTombstones(ctx, e.tombstoneRetentionDays)
	if err != nil {
		e.logger.Warn("tombstone cleanup failed", slog.String("error", err.Error()))
		return
	}

	if n > 0 {
		e.logger.Debug("tombstones cleaned up", slog.Int64("count", n))
	}
}

// buildDryRunReport builds a preview report from an ActionPlan's counts
// without executing anything. Byte counters stay zero since no transfer happened.
func buildDryRunReport(plan *ActionPlan) *SyncReport {
	return &SyncReport{
		FoldersCreated: len(plan.FolderCreates),
		Moved:          len(plan.Moves),
		Downloaded:     len(plan.Downloads),
		Uploaded:       len(plan.Uploads),
		LocalDeleted:   len(plan.LocalDeletes),
		RemoteDeleted:  len(plan.RemoteDeletes),
		Conflicts:      len(plan.Conflicts),
		SyncedUpdates:  len(plan.SyncedUpdates),
		Cleanups:       len(plan.Cleanups),
	}
}

// WatchOpts holds per-drive options for RunWatch.
type WatchOpts struct {
	Force    bool
	Interval time.Duration // 0 = defaultWatchInterval
	// Notify, when non-nil, is read alongside the local filesystem watcher
	// and the poll ticker: a receive triggers an immediate cycle, same as a
	// debounced fsnotify event. Wired from internal/notify when the
	// websocket config flag is enabled.
	Notify <-chan struct{}
}

// RunWatch runs sync cycles continuously: a local fsnotify watcher triggers
// an immediate (debounced) cycle on filesystem changes, a ticker forces a
// periodic cycle to pick up remote-only changes, and an optional push
// notification (WatchOpts.Notify) triggers an immediate out-of-band cycle
// without waiting for either. Returns nil when ctx is canceled; any other
// error aborts watch mode.
func (e *Engine) RunWatch(ctx context.Context, mode SyncMode, opts WatchOpts) error {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultWatchInterval
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("sync: starting filesystem watcher: %w", err)
	}
	defer watcher.Close()

	if mode != SyncDownloadOnly {
		if err := addWatchDirs(watcher, e.syncRoot); err != nil {
			return fmt.Errorf("sync: watching %s: %w", e.syncRoot, err)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var debounceTimer *time.Timer
	var debounceC <-chan time.Time

	runCycle := func() {
		opts := SyncOptions{Force: opts.Force}
		if _, err := e.RunOnce(ctx, mode, opts); err != nil && ctx.Err() == nil {
			e.logger.Error("watch: sync cycle failed", slog.String("error", err.Error()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}

			return nil

		case <-ticker.C:
			runCycle()

		case <-opts.Notify:
			e.logger.Debug("watch: push notification received, running cycle early")
			runCycle()

		case ev, ok := <-watcher.Events:
			if !ok {
				continue
			}

			if ev.Op&fsnotify.Create != 0 && isDir(ev.Name) {
				_ = watcher.Add(ev.Name)
			}

			if debounceTimer == nil {
				debounceTimer = time.NewTimer(watchDebounce)
				debounceC = debounceTimer.C
			} else {
				debounceTimer.Reset(watchDebounce)
			}

		case <-debounceC:
			debounceTimer = nil
			debounceC = nil
			runCycle()

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				continue
			}

			e.logger.Warn("watch: filesystem watcher error", slog.String("error", watchErr.Error()))
		}
	}
}

// addWatchDirs recursively registers every directory under root with the
// watcher. fsnotify watches are non-recursive, so each subdirectory needs
// its own Add call.
func addWatchDirs(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return watcher.Add(path)
		}

		return nil
	})
}

// isDir reports whether path currently exists and is a directory.
func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ListConflicts returns all unresolved conflicts for this drive.
func (e *Engine) ListConflicts(ctx context.Context) ([]*ConflictRecord, error) {
	return e.store.ListConflicts(ctx, e.driveID)
}

// ResolveConflict resolves a single conflict by ID. keep_both is a DB-only
// update (the executor already wrote both copies during sync); keep_local
// and keep_remote push the chosen side's content to overwrite the other.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, resolution ConflictResolution) error {
	switch resolution {
	case ConflictKeepBoth, ConflictKeepLocal, ConflictKeepRemote:
		return e.store.ResolveConflict(ctx, conflictID, resolution, ResolvedByUser)
	default:
		return fmt.Errorf("sync: unknown resolution strategy %q", resolution)
	}
}
