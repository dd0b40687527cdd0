package main

import (
	"fmt"
	"log/slog"

	"github.com/driftwood-labs/odsync/internal/config"
	"github.com/driftwood-labs/odsync/internal/driveops"
	"github.com/driftwood-labs/odsync/internal/sync"
)

// newSyncEngine creates a sync.Engine from a driveops.Session and resolved config.
// Validates syncDir and statePath, then opens the state store and builds the
// engine. verifyDrive is currently unused — hash verification is invoked
// explicitly via sync.VerifyBaseline rather than wired into engine startup.
func newSyncEngine(session *driveops.Session, resolved *config.ResolvedDrive, verifyDrive bool, logger *slog.Logger) (*sync.Engine, error) {
	_ = verifyDrive

	syncDir := resolved.SyncDir
	if syncDir == "" {
		return nil, fmt.Errorf("sync_dir not configured — set it in the config file or add a drive with 'odsync drive add'")
	}

	dbPath := resolved.StatePath()
	if dbPath == "" {
		return nil, fmt.Errorf("cannot determine state DB path for drive %q", resolved.CanonicalID)
	}

	store, err := sync.NewStore(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening state store for %s: %w", resolved.CanonicalID, err)
	}

	client := sync.NewGraphClient(session.Meta, session.Transfer)

	engine, err := sync.NewEngine(store, client, resolved, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	return engine, nil
}
