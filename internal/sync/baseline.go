package sync

import (
	"context"
	"fmt"

	"github.com/driftwood-labs/odsync/internal/driveid"
)

// BaselineEntry is a point-in-time snapshot of a single synced item, keyed
// by its local path. It records the state the database considers the last
// successful sync, independent of whatever the filesystem or Graph API say
// right now — VerifyBaseline compares the two.
type BaselineEntry struct {
	Path      string
	DriveID   driveid.ID
	ItemID    string
	ItemType  ItemType
	LocalHash string
	Size      int64
}

// Baseline is the full set of synced items for a drive, indexed by path.
type Baseline struct {
	ByPath map[string]*BaselineEntry
}

// LoadBaseline builds a Baseline from the store's active items for driveID,
// using each item's last-synced hash and size rather than its current local
// or remote state. Folders are included (with no hash) so VerifyBaseline can
// recognize and skip them.
func LoadBaseline(ctx context.Context, store Store, driveID string) (*Baseline, error) {
	items, err := store.ListAllActiveItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: loading baseline: %w", err)
	}

	bl := &Baseline{ByPath: make(map[string]*BaselineEntry, len(items))}

	for _, it := range items {
		if it.DriveID != driveID || it.ItemType == ItemTypeRoot {
			continue
		}

		entry := &BaselineEntry{
			Path:      it.Path,
			DriveID:   driveid.New(it.DriveID),
			ItemID:    it.ItemID,
			ItemType:  it.ItemType,
			LocalHash: it.SyncedHash,
		}

		if it.SyncedSize != nil {
			entry.Size = *it.SyncedSize
		}

		bl.ByPath[it.Path] = entry
	}

	return bl, nil
}
