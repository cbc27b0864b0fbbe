package exam

import "context"

// SnapshotStore persists the latest session snapshot. Implementations
// hold at most one snapshot; Save replaces it atomically. Load reports
// ok=false when no snapshot exists, including after a corrupt snapshot
// has been discarded.
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) (Snapshot, bool, error)
	Clear(ctx context.Context) error
}
