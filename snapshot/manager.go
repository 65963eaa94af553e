package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/facematch/blobstore"
)

const (
	// CurrentName is the pointer blob naming the active snapshot. On a
	// CommitStore it is versioned through the commit table instead of
	// living in the bucket.
	CurrentName = "CURRENT"

	snapshotPrefix = "snapshots/"
	snapshotExt    = ".fmsn"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Codec compresses snapshot payloads.
	Codec Codec

	// Keep is how many snapshots to retain after a save. The snapshot
	// CURRENT points at is never pruned.
	Keep int
}

// DefaultManagerOptions returns the options used when none are given.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		Codec: CodecZstd,
		Keep:  3,
	}
}

// Manager writes, resolves, and prunes snapshots in a blob store. Saves
// are crash-safe: a snapshot becomes visible only once CURRENT points at
// it, and a failed save leaves CURRENT untouched.
type Manager struct {
	store blobstore.BlobStore
	opts  ManagerOptions
}

// NewManager creates a Manager on top of store.
func NewManager(store blobstore.BlobStore, optFns ...func(o *ManagerOptions)) *Manager {
	opts := DefaultManagerOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Keep < 1 {
		opts.Keep = 1
	}
	return &Manager{store: store, opts: opts}
}

// Save writes snap as a new snapshot blob, repoints CURRENT at it, and
// prunes snapshots beyond the retention count. It returns the name of
// the new snapshot blob.
func (m *Manager) Save(ctx context.Context, snap *Snapshot) (string, error) {
	name := fmt.Sprintf("%s%016d-%s%s", snapshotPrefix, time.Now().UnixNano(), uuid.NewString(), snapshotExt)

	wb, err := m.store.Create(ctx, name)
	if err != nil {
		return "", fmt.Errorf("create snapshot blob: %w", err)
	}
	if err := Write(wb, snap, m.opts.Codec); err != nil {
		wb.Close()
		m.store.Delete(ctx, name)
		return "", err
	}
	if err := wb.Close(); err != nil {
		m.store.Delete(ctx, name)
		return "", fmt.Errorf("finalize snapshot blob: %w", err)
	}

	if err := m.store.Put(ctx, CurrentName, []byte(name)); err != nil {
		m.store.Delete(ctx, name)
		return "", fmt.Errorf("update %s: %w", CurrentName, err)
	}

	if err := m.Prune(ctx); err != nil {
		return name, fmt.Errorf("prune snapshots: %w", err)
	}
	return name, nil
}

// Load opens and reads the snapshot CURRENT points at.
// blobstore.ErrNotFound means no snapshot has been saved yet.
func (m *Manager) Load(ctx context.Context) (*Snapshot, error) {
	target, err := m.Current(ctx)
	if err != nil {
		return nil, err
	}
	return m.LoadName(ctx, target)
}

// Current returns the name of the active snapshot.
func (m *Manager) Current(ctx context.Context) (string, error) {
	blob, err := m.store.Open(ctx, CurrentName)
	if err != nil {
		return "", err
	}
	defer blob.Close()

	size := blob.Size()
	if size == 0 {
		return "", fmt.Errorf("%s is empty", CurrentName)
	}
	buf := make([]byte, size)
	if _, err := blob.ReadAt(ctx, buf, 0); err != nil {
		return "", fmt.Errorf("read %s: %w", CurrentName, err)
	}
	target := strings.TrimSpace(string(buf))
	if target == "" {
		return "", fmt.Errorf("%s is empty", CurrentName)
	}
	return target, nil
}

// LoadName reads a specific snapshot blob by name.
func (m *Manager) LoadName(ctx context.Context, name string) (*Snapshot, error) {
	blob, err := m.store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer blob.Close()

	snap, err := Load(ctx, blob)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	return snap, nil
}

// Snapshots lists stored snapshot names, oldest first. Names embed their
// creation time, so lexicographic order is chronological.
func (m *Manager) Snapshots(ctx context.Context) ([]string, error) {
	return m.store.List(ctx, snapshotPrefix)
}

// Prune deletes all but the newest Keep snapshots. The CURRENT target
// survives regardless of age.
func (m *Manager) Prune(ctx context.Context) error {
	names, err := m.store.List(ctx, snapshotPrefix)
	if err != nil {
		return err
	}
	if len(names) <= m.opts.Keep {
		return nil
	}

	current, err := m.Current(ctx)
	if err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		return err
	}

	for _, name := range names[:len(names)-m.opts.Keep] {
		if name == current {
			continue
		}
		if err := m.store.Delete(ctx, name); err != nil {
			return fmt.Errorf("prune %s: %w", name, err)
		}
	}
	return nil
}
