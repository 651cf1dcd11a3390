// Package checkpoint serializes and restores runtime state — source
// offsets, sequencer watermarks, open fibers, collector/parent
// streaming state — across process restarts, and schedules periodic
// saves via gocron the same way the teacher schedules its background
// services.
package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/aiguy110/noil/internal/repository"
	"github.com/aiguy110/noil/pkg/log"
	"github.com/aiguy110/noil/pkg/schema"
	"github.com/google/uuid"
)

// Manager loads and periodically saves the runtime checkpoint. It is
// safe for concurrent use; Save/ShouldSave/ResetTimer share a mutex
// guarding the last-save timestamp.
type Manager struct {
	storage  repository.Storage
	interval time.Duration

	mu       sync.Mutex
	lastSave time.Time
}

// NewManager builds a Manager around the given storage backend, saving
// at most once per interval.
func NewManager(storage repository.Storage, interval time.Duration) *Manager {
	return &Manager{
		storage:  storage,
		interval: interval,
		lastSave: time.Now(),
	}
}

// Load returns the standalone-mode checkpoint, or nil if none exists
// or the stored checkpoint's version doesn't match schema.CheckpointVersion.
func (m *Manager) Load(ctx context.Context) (*schema.Checkpoint, error) {
	log.Info("Loading checkpoint from storage")

	cp, err := m.storage.LoadCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		log.Info("No checkpoint found in storage")
		return nil, nil
	}
	if cp.Version != schema.CheckpointVersion {
		log.Warnf("Checkpoint version mismatch: %d vs %d, ignoring checkpoint", cp.Version, schema.CheckpointVersion)
		return nil, nil
	}

	log.Infof("Loaded checkpoint from %s with config version %d", cp.Timestamp, cp.ConfigVersion)
	return cp, nil
}

// Save persists the standalone-mode checkpoint and resets the save timer.
func (m *Manager) Save(ctx context.Context, cp schema.Checkpoint) error {
	if err := m.storage.SaveCheckpoint(ctx, cp); err != nil {
		return err
	}
	m.ResetTimer()
	log.Debug("Checkpoint saved to storage")
	return nil
}

// ShouldSave reports whether at least interval has elapsed since the
// last successful save.
func (m *Manager) ShouldSave() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastSave) >= m.interval
}

// ResetTimer restarts the save-interval clock without performing a save.
func (m *Manager) ResetTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSave = time.Now()
}

// LoadCollector returns the collector-mode checkpoint, or nil if none
// exists or its version doesn't match.
func (m *Manager) LoadCollector(ctx context.Context) (*schema.CollectorCheckpoint, error) {
	log.Info("Loading collector checkpoint from storage")

	cp, err := m.storage.LoadCollectorCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		log.Info("No collector checkpoint found in storage")
		return nil, nil
	}
	if cp.Version != schema.CollectorCheckpointVersion {
		log.Warnf("Collector checkpoint version mismatch: %d vs %d, ignoring checkpoint", cp.Version, schema.CollectorCheckpointVersion)
		return nil, nil
	}

	log.Infof("Loaded collector checkpoint from %s with config version %d", cp.Timestamp, cp.ConfigVersion)
	return cp, nil
}

// SaveCollector persists the collector-mode checkpoint and resets the
// save timer.
func (m *Manager) SaveCollector(ctx context.Context, cp schema.CollectorCheckpoint) error {
	if err := m.storage.SaveCollectorCheckpoint(ctx, cp); err != nil {
		return err
	}
	m.ResetTimer()
	log.Debug("Collector checkpoint saved to storage")
	return nil
}

// LoadParent returns the parent-mode checkpoint, or nil if none exists
// or its version doesn't match.
func (m *Manager) LoadParent(ctx context.Context) (*schema.ParentCheckpoint, error) {
	log.Info("Loading parent checkpoint from storage")

	cp, err := m.storage.LoadParentCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		log.Info("No parent checkpoint found in storage")
		return nil, nil
	}
	if cp.Version != schema.ParentCheckpointVersion {
		log.Warnf("Parent checkpoint version mismatch: %d vs %d, ignoring checkpoint", cp.Version, schema.ParentCheckpointVersion)
		return nil, nil
	}

	log.Infof("Loaded parent checkpoint from %s with config version %d", cp.Timestamp, cp.ConfigVersion)
	return cp, nil
}

// SaveParent persists the parent-mode checkpoint and resets the save timer.
func (m *Manager) SaveParent(ctx context.Context, cp schema.ParentCheckpoint) error {
	if err := m.storage.SaveParentCheckpoint(ctx, cp); err != nil {
		return err
	}
	m.ResetTimer()
	log.Debug("Parent checkpoint saved to storage")
	return nil
}

// CloseOrphanedFibers closes every fiber row in storage marked open
// that is not named among the checkpoint's open fibers. Call this once
// at startup after Load, before the fiber processors built from the
// checkpoint start running: any fiber that was open when the process
// last wrote a checkpoint but doesn't reappear in it was lost to an
// unclean shutdown and can no longer be safely extended.
func (m *Manager) CloseOrphanedFibers(ctx context.Context, cp *schema.Checkpoint) (int, error) {
	open := make(map[uuid.UUID]struct{})
	if cp != nil {
		for _, fp := range cp.FiberProcessors {
			for _, of := range fp.OpenFibers {
				open[of.FiberID] = struct{}{}
			}
		}
	}
	return m.storage.CloseOrphanedFibers(ctx, open)
}
