// Package reprocess replays stored logs through a freshly built fiber
// processor, letting an operator recorrelate history after a fiber
// type definition changes. It mirrors the teacher's long-running
// background-job idiom (taskManager) rather than a one-shot CLI loop:
// progress lives behind a mutex so an HTTP status endpoint can poll it
// while the replay runs on its own goroutine.
package reprocess

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aiguy110/noil/internal/config"
	"github.com/aiguy110/noil/internal/fiber"
	"github.com/aiguy110/noil/internal/repository"
	"github.com/aiguy110/noil/pkg/log"
	"github.com/aiguy110/noil/pkg/schema"
)

// batchSize is the page size used when walking stored logs for
// reprocessing, matching the teacher-adjacent original's paging.
const batchSize = 1000

// progressReportInterval is how many logs are processed between
// progress snapshot updates.
const progressReportInterval = 100

// ErrCancelled is returned by Run when the caller cancels a
// reprocessing job in progress via State.Cancel.
var ErrCancelled = errors.New("reprocessing cancelled")

// Status is the lifecycle state of a reprocessing job.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Progress reports how far a reprocessing job has gotten.
type Progress struct {
	LogsProcessed      int `json:"logs_processed"`
	LogsTotal          int `json:"logs_total"`
	FibersCreated      int `json:"fibers_created"`
	MembershipsWritten int `json:"memberships_written"`
}

// TimeRange bounds the logs a reprocessing job considers. A nil
// TimeRange means "every stored log regardless of timestamp".
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// State tracks one reprocessing job's lifecycle and progress. It is
// safe for concurrent use: Run mutates it from the worker goroutine
// while a status handler reads Snapshot from request goroutines.
type State struct {
	mu sync.RWMutex

	taskID          string
	startedAt       time.Time
	status          Status
	failureReason   string
	configVersion   uint64
	timeRange       *TimeRange
	clearOldResults bool
	progress        Progress

	cancelled bool
}

// NewState builds a State in StatusRunning, ready to pass to Run.
func NewState(taskID string, configVersion uint64, timeRange *TimeRange, clearOldResults bool) *State {
	return &State{
		taskID:          taskID,
		startedAt:       time.Now().UTC(),
		status:          StatusRunning,
		configVersion:   configVersion,
		timeRange:       timeRange,
		clearOldResults: clearOldResults,
	}
}

// Snapshot is a point-in-time, read-only copy of a State for status
// reporting.
type Snapshot struct {
	TaskID          string    `json:"task_id"`
	StartedAt       time.Time `json:"started_at"`
	Status          Status    `json:"status"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	ConfigVersion   uint64    `json:"config_version"`
	ClearOldResults bool      `json:"clear_old_results"`
	Progress        Progress  `json:"progress"`
}

// Snapshot returns the current state under a read lock.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		TaskID:          s.taskID,
		StartedAt:       s.startedAt,
		Status:          s.status,
		FailureReason:   s.failureReason,
		ConfigVersion:   s.configVersion,
		ClearOldResults: s.clearOldResults,
		Progress:        s.progress,
	}
}

// Cancel requests cooperative cancellation. Run checks this between
// batches and stops with ErrCancelled; it does not interrupt
// in-flight storage calls.
func (s *State) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
}

func (s *State) isCancelled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancelled
}

func (s *State) setStatus(status Status, failureReason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.failureReason = failureReason
}

func (s *State) updateProgress(p Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = p
}

// Run replays every stored log matching timeRange through a fresh
// fiber processor built from cfg, writing new fibers, fiber updates,
// and memberships back to storage as it goes. If clearOldResults is
// set, existing fibers and memberships tagged with configVersion are
// deleted first so the replay starts from a clean slate.
//
// Run drives state's lifecycle directly: StatusRunning on entry,
// StatusCompleted on success, StatusFailed with a reason on error, or
// StatusCancelled if state.Cancel was called mid-run. Callers
// typically launch Run on its own goroutine and poll state.Snapshot
// from an HTTP handler.
func Run(ctx context.Context, storage repository.Storage, cfg *config.Config, configVersion uint64, timeRange *TimeRange, clearOldResults bool, state *State) error {
	if err := run(ctx, storage, cfg, configVersion, timeRange, clearOldResults, state); err != nil {
		if errors.Is(err, ErrCancelled) {
			state.setStatus(StatusCancelled, "")
		} else {
			state.setStatus(StatusFailed, err.Error())
		}
		return err
	}
	state.setStatus(StatusCompleted, "")
	return nil
}

func run(ctx context.Context, storage repository.Storage, cfg *config.Config, configVersion uint64, timeRange *TimeRange, clearOldResults bool, state *State) error {
	var rangeStart, rangeEnd *time.Time
	if timeRange != nil {
		rangeStart, rangeEnd = &timeRange.Start, &timeRange.End
	}

	if clearOldResults {
		deletedMemberships, err := storage.DeleteFiberMemberships(ctx, configVersion, rangeStart, rangeEnd)
		if err != nil {
			return fmt.Errorf("deleting old fiber memberships: %w", err)
		}
		deletedFibers, err := storage.DeleteFibers(ctx, configVersion)
		if err != nil {
			return fmt.Errorf("deleting old fibers: %w", err)
		}
		log.Infof("reprocessing: cleared %d memberships and %d fibers for config version %d", deletedMemberships, deletedFibers, configVersion)
	}

	typeConfigs, err := buildTypeConfigs(cfg)
	if err != nil {
		return fmt.Errorf("building fiber type configs: %w", err)
	}
	processor, err := fiber.NewFiberProcessor(typeConfigs, configVersion)
	if err != nil {
		return fmt.Errorf("building fiber processor: %w", err)
	}

	progress := Progress{}
	totalProcessed := 0
	offset := 0
	for {
		if state.isCancelled() {
			return ErrCancelled
		}

		logs, err := storage.QueryLogsForReprocessing(ctx, rangeStart, rangeEnd, batchSize, offset)
		if err != nil {
			return fmt.Errorf("querying logs for reprocessing: %w", err)
		}
		if len(logs) == 0 {
			break
		}

		for _, stored := range logs {
			record := schema.LogRecord{
				ID:        stored.LogID,
				Timestamp: stored.Timestamp,
				SourceID:  stored.SourceID,
				RawText:   stored.RawText,
			}
			results := processor.ProcessLog(record)
			if err := writeResults(ctx, storage, results, &progress); err != nil {
				return err
			}

			totalProcessed++
			if totalProcessed%progressReportInterval == 0 {
				progress.LogsProcessed = totalProcessed
				state.updateProgress(progress)
			}
		}

		offset += len(logs)
	}

	flushed := processor.Flush()
	if err := writeResults(ctx, storage, flushed, &progress); err != nil {
		return err
	}

	progress.LogsProcessed = totalProcessed
	progress.LogsTotal = totalProcessed
	state.updateProgress(progress)

	return nil
}

func writeResults(ctx context.Context, storage repository.Storage, results []fiber.ProcessResult, progress *Progress) error {
	for _, result := range results {
		for _, f := range result.NewFibers {
			if err := storage.WriteFiber(ctx, f); err != nil {
				return fmt.Errorf("writing new fiber: %w", err)
			}
			progress.FibersCreated++
		}
		for _, f := range result.UpdatedFibers {
			if err := storage.UpdateFiber(ctx, f); err != nil {
				return fmt.Errorf("updating fiber: %w", err)
			}
		}
		if len(result.Memberships) > 0 {
			if err := storage.WriteMemberships(ctx, result.Memberships); err != nil {
				return fmt.Errorf("writing memberships: %w", err)
			}
			progress.MembershipsWritten += len(result.Memberships)
		}
	}
	return nil
}

// buildTypeConfigs resolves every configured fiber type, plus (when
// cfg.AutoSourceFibers is set) a synthetic source-tracking fiber type
// per source not already covered by an explicit fiber type.
func buildTypeConfigs(cfg *config.Config) (map[string]fiber.TypeConfig, error) {
	typeConfigs := make(map[string]fiber.TypeConfig, len(cfg.FiberTypes))
	for name := range cfg.FiberTypes {
		ftc, err := cfg.ToFiberTypeConfig(name, false)
		if err != nil {
			return nil, err
		}
		typeConfigs[name] = ftc
	}

	if cfg.AutoSourceFibers {
		covered := make(map[string]bool)
		for _, tc := range typeConfigs {
			for sourceID := range tc.Sources {
				covered[sourceID] = true
			}
		}
		for sourceID := range cfg.Sources {
			if covered[sourceID] {
				continue
			}
			if _, exists := typeConfigs[sourceID]; exists {
				continue
			}
			typeConfigs[sourceID] = fiber.AutoSourceFiberConfig(sourceID)
		}
	}

	return typeConfigs, nil
}
