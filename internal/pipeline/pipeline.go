// Package pipeline runs the two stages shared by standalone and
// parent-mode processing: a processor stage that writes raw logs to
// storage and runs them through a fiber processor, and a writer stage
// that persists the resulting fibers and memberships. Collector mode
// does not use this package — it batches raw logs for a parent to pull
// rather than correlating them itself.
package pipeline

import (
	"context"
	"time"

	"github.com/aiguy110/noil/internal/config"
	"github.com/aiguy110/noil/internal/fiber"
	"github.com/aiguy110/noil/internal/repository"
	"github.com/aiguy110/noil/pkg/log"
	"github.com/aiguy110/noil/pkg/schema"
)

// ChannelBufferSize returns the channel capacity to use for a stage
// gated by cfg, falling back to a sane default when the document
// leaves buffer_limit at its zero value.
func ChannelBufferSize(cfg config.BackpressureConfig) int {
	if cfg.BufferLimit > 0 {
		return cfg.BufferLimit
	}
	return 10000
}

// RunProcessor reads log records from in until it closes or ctx is
// cancelled, batching each into storage as a StoredLog and running it
// through processor, forwarding every non-empty ProcessResult to out.
// RunProcessor closes out before returning, and flushes processor's
// remaining open fibers as a final set of results once in is drained.
func RunProcessor(ctx context.Context, in <-chan schema.LogRecord, out chan<- fiber.ProcessResult, processor *fiber.FiberProcessor, storage repository.Storage, storageCfg config.StorageConfig, configVersion uint64) error {
	defer close(out)

	batchSize := storageCfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	flushInterval := time.Duration(storageCfg.FlushIntervalSeconds) * time.Second
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	logBatch := make([]schema.StoredLog, 0, batchSize)
	flush := func() {
		if len(logBatch) == 0 {
			return
		}
		if err := storage.WriteLogs(ctx, logBatch); err != nil {
			log.Errorf("pipeline: writing log batch failed: %s", err.Error())
		}
		logBatch = logBatch[:0]
	}

	emit := func(results []fiber.ProcessResult) {
		for _, result := range results {
			if isEmptyResult(result) {
				continue
			}
			select {
			case out <- result:
			case <-ctx.Done():
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			emit(processor.Flush())
			return nil
		case <-ticker.C:
			flush()
		case rec, ok := <-in:
			if !ok {
				flush()
				emit(processor.Flush())
				return nil
			}

			logBatch = append(logBatch, schema.StoredLog{
				LogID:         rec.ID,
				Timestamp:     rec.Timestamp,
				SourceID:      rec.SourceID,
				RawText:       rec.RawText,
				IngestionTime: time.Now().UTC(),
				ConfigVersion: configVersion,
			})
			if len(logBatch) >= batchSize {
				flush()
			}

			emit(processor.ProcessLog(rec))
		}
	}
}

func isEmptyResult(r fiber.ProcessResult) bool {
	return len(r.Memberships) == 0 && len(r.NewFibers) == 0 && len(r.UpdatedFibers) == 0 && len(r.ClosedFiberIDs) == 0
}

// RunWriter reads ProcessResults from in until it closes or ctx is
// cancelled, writing new and updated fibers immediately and batching
// memberships for periodic/size-triggered flush.
func RunWriter(ctx context.Context, in <-chan fiber.ProcessResult, storage repository.Storage, storageCfg config.StorageConfig) error {
	batchSize := storageCfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	flushInterval := time.Duration(storageCfg.FlushIntervalSeconds) * time.Second
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	membershipBatch := make([]schema.FiberMembership, 0, batchSize)
	flush := func() {
		if len(membershipBatch) == 0 {
			return
		}
		if err := storage.WriteMemberships(ctx, membershipBatch); err != nil {
			log.Errorf("pipeline: writing membership batch failed: %s", err.Error())
		}
		membershipBatch = membershipBatch[:0]
	}

	apply := func(result fiber.ProcessResult) {
		for _, f := range result.NewFibers {
			if err := storage.WriteFiber(ctx, f); err != nil {
				log.Errorf("pipeline: writing new fiber %s failed: %s", f.FiberID, err.Error())
			}
		}
		for _, f := range result.UpdatedFibers {
			if err := storage.UpdateFiber(ctx, f); err != nil {
				log.Errorf("pipeline: updating fiber %s failed: %s", f.FiberID, err.Error())
			}
		}
		for _, id := range result.ClosedFiberIDs {
			f, err := storage.GetFiber(ctx, id)
			if err != nil || f == nil {
				continue
			}
			f.Closed = true
			if err := storage.UpdateFiber(ctx, *f); err != nil {
				log.Errorf("pipeline: closing fiber %s failed: %s", id, err.Error())
			}
		}

		membershipBatch = append(membershipBatch, result.Memberships...)
		if len(membershipBatch) >= batchSize {
			flush()
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return nil
		case <-ticker.C:
			flush()
		case result, ok := <-in:
			if !ok {
				flush()
				return nil
			}
			apply(result)
		}
	}
}
