package checkpoint

import (
	"context"
	"time"

	"github.com/aiguy110/noil/pkg/log"
	"github.com/aiguy110/noil/pkg/schema"
	"github.com/go-co-op/gocron/v2"
)

// RegisterSaveJob schedules a periodic gocron job that asks snapshot
// for the current runtime state and saves it, mirroring the teacher's
// taskManager registration idiom (s.NewJob(gocron.DurationJob(d),
// gocron.NewTask(...))). snapshot is called fresh on every tick so the
// checkpoint always reflects the latest sequencer/source/fiber state.
func RegisterSaveJob(s gocron.Scheduler, interval time.Duration, manager *Manager, snapshot func() schema.Checkpoint) error {
	_, err := s.NewJob(gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := manager.Save(context.Background(), snapshot()); err != nil {
				log.Errorf("checkpoint save failed: %s", err.Error())
			}
		}))
	return err
}

// RegisterCollectorSaveJob is RegisterSaveJob for the collector-mode checkpoint.
func RegisterCollectorSaveJob(s gocron.Scheduler, interval time.Duration, manager *Manager, snapshot func() schema.CollectorCheckpoint) error {
	_, err := s.NewJob(gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := manager.SaveCollector(context.Background(), snapshot()); err != nil {
				log.Errorf("collector checkpoint save failed: %s", err.Error())
			}
		}))
	return err
}

// RegisterParentSaveJob is RegisterSaveJob for the parent-mode checkpoint.
func RegisterParentSaveJob(s gocron.Scheduler, interval time.Duration, manager *Manager, snapshot func() schema.ParentCheckpoint) error {
	_, err := s.NewJob(gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := manager.SaveParent(context.Background(), snapshot()); err != nil {
				log.Errorf("parent checkpoint save failed: %s", err.Error())
			}
		}))
	return err
}

// RegisterBufferCompactJob schedules a periodic job that compacts a
// batch buffer, dropping fully-acknowledged batches the retention
// policy no longer needs. Runs at the same cadence as the checkpoint
// save job by convention, but is registered independently so callers
// can give it its own interval.
func RegisterBufferCompactJob(s gocron.Scheduler, interval time.Duration, compact func() int) error {
	_, err := s.NewJob(gocron.DurationJob(interval),
		gocron.NewTask(func() {
			n := compact()
			if n > 0 {
				log.Debugf("buffer compact removed %d batches", n)
			}
		}))
	return err
}
