// Package standalone runs noil as a single process: every configured
// source is tailed locally, merged through a local sequencer, and run
// through the fiber-correlation pipeline shared with parent mode. It
// has no collector/parent split — the mode to reach for when log
// volume and source count fit on one host.
package standalone

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aiguy110/noil/internal/checkpoint"
	"github.com/aiguy110/noil/internal/config"
	"github.com/aiguy110/noil/internal/fiber"
	"github.com/aiguy110/noil/internal/pipeline"
	"github.com/aiguy110/noil/internal/repository"
	"github.com/aiguy110/noil/internal/sequencer"
	"github.com/aiguy110/noil/internal/source"
	"github.com/aiguy110/noil/pkg/log"
	"github.com/aiguy110/noil/pkg/schema"
	"github.com/go-co-op/gocron/v2"
)

const defaultCheckpointInterval = 30 * time.Second

var sourceLog = log.Tagged(log.ComponentSource)

// sourceState tracks one source's watermark, active status, and last
// checkpoint, shared between the read-loop goroutine that exclusively
// owns the source.Reader and the checkpoint-snapshot goroutine that
// reports on it. Mirrors collector mode's sourceState: source.Reader
// is not safe for concurrent use, so only the owning goroutine ever
// touches it.
type sourceState struct {
	mu         sync.Mutex
	reader     *source.Reader
	sourceID   string
	active     bool
	checkpoint schema.SourceCheckpoint
}

func (s *sourceState) checkpointSnapshot() schema.SourceCheckpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint
}

// Runner wires every configured source through a local sequencer and
// the shared processor/writer pipeline, with no collector/parent
// split and no HTTP API.
type Runner struct {
	cfg           *config.Config
	configVersion uint64
	storage       repository.Storage
}

// NewRunner builds a Runner from cfg.
func NewRunner(cfg *config.Config, configVersion uint64, storage repository.Storage) (*Runner, error) {
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("standalone mode requires at least one configured source")
	}
	return &Runner{cfg: cfg, configVersion: configVersion, storage: storage}, nil
}

// Run starts every source read-loop and the merge/process/write
// pipeline, and blocks until every source reaches EOF (non-following
// sources) or ctx is cancelled. On return it drains in-flight records
// through the pipeline and saves a final checkpoint.
func (r *Runner) Run(ctx context.Context) error {
	log.Info("starting standalone mode")

	if err := r.storage.InitSchema(ctx); err != nil {
		return fmt.Errorf("initializing storage schema: %w", err)
	}

	checkpointInterval := defaultCheckpointInterval
	if r.cfg.Pipeline.Checkpoint.Enabled && r.cfg.Pipeline.Checkpoint.IntervalSeconds > 0 {
		checkpointInterval = time.Duration(r.cfg.Pipeline.Checkpoint.IntervalSeconds) * time.Second
	}
	ckptMgr := checkpoint.NewManager(r.storage, checkpointInterval)

	ckpt, err := ckptMgr.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}
	if closed, err := ckptMgr.CloseOrphanedFibers(ctx, ckpt); err != nil {
		return fmt.Errorf("closing orphaned fibers: %w", err)
	} else if closed > 0 {
		log.Infof("closed %d fiber(s) orphaned by an unclean shutdown", closed)
	}

	typeConfigs, err := buildTypeConfigs(r.cfg)
	if err != nil {
		return fmt.Errorf("building fiber type configs: %w", err)
	}
	processor, err := fiber.NewFiberProcessor(typeConfigs, r.configVersion)
	if err != nil {
		return fmt.Errorf("building fiber processor: %w", err)
	}
	if ckpt != nil {
		processor.Restore(ckpt.FiberProcessors)
	}

	safetyMargin := time.Duration(0)
	if r.cfg.Sequencer.WatermarkSafetyMargin.Value != nil {
		safetyMargin = *r.cfg.Sequencer.WatermarkSafetyMargin.Value
	}
	sourceIDs := make([]string, 0, len(r.cfg.Sources))
	for sourceID := range r.cfg.Sources {
		sourceIDs = append(sourceIDs, sourceID)
	}
	seq := sequencer.New(sourceIDs, safetyMargin)
	if ckpt != nil {
		seq.Restore(ckpt.Sequencer)
	}

	states := make(map[string]*sourceState, len(r.cfg.Sources))
	for sourceID := range r.cfg.Sources {
		readerCfg, err := r.cfg.ToSourceReaderConfig(sourceID)
		if err != nil {
			return err
		}

		var priorOffset *schema.SourceCheckpoint
		if ckpt != nil {
			if sc, ok := ckpt.Sources[sourceID]; ok {
				priorOffset = &sc
			}
		}

		parseErrStrategy := source.ParseErrorStrategy(r.cfg.Pipeline.Errors.OnParseError)

		var reader *source.Reader
		if priorOffset != nil {
			reader, err = source.NewWithOffset(sourceID, readerCfg, parseErrStrategy, priorOffset.Offset)
		} else {
			reader, err = source.New(sourceID, readerCfg, parseErrStrategy)
		}
		if err != nil {
			return fmt.Errorf("building source reader %s: %w", sourceID, err)
		}

		states[sourceID] = &sourceState{reader: reader, sourceID: sourceID, active: true, checkpoint: reader.Checkpoint()}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sourceWg sync.WaitGroup
	for sourceID, st := range states {
		sourceWg.Add(1)
		go r.runSourceLoop(runCtx, &sourceWg, sourceID, st, seq)
	}

	mergeCh := make(chan schema.LogRecord, pipeline.ChannelBufferSize(r.cfg.Pipeline.Backpressure))
	var mergeWg sync.WaitGroup
	mergeWg.Add(1)
	go r.runMerger(runCtx, &mergeWg, states, seq, mergeCh)

	processorOut := make(chan fiber.ProcessResult, pipeline.ChannelBufferSize(r.cfg.Pipeline.Backpressure))
	var pipelineWg sync.WaitGroup
	pipelineWg.Add(2)
	processorErrCh := make(chan error, 1)
	writerErrCh := make(chan error, 1)
	go func() {
		defer pipelineWg.Done()
		processorErrCh <- pipeline.RunProcessor(runCtx, mergeCh, processorOut, processor, r.storage, r.cfg.Storage, r.configVersion)
	}()
	go func() {
		defer pipelineWg.Done()
		writerErrCh <- pipeline.RunWriter(runCtx, processorOut, r.storage, r.cfg.Storage)
	}()

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	snapshot := func() schema.Checkpoint {
		sources := make(map[string]schema.SourceCheckpoint, len(states))
		for id, st := range states {
			sources[id] = st.checkpointSnapshot()
		}
		return schema.Checkpoint{
			Version:         schema.CheckpointVersion,
			Timestamp:       time.Now().UTC(),
			ConfigVersion:   r.configVersion,
			Sources:         sources,
			Sequencer:       seq.Checkpoint(),
			FiberProcessors: processor.Checkpoint(),
		}
	}
	if err := checkpoint.RegisterSaveJob(sched, checkpointInterval, ckptMgr, snapshot); err != nil {
		return fmt.Errorf("registering checkpoint job: %w", err)
	}
	sched.Start()
	defer sched.Shutdown()

	// Standalone mode exits naturally once every non-following source
	// hits EOF and the pipeline has drained, as well as on cancellation;
	// runMerger detects the all-sources-done case itself and closes
	// mergeCh, which propagates the shutdown through the rest below.
	doneCh := make(chan struct{})
	go func() {
		sourceWg.Wait()
		mergeWg.Wait()
		pipelineWg.Wait()
		close(doneCh)
	}()

	select {
	case <-runCtx.Done():
	case <-doneCh:
		cancel()
	}

	sourceWg.Wait()
	mergeWg.Wait()
	pipelineWg.Wait()

	if err := ckptMgr.Save(context.Background(), snapshot()); err != nil {
		log.Errorf("saving final checkpoint: %s", err.Error())
	}

	if err := <-processorErrCh; err != nil {
		return fmt.Errorf("processor: %w", err)
	}
	if err := <-writerErrCh; err != nil {
		return fmt.Errorf("writer: %w", err)
	}
	log.Info("standalone mode shutdown complete")
	return nil
}

// runSourceLoop tails one source, pushing every record into seq, until
// ctx is cancelled or the source reaches EOF in non-following mode.
func (r *Runner) runSourceLoop(ctx context.Context, wg *sync.WaitGroup, sourceID string, st *sourceState, seq *sequencer.Sequencer) {
	defer wg.Done()
	defer func() {
		st.mu.Lock()
		st.active = false
		st.mu.Unlock()
		seq.MarkSourceDone(sourceID)
		st.reader.Close()
	}()

	for {
		rec, ok, err := st.reader.NextRecord(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sourceLog.Errorf("%s: read error: %s", sourceID, err.Error())
			return
		}
		if !ok {
			return
		}

		seq.Push(rec)

		wm, _ := st.reader.Watermark()
		cp := st.reader.Checkpoint()
		st.mu.Lock()
		st.checkpoint = cp
		st.mu.Unlock()
		seq.UpdateWatermark(sourceID, wm)
	}
}

// runMerger periodically drains everything EmitReady yields from seq
// and forwards it to out. It exits once every source is done and the
// sequencer has been fully flushed, or ctx is cancelled.
func (r *Runner) runMerger(ctx context.Context, wg *sync.WaitGroup, states map[string]*sourceState, seq *sequencer.Sequencer, out chan<- schema.LogRecord) {
	defer wg.Done()
	defer close(out)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	emit := func(records []schema.LogRecord) {
		for _, rec := range records {
			select {
			case out <- rec:
			case <-ctx.Done():
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			emit(seq.FlushAll())
			return
		case <-ticker.C:
			emit(seq.EmitReady())

			allDone := true
			for _, st := range states {
				st.mu.Lock()
				active := st.active
				st.mu.Unlock()
				if active {
					allDone = false
					break
				}
			}
			if allDone && seq.AllSourcesDone() {
				emit(seq.FlushAll())
				return
			}
		}
	}
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
