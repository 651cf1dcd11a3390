package parent

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
	"github.com/aiguy110/noil/pkg/log"
	"github.com/aiguy110/noil/pkg/schema"
	"github.com/go-co-op/gocron/v2"
)

const (
	defaultParentCheckpointInterval = 30 * time.Second
	ackFlushInterval                = 5 * time.Second
	ackMaxRetries                   = 3
	streamPollErrorBackoff          = 5 * time.Second
)

var parentLog = log.Tagged(log.ComponentParent)

// ackState tracks, per collector, the sequence numbers seen but not
// yet acknowledged and the last sequence/watermark observed — the
// state a periodic task flushes to each collector and a checkpoint job
// persists to storage. Safe for concurrent use.
type ackState struct {
	mu          sync.Mutex
	pending     map[string][]uint64
	checkpoints map[string]schema.CollectorSequencerCheckpoint
}

func newAckState(seed map[string]schema.CollectorSequencerCheckpoint) *ackState {
	checkpoints := make(map[string]schema.CollectorSequencerCheckpoint, len(seed))
	for k, v := range seed {
		checkpoints[k] = v
	}
	return &ackState{pending: make(map[string][]uint64), checkpoints: checkpoints}
}

func (a *ackState) queueAck(collectorID string, seq uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[collectorID] = append(a.pending[collectorID], seq)
}

func (a *ackState) updateSequence(collectorID string, seq uint64, watermark *time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := a.checkpoints[collectorID]
	cp.CollectorID = collectorID
	cp.LastSequence = seq
	if watermark != nil {
		cp.Watermark = watermark
	}
	a.checkpoints[collectorID] = cp
}

func (a *ackState) takePending() map[string][]uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	taken := a.pending
	a.pending = make(map[string][]uint64)
	return taken
}

func (a *ackState) requeue(collectorID string, seqs []uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[collectorID] = append(a.pending[collectorID], seqs...)
}

func (a *ackState) markAcknowledged(collectorID string, maxSeq uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := a.checkpoints[collectorID]
	cp.CollectorID = collectorID
	cp.LastAcknowledgedSequence = maxSeq
	a.checkpoints[collectorID] = cp
}

func (a *ackState) snapshot() map[string]schema.CollectorSequencerCheckpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]schema.CollectorSequencerCheckpoint, len(a.checkpoints))
	for k, v := range a.checkpoints {
		out[k] = v
	}
	return out
}

// Runner polls every configured collector, merges their batches
// through a hierarchical sequencer, and runs the merged stream through
// the fiber-correlation pipeline shared with standalone mode.
type Runner struct {
	cfg           *config.Config
	remoteCfg     *config.RemoteCollectorsConfig
	configVersion uint64
	storage       repository.Storage
}

// NewRunner builds a Runner from cfg, which must carry a non-nil
// RemoteCollectors section.
func NewRunner(cfg *config.Config, configVersion uint64, storage repository.Storage) (*Runner, error) {
	if cfg.RemoteCollectors == nil {
		return nil, fmt.Errorf("parent mode requires a remote_collectors config section")
	}
	if len(cfg.RemoteCollectors.Endpoints) == 0 {
		return nil, fmt.Errorf("no collectors configured")
	}
	return &Runner{cfg: cfg, remoteCfg: cfg.RemoteCollectors, configVersion: configVersion, storage: storage}, nil
}

// Run polls every configured collector, feeds their merged stream
// through the fiber pipeline, and blocks until ctx is cancelled. On
// cancellation it drains in-flight records through the pipeline,
// flushes pending acknowledgments, and saves a final checkpoint before
// returning.
func (r *Runner) Run(ctx context.Context) error {
	parentLog.Info("starting parent mode")

	if err := r.storage.InitSchema(ctx); err != nil {
		return fmt.Errorf("initializing storage schema: %w", err)
	}

	checkpointInterval := defaultParentCheckpointInterval
	if r.cfg.Pipeline.Checkpoint.Enabled && r.cfg.Pipeline.Checkpoint.IntervalSeconds > 0 {
		checkpointInterval = time.Duration(r.cfg.Pipeline.Checkpoint.IntervalSeconds) * time.Second
	}
	ckptMgr := checkpoint.NewManager(r.storage, checkpointInterval)

	ckpt, err := ckptMgr.LoadParent(ctx)
	if err != nil {
		return fmt.Errorf("loading parent checkpoint: %w", err)
	}

	var priorCollectors map[string]schema.CollectorSequencerCheckpoint
	if ckpt != nil {
		priorCollectors = ckpt.Collectors
		parentLog.Infof("restored parent checkpoint with %d collectors", len(priorCollectors))
	}
	acks := newAckState(priorCollectors)

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
	seq := sequencer.NewHierarchical(safetyMargin)
	if ckpt != nil {
		seq.Restore(ckpt.Sequencer)
	}

	streams := make([]*Stream, 0, len(r.remoteCfg.Endpoints))
	for _, endpoint := range r.remoteCfg.Endpoints {
		client, err := NewClient(endpoint)
		if err != nil {
			return fmt.Errorf("building client for collector %s: %w", endpoint.ID, err)
		}
		stream := NewStream(client)

		if prior, ok := priorCollectors[endpoint.ID]; ok {
			parentLog.Infof("resuming collector %s from last acknowledged sequence %d", endpoint.ID, prior.LastAcknowledgedSequence)
			stream.ResetToSequence(prior.LastAcknowledgedSequence)
		}
		streams = append(streams, stream)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	recordCh := make(chan schema.LogRecord, pipeline.ChannelBufferSize(r.remoteCfg.Backpressure))
	var pollWg sync.WaitGroup
	for _, stream := range streams {
		pollWg.Add(1)
		go r.pollCollector(runCtx, &pollWg, stream, seq, acks, recordCh)
	}

	mergeCh := make(chan schema.LogRecord, pipeline.ChannelBufferSize(r.remoteCfg.Backpressure))
	var mergeWg sync.WaitGroup
	mergeWg.Add(1)
	go r.runMerger(runCtx, &mergeWg, recordCh, seq, mergeCh)

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

	var ackWg sync.WaitGroup
	ackWg.Add(1)
	go r.runAckFlusher(runCtx, &ackWg, acks)

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	snapshot := func() schema.ParentCheckpoint {
		return schema.ParentCheckpoint{
			Version:         schema.ParentCheckpointVersion,
			Timestamp:       time.Now().UTC(),
			ConfigVersion:   r.configVersion,
			Collectors:      acks.snapshot(),
			Sequencer:       seq.Checkpoint(),
			FiberProcessors: processor.Checkpoint(),
		}
	}
	if err := checkpoint.RegisterParentSaveJob(sched, checkpointInterval, ckptMgr, snapshot); err != nil {
		return fmt.Errorf("registering checkpoint job: %w", err)
	}
	sched.Start()
	defer sched.Shutdown()

	<-runCtx.Done()
	parentLog.Info("parent mode draining in-flight logs before shutdown")

	pollWg.Wait()
	close(recordCh)
	mergeWg.Wait()
	pipelineWg.Wait()
	ackWg.Wait()

	flushPendingAcks(context.Background(), r.remoteCfg.Endpoints, acks)

	if err := ckptMgr.SaveParent(context.Background(), snapshot()); err != nil {
		parentLog.Errorf("saving final parent checkpoint: %s", err.Error())
	}

	if err := <-processorErrCh; err != nil {
		return fmt.Errorf("processor: %w", err)
	}
	if err := <-writerErrCh; err != nil {
		return fmt.Errorf("writer: %w", err)
	}
	parentLog.Info("parent mode shutdown complete")
	return nil
}

// pollCollector periodically fetches new batches from one collector,
// forwards their logs into the sequencer and recordCh, and queues an
// acknowledgment for each fetch's highest sequence number. It owns
// stream exclusively: nothing else may call into it.
func (r *Runner) pollCollector(ctx context.Context, wg *sync.WaitGroup, stream *Stream, seq *sequencer.Hierarchical, acks *ackState, recordCh chan<- schema.LogRecord) {
	defer wg.Done()
	collectorID := stream.CollectorID()
	parentLog.Infof("collector stream %s: polling started", collectorID)

	pollInterval := r.remoteCfg.PollInterval.Value
	interval := time.Second
	if pollInterval != nil {
		interval = *pollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastAcked := uint64(0)
	haveAcked := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		fetched, err := stream.FetchNewLogs(ctx)
		if err != nil {
			parentLog.Errorf("collector stream %s: fetch failed: %s", collectorID, err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(streamPollErrorBackoff):
			}
			continue
		}
		if fetched == 0 {
			continue
		}

		currentSeq := stream.LastSequence()
		if !haveAcked || currentSeq != lastAcked {
			acks.queueAck(collectorID, currentSeq)
			wm, ok := stream.Watermark()
			var wmPtr *time.Time
			if ok {
				wmPtr = &wm
			}
			acks.updateSequence(collectorID, currentSeq, wmPtr)
			lastAcked = currentSeq
			haveAcked = true
		}

		for {
			rec, ok := stream.PopQueuedRecord()
			if !ok {
				break
			}
			select {
			case recordCh <- rec:
			case <-ctx.Done():
				return
			}
		}

		if wm, ok := stream.WatermarkWithGeneration(); ok {
			seq.UpdateWatermark(collectorID, wm)
		}
	}
}

// runMerger feeds every record read from recordCh into seq and forwards
// whatever EmitReady yields to out, polling on a short tick the way the
// collector-mode merger does. It exits once recordCh closes and the
// sequencer is fully flushed.
func (r *Runner) runMerger(ctx context.Context, wg *sync.WaitGroup, recordCh <-chan schema.LogRecord, seq *sequencer.Hierarchical, out chan<- schema.LogRecord) {
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
		case rec, ok := <-recordCh:
			if !ok {
				emit(seq.FlushAll())
				return
			}
			seq.Push(rec)
		case <-ticker.C:
			emit(seq.EmitReady())
		}
	}
}

// runAckFlusher periodically flushes pending acknowledgments to every
// collector until ctx is cancelled.
func (r *Runner) runAckFlusher(ctx context.Context, wg *sync.WaitGroup, acks *ackState) {
	defer wg.Done()

	ticker := time.NewTicker(ackFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flushPendingAcks(ctx, r.remoteCfg.Endpoints, acks)
		}
	}
}

// flushPendingAcks sends every collector's queued sequence numbers in
// one acknowledge call each, requeueing on failure so the next flush
// retries them.
func flushPendingAcks(ctx context.Context, endpoints []config.RemoteCollectorEndpoint, acks *ackState) {
	toSend := acks.takePending()
	if len(toSend) == 0 {
		return
	}

	byID := make(map[string]config.RemoteCollectorEndpoint, len(endpoints))
	for _, e := range endpoints {
		byID[e.ID] = e
	}

	for collectorID, seqs := range toSend {
		if len(seqs) == 0 {
			continue
		}
		endpoint, ok := byID[collectorID]
		if !ok {
			parentLog.Warnf("collector %s: no endpoint configured, dropping %d pending acks", collectorID, len(seqs))
			continue
		}

		client, err := NewClient(endpoint)
		if err != nil {
			parentLog.Errorf("collector %s: building client for ack flush failed: %s", collectorID, err.Error())
			acks.requeue(collectorID, seqs)
			continue
		}

		err = client.WithRetry(ctx, ackMaxRetries, func() error {
			_, err := client.Acknowledge(ctx, seqs)
			return err
		})
		if err != nil {
			parentLog.Errorf("collector %s: acknowledge failed after %d attempts: %s", collectorID, ackMaxRetries, err.Error())
			acks.requeue(collectorID, seqs)
			continue
		}

		maxSeq := seqs[0]
		for _, s := range seqs {
			if s > maxSeq {
				maxSeq = s
			}
		}
		acks.markAcknowledged(collectorID, maxSeq)
	}
}

// buildTypeConfigs resolves every configured fiber type. Unlike the
// standalone and reprocess versions it adds no synthetic auto-source
// fiber types: parent mode has no local source list, and
// cfg.AutoSourceFibers is not consulted here.
func buildTypeConfigs(cfg *config.Config) (map[string]fiber.TypeConfig, error) {
	typeConfigs := make(map[string]fiber.TypeConfig, len(cfg.FiberTypes))
	for name := range cfg.FiberTypes {
		ftc, err := cfg.ToFiberTypeConfig(name, false)
		if err != nil {
			return nil, err
		}
		typeConfigs[name] = ftc
	}
	return typeConfigs, nil
}
