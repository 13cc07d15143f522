package compaction

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kbr-scylla/scylladb-sub001/internal/errors"
	"github.com/kbr-scylla/scylladb-sub001/internal/model"
	"github.com/kbr-scylla/scylladb-sub001/internal/storage/sstable"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// SpaceChecker decides whether an output of the given size may be written
type SpaceChecker interface {
	CheckBeforeWrite(estimatedBytes uint64) error
}

// ExecutorConfig holds executor configuration
type ExecutorConfig struct {
	// ThroughputBytesPerSec limits output bytes per second; zero means unlimited
	ThroughputBytesPerSec int64
	// OpenConcurrency bounds how many inputs are opened in parallel
	OpenConcurrency int
}

// Executor runs compaction jobs: merge the inputs, write new fragments and
// publish them through the table's atomic replacement
type Executor struct {
	logger    *zap.Logger
	limiter   *rate.Limiter
	burst     int
	disk      SpaceChecker
	openLimit int
	now       func() time.Time
}

// NewExecutor creates an executor. disk may be nil to skip space checks.
func NewExecutor(cfg ExecutorConfig, disk SpaceChecker, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		logger:    logger,
		disk:      disk,
		openLimit: cfg.OpenConcurrency,
		now:       time.Now,
	}
	if e.openLimit <= 0 {
		e.openLimit = 8
	}
	if cfg.ThroughputBytesPerSec > 0 {
		e.burst = int(min(cfg.ThroughputBytesPerSec, 4*1024*1024))
		e.limiter = rate.NewLimiter(rate.Limit(cfg.ThroughputBytesPerSec), e.burst)
	}
	return e
}

// Job is one compaction in flight
type Job struct {
	ID         string
	Table      Table
	Descriptor Descriptor
	CreatedAt  time.Time

	aborted atomic.Bool
	mu      sync.Mutex
	status  model.CompactionStatus
}

// NewJob wraps a descriptor for execution against table
func NewJob(table Table, desc Descriptor) *Job {
	return &Job{
		ID:         fmt.Sprintf("%s-%s", desc.Type, uuid.NewString()[:8]),
		Table:      table,
		Descriptor: desc,
		CreatedAt:  time.Now(),
		status:     model.CompactionStatusPending,
	}
}

// Abort asks the job to stop at its next check point. An aborted job publishes
// nothing.
func (j *Job) Abort() {
	j.aborted.Store(true)
}

// Aborted reports whether Abort was called
func (j *Job) Aborted() bool {
	return j.aborted.Load()
}

// Status returns the job's state
func (j *Job) Status() model.CompactionStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) setStatus(s model.CompactionStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = s
}

// Result describes a completed job
type Result struct {
	Output             []*sstable.SSTable
	RunID              model.RunID
	BytesRead          int64
	BytesWritten       int64
	RowsWritten        int64
	TombstonesPurged   int64
	DuplicatesResolved int64
	Duration           time.Duration

	maxPurged int64
}

// sourceMonitor exposes the read progress of an input once it has been opened
type sourceMonitor struct {
	it atomic.Pointer[sstable.Iterator]
}

func (m *sourceMonitor) Compacted() int64 {
	if it := m.it.Load(); it != nil {
		return it.Compacted()
	}
	return 0
}

// Run executes the job. On any error nothing is published: the inputs stay
// live and every output written so far is removed. Run never retries.
func (e *Executor) Run(ctx context.Context, job *Job) (*Result, error) {
	desc := job.Descriptor
	table := job.Table
	if desc.Empty() {
		return nil, errors.InvalidArgument("compaction job has no input", nil)
	}
	logger := e.logger.With(
		zap.String("job_id", job.ID),
		zap.String("table", table.Name()),
		zap.String("type", string(desc.Type)))

	start := time.Now()
	job.setStatus(model.CompactionStatusRunning)
	result, err := e.run(ctx, job, logger)
	if err != nil {
		if errors.IsAborted(err) {
			job.setStatus(model.CompactionStatusAborted)
			logger.Info("Compaction aborted", zap.Error(err))
		} else {
			job.setStatus(model.CompactionStatusFailed)
			logger.Error("Compaction failed", zap.Error(err))
		}
		return nil, err
	}
	result.Duration = time.Since(start)
	job.setStatus(model.CompactionStatusCompleted)

	logger.Info("Compaction completed",
		zap.Int("input_sstables", len(desc.SSTables)),
		zap.Int("input_runs", desc.FanIn()),
		zap.Int("output_sstables", len(result.Output)),
		zap.Int64("bytes_read", result.BytesRead),
		zap.Int64("bytes_written", result.BytesWritten),
		zap.Int64("rows_written", result.RowsWritten),
		zap.Int64("tombstones_purged", result.TombstonesPurged),
		zap.Int64("duplicates_resolved", result.DuplicatesResolved),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (e *Executor) checkAbort(ctx context.Context, job *Job) error {
	if job.Aborted() {
		return errors.Aborted(job.ID, nil)
	}
	if err := ctx.Err(); err != nil {
		return errors.Aborted(job.ID, err)
	}
	return nil
}

func (e *Executor) run(ctx context.Context, job *Job, logger *zap.Logger) (*Result, error) {
	desc := job.Descriptor
	table := job.Table
	inputs := desc.SSTables
	if err := e.checkAbort(ctx, job); err != nil {
		return nil, err
	}

	// Inputs stay readable for the whole job even if a concurrent replacement
	// drops them from the live set
	for _, sst := range inputs {
		sst.Ref()
	}
	defer func() {
		for _, sst := range inputs {
			if err := sst.Unref(); err != nil {
				logger.Warn("Failed to remove released sstable", zap.Stringer("sstable", sst), zap.Error(err))
			}
		}
	}()

	live := table.LiveSet()
	for _, sst := range inputs {
		if !live.Contains(sst) {
			return nil, errors.PublishConflict(table.Name(), 1).
				WithDetail("generation", sst.Generation())
		}
	}

	if e.disk != nil {
		if err := e.disk.CheckBeforeWrite(uint64(desc.SSTablesSize())); err != nil {
			return nil, err
		}
	}

	monitors := make([]*sourceMonitor, len(inputs))
	readMonitors := make([]ReadMonitor, len(inputs))
	for i := range inputs {
		monitors[i] = &sourceMonitor{}
		readMonitors[i] = monitors[i]
	}
	release, err := table.Monitors().Claim(inputs, readMonitors)
	if err != nil {
		return nil, err
	}
	defer release()

	readers, err := e.openInputs(ctx, inputs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Aborted(job.ID, err)
		}
		return nil, err
	}
	defer func() {
		if err := sstable.CloseReaders(readers); err != nil {
			logger.Warn("Failed to close compaction inputs", zap.Error(err))
		}
	}()

	sources := make([]RowSource, len(readers))
	iterators := make([]*sstable.Iterator, len(readers))
	for i, r := range readers {
		iterators[i] = r.Iterator()
		monitors[i].it.Store(iterators[i])
		sources[i] = iterators[i]
	}

	// Tombstones may only be dropped when no other fragment can hold data they
	// shadow, which holds when the job consumes the whole live set. Memtables may
	// still hold older versions, so the purge point is bounded by their oldest row.
	purge := len(inputs) == live.Len()
	gcBefore := model.TimestampOf(e.now().Add(-table.GCGrace()))
	purgeBefore := min(gcBefore, table.MaxPurgeableTimestamp(inputs))

	out := &outputRun{
		table:    table,
		id:       model.NewRunID(),
		level:    desc.Level,
		shard:    desc.Shard,
		maxBytes: desc.MaxSSTableBytes,
	}
	if out.shard == KeepShard {
		out.shard = inputs[0].Shard()
	}
	if out.maxBytes <= 0 {
		out.maxBytes = UnboundedFragmentSize
	}
	// The output counts as an ongoing write until it is published or discarded
	unregister := table.Monitors().RegisterWrite(out)
	defer unregister()

	result, err := e.merge(ctx, job, sources, out, purge, purgeBefore)
	if err != nil {
		if discardErr := out.discard(); discardErr != nil {
			logger.Warn("Failed to discard partial compaction output", zap.Error(discardErr))
		}
		return nil, err
	}
	for _, it := range iterators {
		result.BytesRead += it.Compacted()
	}

	if err := e.checkAbort(ctx, job); err != nil {
		if discardErr := out.discard(); discardErr != nil {
			logger.Warn("Failed to discard compaction output", zap.Error(discardErr))
		}
		return nil, err
	}

	// Rows older than a purged tombstone may have been written while the job ran
	if result.TombstonesPurged > 0 && table.MaxPurgeableTimestamp(inputs) <= result.maxPurged {
		if discardErr := out.discard(); discardErr != nil {
			logger.Warn("Failed to discard compaction output", zap.Error(discardErr))
		}
		return nil, errors.PurgeConflict(table.Name(), result.maxPurged)
	}

	if err := table.Replace(inputs, out.done, desc.Type); err != nil {
		if discardErr := out.discard(); discardErr != nil {
			logger.Warn("Failed to discard unpublished compaction output", zap.Error(discardErr))
		}
		return nil, err
	}

	result.Output = out.done
	result.RunID = out.id
	return result, nil
}

// openInputs opens every input in parallel
func (e *Executor) openInputs(ctx context.Context, inputs []*sstable.SSTable) ([]*sstable.Reader, error) {
	readers := make([]*sstable.Reader, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.openLimit)
	for i, sst := range inputs {
		i, sst := i, sst
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := sstable.NewReader(sst)
			if err != nil {
				return err
			}
			readers[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, multierr.Append(err, sstable.CloseReaders(readers))
	}
	return readers, nil
}

func (e *Executor) merge(ctx context.Context, job *Job, sources []RowSource, out *outputRun, purge bool, purgeBefore int64) (*Result, error) {
	result := &Result{}
	merger := newKWayMerger(sources)

	for merger.Next() {
		if err := e.checkAbort(ctx, job); err != nil {
			return nil, err
		}
		row := merger.Row()
		if purge && row.Tombstone && row.Timestamp < purgeBefore {
			result.TombstonesPurged++
			result.maxPurged = max(result.maxPurged, row.Timestamp)
			continue
		}

		n, err := out.write(row)
		if err != nil {
			return nil, err
		}
		result.RowsWritten++
		result.BytesWritten += n
		if err := e.throttle(ctx, n); err != nil {
			return nil, errors.Aborted(job.ID, err)
		}
	}
	if err := merger.Err(); err != nil {
		return nil, err
	}
	result.DuplicatesResolved = merger.Duplicates()

	if err := out.finish(); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Executor) throttle(ctx context.Context, n int64) error {
	if e.limiter == nil {
		return nil
	}
	for n > 0 {
		chunk := min(n, int64(e.burst))
		if err := e.limiter.WaitN(ctx, int(chunk)); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// outputRun writes the fragments of the job's output run, starting a new
// fragment before a row would grow the current one past maxBytes. It reports the
// bytes of every fragment it wrote, sealed or not, as one ongoing write.
type outputRun struct {
	table    Table
	id       model.RunID
	level    int
	shard    int
	maxBytes int64

	mu      sync.Mutex
	current FragmentWriter
	sealed  int64
	done    []*sstable.SSTable
}

func (o *outputRun) Written() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.sealed
	if o.current != nil {
		n += o.current.Written()
	}
	return n
}

func (o *outputRun) write(row model.Row) (int64, error) {
	if o.current != nil && o.current.Written() > 0 {
		size, err := o.current.EncodedSize(row)
		if err != nil {
			return 0, err
		}
		if o.current.Written()+size > o.maxBytes {
			if err := o.finish(); err != nil {
				return 0, err
			}
		}
	}
	if o.current == nil {
		w, err := o.table.NewFragmentWriter(o.id, o.level, o.shard)
		if err != nil {
			return 0, err
		}
		o.mu.Lock()
		o.current = w
		o.mu.Unlock()
	}

	before := o.current.Written()
	if err := o.current.Write(row); err != nil {
		return 0, err
	}
	return o.current.Written() - before, nil
}

// finish seals the current fragment
func (o *outputRun) finish() error {
	if o.current == nil {
		return nil
	}
	w := o.current
	written := w.Written()

	if written == 0 {
		o.mu.Lock()
		o.current = nil
		o.mu.Unlock()
		return w.Abort()
	}
	sst, err := w.Finish()
	o.mu.Lock()
	o.current = nil
	if err == nil {
		o.sealed += written
		o.done = append(o.done, sst)
	}
	o.mu.Unlock()
	return err
}

// discard removes every fragment written by the job
func (o *outputRun) discard() error {
	o.mu.Lock()
	current, done := o.current, o.done
	o.current, o.done, o.sealed = nil, nil, 0
	o.mu.Unlock()

	var err error
	if current != nil {
		err = multierr.Append(err, current.Abort())
	}
	for _, sst := range done {
		sst.MarkForDeletion()
		err = multierr.Append(err, sst.Unref())
	}
	return err
}
