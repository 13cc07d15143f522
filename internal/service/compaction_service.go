package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kbr-scylla/scylladb-sub001/internal/compaction"
	"github.com/kbr-scylla/scylladb-sub001/internal/errors"
	"github.com/kbr-scylla/scylladb-sub001/internal/metrics"
	"github.com/kbr-scylla/scylladb-sub001/internal/model"
	"github.com/kbr-scylla/scylladb-sub001/internal/storage/sstable"
	"github.com/kbr-scylla/scylladb-sub001/internal/util/workerpool"
	"go.uber.org/zap"
)

// CompactionConfig holds compaction scheduler configuration
type CompactionConfig struct {
	Workers               int
	QueueSize             int
	Interval              time.Duration
	ThroughputBytesPerSec int64
	RetryInitialInterval  time.Duration
	RetryMaxInterval      time.Duration
	StopTimeout           time.Duration
}

// DefaultCompactionConfig returns the scheduler defaults
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		Workers:              2,
		QueueSize:            64,
		Interval:             30 * time.Second,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     5 * time.Minute,
		StopTimeout:          30 * time.Second,
	}
}

// tableState is the scheduler's view of one registered table. It is guarded by
// CompactionService.mu.
type tableState struct {
	table     *Table
	running   int
	inflight  map[model.Generation]struct{}
	jobs      map[string]*compaction.Job
	backoff   *backoff.ExponentialBackOff
	notBefore time.Time
	disabled  bool
}

// ongoingCompactions answers the strategy's cross-tier gate from a value captured
// under the scheduler lock
type ongoingCompactions bool

func (o ongoingCompactions) HasOngoingCompaction(compaction.TableState) bool {
	return bool(o)
}

// CompactionService schedules background compactions of the registered tables
type CompactionService struct {
	cfg      CompactionConfig
	executor *compaction.Executor
	pool     *workerpool.WorkerPool
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu     sync.Mutex
	tables map[string]*tableState

	running  atomic.Int32
	trigger  chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCompactionService creates the scheduler. disk may be nil to skip space
// checks; m may be nil to skip metrics.
func NewCompactionService(cfg CompactionConfig, disk compaction.SpaceChecker, m *metrics.Metrics, logger *zap.Logger) *CompactionService {
	defaults := DefaultCompactionConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = defaults.RetryInitialInterval
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = defaults.RetryMaxInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaults.StopTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CompactionService{
		cfg: cfg,
		executor: compaction.NewExecutor(compaction.ExecutorConfig{
			ThroughputBytesPerSec: cfg.ThroughputBytesPerSec,
		}, disk, logger),
		pool: workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "compaction",
			MaxWorkers: cfg.Workers,
			QueueSize:  cfg.QueueSize,
			Logger:     logger,
		}),
		metrics:  m,
		logger:   logger,
		tables:   make(map[string]*tableState),
		trigger:  make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
}

// Start launches the scheduler loop
func (s *CompactionService) Start() {
	s.wg.Add(1)
	go s.compactionScheduler()
	s.logger.Info("Compaction scheduler started",
		zap.Int("workers", s.cfg.Workers),
		zap.Duration("interval", s.cfg.Interval))
}

// Register adds a table to the scheduler. Every flush into the table triggers a
// scheduling pass.
func (s *CompactionService) Register(t *Table) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitialInterval
	b.MaxInterval = s.cfg.RetryMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	s.mu.Lock()
	if _, ok := s.tables[t.Name()]; ok {
		s.mu.Unlock()
		return errors.InvalidArgument(fmt.Sprintf("table %s is already registered", t.Name()), nil)
	}
	s.tables[t.Name()] = &tableState{
		table:    t,
		inflight: make(map[model.Generation]struct{}),
		jobs:     make(map[string]*compaction.Job),
		backoff:  b,
	}
	s.mu.Unlock()

	t.Subscribe(func(ev ReplaceEvent) {
		if ev.Type == model.CompactionTypeFlush {
			s.Trigger()
		}
	})
	s.updateTableStats(t)
	s.Trigger()
	return nil
}

// Table returns a registered table
func (s *CompactionService) Table(name string) (*Table, error) {
	st, err := s.state(name)
	if err != nil {
		return nil, err
	}
	return st.table, nil
}

// Tables returns the names of the registered tables in order
func (s *CompactionService) Tables() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *CompactionService) state(name string) (*tableState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tables[name]
	if !ok {
		return nil, errors.TableNotFound(name)
	}
	return st, nil
}

// Trigger requests a scheduling pass without waiting for the next tick
func (s *CompactionService) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// compactionScheduler runs a pass on every tick and every trigger
func (s *CompactionService) compactionScheduler() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.schedulePass()
		case <-s.trigger:
			s.schedulePass()
		case <-s.stopChan:
			return
		}
	}
}

func (s *CompactionService) schedulePass() {
	s.mu.Lock()
	states := make([]*tableState, 0, len(s.tables))
	for _, st := range s.tables {
		states = append(states, st)
	}
	s.mu.Unlock()

	for _, st := range states {
		s.scheduleTable(st)
		s.updateTableStats(st.table)
	}
	if s.metrics != nil {
		stats := s.pool.Stats()
		s.metrics.UpdatePoolStats(int(s.running.Load()), stats.ActiveWorkers, stats.QueuedTasks)
	}
}

// scheduleTable submits jobs for st until the strategy has nothing more to offer
// or the pool is saturated
func (s *CompactionService) scheduleTable(st *tableState) {
	for i := 0; i < s.cfg.Workers; i++ {
		job, snap, ok := s.nextJob(st)
		if !ok {
			return
		}
		err := s.pool.Submit(workerpool.Task{
			ID:       job.ID,
			Priority: poolPriority(job.Descriptor.Priority),
			Fn: func(ctx context.Context) error {
				defer snap.Close()
				_, err := s.runJob(ctx, st, job)
				return err
			},
		})
		if err != nil {
			// Nothing ran, so the job is dropped without counting as a failure
			s.release(st, job)
			snap.Close()
			s.logger.Debug("Compaction job not queued",
				zap.String("table", st.table.Name()),
				zap.String("job_id", job.ID),
				zap.Error(err))
			return
		}
	}
}

func poolPriority(p compaction.Priority) workerpool.Priority {
	if p == compaction.PriorityHigh {
		return workerpool.PriorityHigh
	}
	return workerpool.PriorityNormal
}

// nextJob asks the strategy for the next job over the fragments not already in
// flight and claims them. The returned snapshot pins the inputs until the job
// is done.
func (s *CompactionService) nextJob(st *tableState) (*compaction.Job, *Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.disabled || time.Now().Before(st.notBefore) {
		return nil, nil, false
	}
	snap := st.table.Snapshot()
	desc, err := s.selectJob(st, func(candidates []*sstable.SSTable) compaction.Descriptor {
		return st.table.Strategy().GetSSTablesForCompaction(st.table, ongoingCompactions(st.running > 0), candidates)
	}, snap)
	if err != nil || desc.Empty() {
		snap.Close()
		return nil, nil, false
	}
	return s.claim(st, desc), snap, true
}

// selectJob runs a strategy selection over the candidates of snap. An invariant
// violation raised by the strategy disables the table. Callers hold s.mu.
func (s *CompactionService) selectJob(st *tableState, pick func([]*sstable.SSTable) compaction.Descriptor, snap *Snapshot) (desc compaction.Descriptor, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		perr, ok := r.(error)
		if !ok || !errors.IsInvariantViolation(perr) {
			panic(r)
		}
		s.disableLocked(st, perr)
		err = perr
	}()

	all := snap.Set().All()
	candidates := make([]*sstable.SSTable, 0, len(all))
	for _, sst := range all {
		if _, busy := st.inflight[sst.Generation()]; !busy {
			candidates = append(candidates, sst)
		}
	}
	return pick(candidates), nil
}

// claim marks the inputs of desc in flight. Callers hold s.mu.
func (s *CompactionService) claim(st *tableState, desc compaction.Descriptor) *compaction.Job {
	job := compaction.NewJob(st.table, desc)
	for _, sst := range desc.SSTables {
		st.inflight[sst.Generation()] = struct{}{}
	}
	st.jobs[job.ID] = job
	st.running++
	return job
}

func (s *CompactionService) release(st *tableState, job *compaction.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(st, job)
}

func (s *CompactionService) releaseLocked(st *tableState, job *compaction.Job) {
	for _, sst := range job.Descriptor.SSTables {
		delete(st.inflight, sst.Generation())
	}
	delete(st.jobs, job.ID)
	st.running--
}

func (s *CompactionService) disableLocked(st *tableState, err error) {
	if st.disabled {
		return
	}
	st.disabled = true
	s.logger.Error("Compaction disabled for table after invariant violation",
		zap.String("table", st.table.Name()),
		zap.Error(err))
}

// runJob executes a claimed job and settles the table's scheduling state. A
// failed descriptor is never retried as such: the next pass selects again from
// the live set once the backoff has elapsed.
func (s *CompactionService) runJob(ctx context.Context, st *tableState, job *compaction.Job) (*compaction.Result, error) {
	s.running.Add(1)
	defer s.running.Add(-1)

	start := time.Now()
	result, err := s.executor.Run(ctx, job)

	s.mu.Lock()
	s.releaseLocked(st, job)
	switch {
	case err == nil:
		st.backoff.Reset()
		st.notBefore = time.Time{}
	case errors.IsAborted(err):
	case errors.IsInvariantViolation(err):
		s.disableLocked(st, err)
	default:
		delay := st.backoff.NextBackOff()
		st.notBefore = time.Now().Add(delay)
		s.logger.Warn("Compaction failed, backing off",
			zap.String("table", st.table.Name()),
			zap.String("job_id", job.ID),
			zap.Duration("retry_in", delay),
			zap.Error(err))
	}
	s.mu.Unlock()

	s.recordJob(st.table, job, result, time.Since(start))
	s.updateTableStats(st.table)
	if err == nil {
		s.Trigger()
	}
	return result, err
}

func (s *CompactionService) recordJob(t *Table, job *compaction.Job, result *compaction.Result, duration time.Duration) {
	if s.metrics == nil {
		return
	}
	stats := metrics.JobStats{
		Table:         t.Name(),
		Type:          string(job.Descriptor.Type),
		Status:        string(job.Status()),
		Duration:      duration.Seconds(),
		InputSSTables: len(job.Descriptor.SSTables),
	}
	if result != nil {
		stats.OutputSSTables = len(result.Output)
		stats.BytesRead = result.BytesRead
		stats.BytesWritten = result.BytesWritten
		stats.TombstonesPurged = result.TombstonesPurged
	}
	s.metrics.RecordCompactionJob(stats)
}

func (s *CompactionService) updateTableStats(t *Table) {
	if s.metrics == nil {
		return
	}
	live := t.LiveSet()
	s.metrics.UpdateTableStats(t.Name(), metrics.TableStats{
		Backlog:  t.Backlog(),
		Pending:  t.PendingCompactions(),
		SSTables: live.Len(),
		Bytes:    live.Bytes(),
		Runs:     len(live.Runs()),
	})
}

// runSync claims desc and runs it on the calling goroutine
func (s *CompactionService) runSync(ctx context.Context, st *tableState, pick func([]*sstable.SSTable) compaction.Descriptor) (*compaction.Result, bool, error) {
	s.mu.Lock()
	if st.disabled {
		s.mu.Unlock()
		return nil, false, errors.Unavailable(fmt.Sprintf("compaction is disabled for table %s", st.table.Name()), nil)
	}
	snap := st.table.Snapshot()
	defer snap.Close()
	desc, err := s.selectJob(st, pick, snap)
	if err != nil {
		s.mu.Unlock()
		return nil, false, err
	}
	if desc.Empty() {
		s.mu.Unlock()
		return nil, false, nil
	}
	job := s.claim(st, desc)
	s.mu.Unlock()

	result, err := s.runJob(ctx, st, job)
	return result, true, err
}

// Drain runs regular compactions of the table on the calling goroutine until
// the strategy reports no more work
func (s *CompactionService) Drain(ctx context.Context, name string) (int, error) {
	st, err := s.state(name)
	if err != nil {
		return 0, err
	}
	jobs := 0
	for {
		_, ran, err := s.runSync(ctx, st, func(candidates []*sstable.SSTable) compaction.Descriptor {
			return st.table.Strategy().GetSSTablesForCompaction(st.table, ongoingCompactions(st.running > 0), candidates)
		})
		if err != nil {
			return jobs, err
		}
		if !ran {
			return jobs, nil
		}
		jobs++
	}
}

// MajorCompaction compacts every fragment of the table not already in flight
// into one run
func (s *CompactionService) MajorCompaction(ctx context.Context, name string) (*compaction.Result, error) {
	st, err := s.state(name)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Major compaction requested", zap.String("table", name))
	result, _, err := s.runSync(ctx, st, func(candidates []*sstable.SSTable) compaction.Descriptor {
		return st.table.Strategy().GetMajorCompactionJob(st.table, candidates)
	})
	return result, err
}

// Reshard rewrites every run of the table onto one of shardCount shards, in
// round robin order. Runs already on their target shard are left alone.
func (s *CompactionService) Reshard(ctx context.Context, name string, shardCount int) (int, error) {
	if shardCount <= 0 {
		return 0, errors.InvalidArgument(fmt.Sprintf("shard count must be positive, got %d", shardCount), nil)
	}
	st, err := s.state(name)
	if err != nil {
		return 0, err
	}
	return s.runPlan(ctx, st, func(candidates []*sstable.SSTable) []compaction.Descriptor {
		var plan []compaction.Descriptor
		for _, rd := range st.table.Strategy().GetReshardingJobs(st.table, candidates, shardCount) {
			if !onShard(rd.SSTables, rd.TargetShard) {
				plan = append(plan, rd.Descriptor)
			}
		}
		return plan
	})
}

func onShard(ssts []*sstable.SSTable, shard int) bool {
	for _, sst := range ssts {
		if sst.Shard() != shard {
			return false
		}
	}
	return true
}

// runPlan computes a list of jobs once and runs them in order. A planned job
// whose inputs are no longer all available is skipped.
func (s *CompactionService) runPlan(ctx context.Context, st *tableState, plan func([]*sstable.SSTable) []compaction.Descriptor) (int, error) {
	var pending []compaction.Descriptor
	planned := false
	jobs := 0
	for {
		_, ran, err := s.runSync(ctx, st, func(candidates []*sstable.SSTable) compaction.Descriptor {
			if !planned {
				pending = plan(candidates)
				planned = true
			}
			for len(pending) > 0 {
				next := pending[0]
				pending = pending[1:]
				if allLive(next.SSTables, candidates) {
					return next
				}
			}
			return compaction.Descriptor{}
		})
		if err != nil {
			return jobs, err
		}
		if !ran {
			return jobs, nil
		}
		jobs++
	}
}

// Reshape brings the table back into shape after off-strategy ingestion
func (s *CompactionService) Reshape(ctx context.Context, name string, mode compaction.ReshapeMode) (int, error) {
	st, err := s.state(name)
	if err != nil {
		return 0, err
	}
	jobs := 0
	for {
		_, ran, err := s.runSync(ctx, st, func(candidates []*sstable.SSTable) compaction.Descriptor {
			return st.table.Strategy().GetReshapingJob(candidates, st.table, mode)
		})
		if err != nil {
			return jobs, err
		}
		if !ran {
			return jobs, nil
		}
		jobs++
	}
}

// Cleanup rewrites every run of the table in jobs of at most max threshold runs
func (s *CompactionService) Cleanup(ctx context.Context, name string) (int, error) {
	st, err := s.state(name)
	if err != nil {
		return 0, err
	}
	return s.runPlan(ctx, st, func(candidates []*sstable.SSTable) []compaction.Descriptor {
		return st.table.Strategy().GetCleanupJobs(st.table, candidates)
	})
}

func allLive(ssts, candidates []*sstable.SSTable) bool {
	set := make(map[*sstable.SSTable]struct{}, len(candidates))
	for _, c := range candidates {
		set[c] = struct{}{}
	}
	for _, sst := range ssts {
		if _, ok := set[sst]; !ok {
			return false
		}
	}
	return true
}

// Flush flushes the memtable of a registered table
func (s *CompactionService) Flush(ctx context.Context, name string) (*sstable.SSTable, error) {
	st, err := s.state(name)
	if err != nil {
		return nil, err
	}
	return st.table.Flush(ctx)
}

// Backlog returns the compaction backlog of a registered table
func (s *CompactionService) Backlog(name string) (float64, error) {
	st, err := s.state(name)
	if err != nil {
		return 0, err
	}
	return st.table.Backlog(), nil
}

// PendingCompactions returns the estimated pending compactions of a registered table
func (s *CompactionService) PendingCompactions(name string) (int64, error) {
	st, err := s.state(name)
	if err != nil {
		return 0, err
	}
	return st.table.PendingCompactions(), nil
}

// Disabled reports whether compaction of the table was stopped by an invariant
// violation
func (s *CompactionService) Disabled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tables[name]
	return ok && st.disabled
}

// Running returns the number of jobs in flight
func (s *CompactionService) Running() int {
	return int(s.running.Load())
}

// Stop aborts running jobs and stops the scheduler and its workers
func (s *CompactionService) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping compaction service")
		close(s.stopChan)
		s.wg.Wait()

		s.mu.Lock()
		for _, st := range s.tables {
			for _, job := range st.jobs {
				job.Abort()
			}
		}
		s.mu.Unlock()

		err = s.pool.Stop(s.cfg.StopTimeout)
		s.logger.Info("Compaction service stopped")
	})
	return err
}
