package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kbr-scylla/scylladb-sub001/internal/compaction"
	"github.com/kbr-scylla/scylladb-sub001/internal/errors"
	"github.com/kbr-scylla/scylladb-sub001/internal/metrics"
	"github.com/kbr-scylla/scylladb-sub001/internal/model"
	"github.com/kbr-scylla/scylladb-sub001/internal/storage/manifest"
	"github.com/kbr-scylla/scylladb-sub001/internal/storage/memtable"
	"github.com/kbr-scylla/scylladb-sub001/internal/storage/sstable"
	"github.com/kbr-scylla/scylladb-sub001/internal/validation"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TableConfig holds the configuration of one table
type TableConfig struct {
	Name            string
	Dir             string
	Strategy        string
	StrategyOptions map[string]string

	MinThreshold        int
	MaxThreshold        int
	EnforceMinThreshold bool
	GCGrace             time.Duration

	Shard          int
	BloomFilterFP  float64
	Compression    string
	FlushThreshold int64
}

// DefaultTableConfig returns the configuration used for tables without overrides
func DefaultTableConfig(name, dir string) TableConfig {
	return TableConfig{
		Name:                name,
		Dir:                 dir,
		Strategy:            compaction.StrategyIncremental,
		MinThreshold:        4,
		MaxThreshold:        32,
		EnforceMinThreshold: true,
		GCGrace:             10 * 24 * time.Hour,
		BloomFilterFP:       0.01,
		Compression:         sstable.CompressionNone,
		FlushThreshold:      64 * 1024 * 1024,
	}
}

// ReplaceEvent describes one transition of a table's live set
type ReplaceEvent struct {
	Table   string
	Type    model.CompactionType
	Removed []*sstable.SSTable
	Added   []*sstable.SSTable
}

// Table owns the live set of sstable fragments of one table, its memtable and
// its compaction strategy.
//
// The live set is an immutable snapshot replaced as a whole: readers either see
// the set before a replacement or the set after it, never a mix.
type Table struct {
	cfg       TableConfig
	logger    *zap.Logger
	metrics   *metrics.Metrics
	strategy  compaction.Strategy
	monitors  *compaction.Monitors
	manifest  *manifest.Manifest
	validator *validation.Validator

	mu       sync.RWMutex
	live     *sstable.Set
	memtable *memtable.Memtable
	flushing *memtable.Memtable

	// replaceMu serialises live set transitions and manifest commits
	replaceMu sync.Mutex
	flushMu   sync.Mutex

	observersMu sync.Mutex
	observers   []func(ReplaceEvent)

	closed atomic.Bool
}

var _ compaction.Table = (*Table)(nil)

// OpenTable opens or creates the table in cfg.Dir. Fragments the manifest does
// not list are leftovers of interrupted jobs and are removed, as are temporary
// files.
func OpenTable(cfg TableConfig, m *metrics.Metrics, logger *zap.Logger) (*Table, error) {
	if cfg.Name == "" {
		return nil, errors.InvalidArgument("table name is required", nil)
	}
	if cfg.MinThreshold < 2 {
		return nil, errors.Configuration("min_threshold", "must be at least 2")
	}
	if cfg.MaxThreshold < cfg.MinThreshold {
		return nil, errors.Configuration("max_threshold", "must not be below min_threshold")
	}
	if !sstable.ValidCompression(cfg.Compression) {
		return nil, errors.Configuration("compression", fmt.Sprintf("unsupported compression %q", cfg.Compression))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("table", cfg.Name))

	strategy, err := compaction.NewStrategy(cfg.Strategy, cfg.StrategyOptions, logger)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, errors.IOError("failed to create table directory", err)
	}
	mf, err := manifest.Load(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if err := removeGarbage(cfg.Dir, mf, logger); err != nil {
		return nil, err
	}
	ssts, err := openLive(cfg.Dir, mf.Live())
	if err != nil {
		return nil, err
	}

	t := &Table{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		strategy:  strategy,
		monitors:  compaction.NewMonitors(),
		manifest:  mf,
		validator: validation.NewValidator(),
		live:      sstable.NewSet(ssts...),
		memtable:  memtable.New(),
	}
	tracker := strategy.BacklogTracker()
	for _, sst := range ssts {
		tracker.AddSSTable(sst)
	}

	logger.Info("Table opened",
		zap.String("dir", cfg.Dir),
		zap.String("strategy", strategy.Name()),
		zap.Int("sstables", t.live.Len()),
		zap.Int64("bytes", t.live.Bytes()))
	return t, nil
}

// removeGarbage deletes temporary files and fragments missing from the manifest
func removeGarbage(dir string, mf *manifest.Manifest, logger *zap.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.IOError("failed to list table directory", err)
	}
	orphans := make(map[model.Generation]struct{})
	var errs error
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".tmp") {
			errs = multierr.Append(errs, os.Remove(filepath.Join(dir, name)))
			continue
		}
		if gen, ok := sstable.ParseFileName(name); ok && !mf.IsLive(gen) {
			orphans[gen] = struct{}{}
		}
	}
	for gen := range orphans {
		logger.Info("Removing orphaned sstable", zap.Uint64("generation", uint64(gen)))
		errs = multierr.Append(errs, sstable.RemoveFiles(dir, gen))
	}
	if errs != nil {
		return errors.IOError("failed to remove leftover files", errs)
	}
	return nil
}

func openLive(dir string, entries []manifest.Entry) ([]*sstable.SSTable, error) {
	ssts := make([]*sstable.SSTable, len(entries))
	var g errgroup.Group
	g.SetLimit(8)
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			sst, err := sstable.Open(dir, e.Generation)
			if err != nil {
				return err
			}
			if sst.RunID() != e.RunID {
				return errors.CorruptedData(
					fmt.Sprintf("sstable %d belongs to run %s, manifest says %s", e.Generation, sst.RunID(), e.RunID), nil)
			}
			ssts[i] = sst
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ssts, nil
}

func (t *Table) Name() string                        { return t.cfg.Name }
func (t *Table) MinCompactionThreshold() int         { return t.cfg.MinThreshold }
func (t *Table) MaxCompactionThreshold() int         { return t.cfg.MaxThreshold }
func (t *Table) CompactionEnforceMinThreshold() bool { return t.cfg.EnforceMinThreshold }
func (t *Table) GCGrace() time.Duration              { return t.cfg.GCGrace }
func (t *Table) Strategy() compaction.Strategy       { return t.strategy }
func (t *Table) Monitors() *compaction.Monitors      { return t.monitors }

// LiveSet returns the current live set
func (t *Table) LiveSet() *sstable.Set {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

// SSTablesCount returns the number of live fragments
func (t *Table) SSTablesCount() int {
	return t.LiveSet().Len()
}

// NonStagingSSTables returns the live fragments. Fragments still being written
// are never part of the live set.
func (t *Table) NonStagingSSTables() []*sstable.SSTable {
	return t.LiveSet().All()
}

// NewFragmentWriter starts a staging fragment of run id
func (t *Table) NewFragmentWriter(id model.RunID, level, shard int) (compaction.FragmentWriter, error) {
	if t.closed.Load() {
		return nil, errors.Unavailable(fmt.Sprintf("table %s is closed", t.cfg.Name), nil)
	}
	return sstable.NewWriter(sstable.WriterConfig{
		Dir:           t.cfg.Dir,
		Generation:    t.manifest.NextGeneration(),
		RunID:         id,
		Level:         level,
		Shard:         shard,
		BloomFilterFP: t.cfg.BloomFilterFP,
		Compression:   t.cfg.Compression,
	})
}

// MaxPurgeableTimestamp returns the oldest timestamp held by the memtables and by
// live fragments outside compacting
func (t *Table) MaxPurgeableTimestamp(compacting []*sstable.SSTable) int64 {
	t.mu.RLock()
	bound := t.memtable.MinTimestamp()
	if t.flushing != nil {
		bound = min(bound, t.flushing.MinTimestamp())
	}
	live := t.live
	t.mu.RUnlock()

	skip := make(map[model.Generation]struct{}, len(compacting))
	for _, sst := range compacting {
		skip[sst.Generation()] = struct{}{}
	}
	for _, sst := range live.All() {
		if _, ok := skip[sst.Generation()]; !ok {
			bound = min(bound, sst.MinTimestamp())
		}
	}
	return bound
}

// Subscribe registers fn to be called after every successful replacement
func (t *Table) Subscribe(fn func(ReplaceEvent)) {
	t.observersMu.Lock()
	defer t.observersMu.Unlock()
	t.observers = append(t.observers, fn)
}

// Replace atomically removes old from the live set and adds added. It fails with
// a publish conflict, changing nothing, when any of old is no longer live. On
// success the table owns the added fragments and the files of old are removed
// once their last reader is done.
func (t *Table) Replace(old, added []*sstable.SSTable, typ model.CompactionType) error {
	t.replaceMu.Lock()
	defer t.replaceMu.Unlock()

	current := t.LiveSet()
	missing := 0
	for _, sst := range old {
		if !current.Contains(sst) {
			missing++
		}
	}
	if missing > 0 {
		return errors.PublishConflict(t.cfg.Name, missing).WithDetail("type", string(typ))
	}
	for _, sst := range added {
		if current.Contains(sst) {
			return errors.AssertionFailed("%s published twice in table %s", sst, t.cfg.Name)
		}
	}

	next := current.With(added, old)
	entries := make([]manifest.Entry, 0, next.Len())
	for _, sst := range next.All() {
		entries = append(entries, manifest.Entry{Generation: sst.Generation(), RunID: sst.RunID()})
	}
	if err := t.manifest.Commit(entries); err != nil {
		return err
	}

	t.mu.Lock()
	t.live = next
	t.mu.Unlock()

	t.strategy.BacklogTracker().ReplaceSSTables(old, added)
	for _, sst := range old {
		sst.MarkForDeletion()
		if err := sst.Unref(); err != nil {
			t.logger.Warn("Failed to remove replaced sstable", zap.Stringer("sstable", sst), zap.Error(err))
		}
	}

	t.logger.Debug("Live set replaced",
		zap.String("type", string(typ)),
		zap.Int("removed", len(old)),
		zap.Int("added", len(added)),
		zap.Int("live", next.Len()))

	t.observersMu.Lock()
	observers := append([]func(ReplaceEvent){}, t.observers...)
	t.observersMu.Unlock()
	event := ReplaceEvent{Table: t.cfg.Name, Type: typ, Removed: old, Added: added}
	for _, fn := range observers {
		fn(event)
	}
	return nil
}

// Snapshot pins the current live set for reading. The fragments stay on disk
// until the snapshot is closed, even if a compaction replaces them.
func (t *Table) Snapshot() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sst := range t.live.All() {
		sst.Ref()
	}
	return &Snapshot{set: t.live}
}

// Apply buffers a row in the memtable
func (t *Table) Apply(row model.Row) error {
	if t.closed.Load() {
		return errors.Unavailable(fmt.Sprintf("table %s is closed", t.cfg.Name), nil)
	}
	if err := t.validator.ValidateRow(row); err != nil {
		return err
	}
	t.mu.RLock()
	mt := t.memtable
	mt.Put(row)
	t.mu.RUnlock()

	if t.metrics != nil {
		t.metrics.UpdateMemTableSize(t.cfg.Name, mt.Size())
	}
	return nil
}

// Put writes a value stamped with the current time
func (t *Table) Put(key string, value []byte) error {
	return t.Apply(model.Row{Key: key, Value: value, Timestamp: model.TimestampOf(time.Now())})
}

// Delete writes a tombstone stamped with the current time
func (t *Table) Delete(key string) error {
	return t.Apply(model.Row{Key: key, Timestamp: model.TimestampOf(time.Now()), Tombstone: true})
}

// ShouldFlush reports whether the memtable has reached its flush threshold
func (t *Table) ShouldFlush() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cfg.FlushThreshold > 0 && t.memtable.Size() >= t.cfg.FlushThreshold
}

func (t *Table) buffered() []*memtable.Memtable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := []*memtable.Memtable{t.memtable}
	if t.flushing != nil {
		out = append(out, t.flushing)
	}
	return out
}

// Get returns the live version of key, or nil when the key is absent or deleted
func (t *Table) Get(key string) (*model.Row, error) {
	// Memtables are read before pinning the live set: a concurrent flush moves rows
	// from the memtable into the live set, never the other way around.
	var found *model.Row
	for _, mt := range t.buffered() {
		if row, ok := mt.Get(key); ok {
			found = reconcileInto(found, row)
		}
	}

	snap := t.Snapshot()
	defer snap.Close()
	row, err := snap.Get(key)
	if err != nil {
		return nil, err
	}
	if row != nil {
		found = reconcileInto(found, *row)
	}
	if found == nil || found.Tombstone {
		return nil, nil
	}
	return found, nil
}

func reconcileInto(current *model.Row, row model.Row) *model.Row {
	if current == nil {
		return &row
	}
	winner := model.Reconcile(*current, row)
	return &winner
}

// Scan calls fn with every live row whose key is in [start, end), in key order.
// An empty end means no upper bound.
func (t *Table) Scan(start, end string, fn func(model.Row) bool) error {
	var sources []compaction.RowSource
	for _, mt := range t.buffered() {
		var rows []model.Row
		mt.Scan(start, end, func(row model.Row) bool {
			rows = append(rows, row)
			return true
		})
		sources = append(sources, &rowSlice{rows: rows})
	}

	snap := t.Snapshot()
	defer snap.Close()
	readers, err := snap.open()
	if err != nil {
		return err
	}
	defer func() {
		if err := sstable.CloseReaders(readers); err != nil {
			t.logger.Warn("Failed to close scan readers", zap.Error(err))
		}
	}()
	for _, r := range readers {
		sources = append(sources, &rangeSource{it: r.Iterator(), start: start, end: end})
	}

	merged := compaction.MergeSources(sources)
	for merged.Next() {
		row := merged.Row()
		if row.Tombstone {
			continue
		}
		if !fn(row) {
			return nil
		}
	}
	return merged.Err()
}

// Flush writes the memtable as a new single-fragment run and publishes it. The
// fragment is registered as an ongoing write until it is published.
func (t *Table) Flush(ctx context.Context) (*sstable.SSTable, error) {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	if t.memtable.Len() == 0 {
		t.mu.Unlock()
		return nil, nil
	}
	t.flushing = t.memtable
	t.memtable = memtable.New()
	frozen := t.flushing
	t.mu.Unlock()

	start := time.Now()
	sst, err := t.flushFrozen(ctx, frozen)

	t.mu.Lock()
	if err != nil {
		// Keep the rows buffered; anything written since the swap wins reconciliation
		for _, row := range frozen.Rows() {
			t.memtable.Put(row)
		}
	}
	t.flushing = nil
	t.mu.Unlock()

	if err != nil {
		t.logger.Error("Memtable flush failed", zap.Error(err))
		return nil, err
	}

	duration := time.Since(start)
	if t.metrics != nil {
		t.metrics.RecordMemTableFlush(t.cfg.Name, duration.Seconds())
		t.metrics.UpdateMemTableSize(t.cfg.Name, t.memtableSize())
	}
	t.logger.Info("Memtable flushed",
		zap.Uint64("generation", uint64(sst.Generation())),
		zap.Int64("rows", sst.RowCount()),
		zap.Int64("bytes", sst.DataSize()),
		zap.Duration("duration", duration))
	return sst, nil
}

func (t *Table) memtableSize() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.memtable.Size()
}

func (t *Table) flushFrozen(ctx context.Context, frozen *memtable.Memtable) (*sstable.SSTable, error) {
	w, err := t.NewFragmentWriter(model.NewRunID(), 0, t.cfg.Shard)
	if err != nil {
		return nil, err
	}
	unregister := t.monitors.RegisterWrite(w)
	defer unregister()

	for _, row := range frozen.Rows() {
		if err := ctx.Err(); err != nil {
			return nil, multierr.Append(err, w.Abort())
		}
		if err := w.Write(row); err != nil {
			return nil, multierr.Append(err, w.Abort())
		}
	}
	sst, err := w.Finish()
	if err != nil {
		return nil, err
	}
	if err := t.Replace(nil, []*sstable.SSTable{sst}, model.CompactionTypeFlush); err != nil {
		sst.MarkForDeletion()
		return nil, multierr.Append(err, sst.Unref())
	}
	return sst, nil
}

// Backlog returns the compaction backlog including work in flight
func (t *Table) Backlog() float64 {
	return t.strategy.BacklogTracker().Backlog(t.monitors.Writes(), t.monitors.Compactions())
}

// PendingCompactions estimates the compaction rounds needed to drain the table
func (t *Table) PendingCompactions() int64 {
	return t.strategy.EstimatedPendingCompactions(t)
}

// Close flushes the memtable and releases the table's references. Files stay
// on disk; the table then reads as empty.
func (t *Table) Close(ctx context.Context) error {
	_, err := t.Flush(ctx)
	if !t.closed.CompareAndSwap(false, true) {
		return err
	}
	t.replaceMu.Lock()
	defer t.replaceMu.Unlock()
	t.mu.Lock()
	live := t.live
	t.live = sstable.NewSet()
	t.mu.Unlock()
	for _, sst := range live.All() {
		err = multierr.Append(err, sst.Unref())
	}
	t.logger.Info("Table closed")
	return err
}

// Snapshot is a pinned view of a live set
type Snapshot struct {
	set    *sstable.Set
	closed atomic.Bool
}

// Set returns the pinned live set
func (s *Snapshot) Set() *sstable.Set {
	return s.set
}

func (s *Snapshot) open() ([]*sstable.Reader, error) {
	all := s.set.All()
	readers := make([]*sstable.Reader, 0, len(all))
	for _, sst := range all {
		r, err := sstable.NewReader(sst)
		if err != nil {
			return nil, multierr.Append(err, sstable.CloseReaders(readers))
		}
		readers = append(readers, r)
	}
	return readers, nil
}

// Get returns the reconciled version of key across the pinned fragments,
// tombstones included
func (s *Snapshot) Get(key string) (*model.Row, error) {
	var found *model.Row
	for _, sst := range s.set.All() {
		if key < sst.FirstKey() || key > sst.LastKey() {
			continue
		}
		r, err := sstable.NewReader(sst)
		if err != nil {
			return nil, err
		}
		row, err := r.Get(key)
		closeErr := r.Close()
		if err != nil {
			return nil, err
		}
		if closeErr != nil {
			return nil, errors.IOError("failed to close sstable reader", closeErr)
		}
		if row != nil {
			found = reconcileInto(found, *row)
		}
	}
	return found, nil
}

// Close releases the pinned fragments
func (s *Snapshot) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	for _, sst := range s.set.All() {
		err = multierr.Append(err, sst.Unref())
	}
	return err
}

type rowSlice struct {
	rows []model.Row
	pos  int
}

func (s *rowSlice) Next() bool {
	if s.pos >= len(s.rows) {
		return false
	}
	s.pos++
	return true
}

func (s *rowSlice) Row() model.Row { return s.rows[s.pos-1] }
func (s *rowSlice) Err() error     { return nil }

// rangeSource restricts an sstable iterator to [start, end)
type rangeSource struct {
	it         *sstable.Iterator
	start, end string
	done       bool
}

func (s *rangeSource) Next() bool {
	for !s.done && s.it.Next() {
		key := s.it.Row().Key
		if key < s.start {
			continue
		}
		if s.end != "" && key >= s.end {
			s.done = true
			return false
		}
		return true
	}
	return false
}

func (s *rangeSource) Row() model.Row { return s.it.Row() }
func (s *rangeSource) Err() error     { return s.it.Err() }
