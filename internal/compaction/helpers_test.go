package compaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/kbr-scylla/scylladb-sub001/internal/model"
	"github.com/kbr-scylla/scylladb-sub001/internal/storage/sstable"
)

const mib = 1024 * 1024

// fakeTable is an in-memory TableState
type fakeTable struct {
	mu           sync.Mutex
	name         string
	live         *sstable.Set
	minThreshold int
	maxThreshold int
	enforceMin   bool
	gcGrace      time.Duration
}

func newFakeTable(ssts ...*sstable.SSTable) *fakeTable {
	return &fakeTable{
		name:         "test",
		live:         sstable.NewSet(ssts...),
		minThreshold: 4,
		maxThreshold: 32,
		enforceMin:   true,
		gcGrace:      24 * time.Hour,
	}
}

func (t *fakeTable) Name() string { return t.name }

func (t *fakeTable) LiveSet() *sstable.Set {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

func (t *fakeTable) setLive(s *sstable.Set) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live = s
}

func (t *fakeTable) MinCompactionThreshold() int          { return t.minThreshold }
func (t *fakeTable) MaxCompactionThreshold() int          { return t.maxThreshold }
func (t *fakeTable) CompactionEnforceMinThreshold() bool { return t.enforceMin }
func (t *fakeTable) GCGrace() time.Duration               { return t.gcGrace }

type fakeControl bool

func (c fakeControl) HasOngoingCompaction(TableState) bool { return bool(c) }

var nextFakeGeneration model.Generation

// fragment builds an sstable handle that exists only in memory
func fragment(run model.RunID, size int64, firstKey, lastKey string) *sstable.SSTable {
	nextFakeGeneration++
	return sstable.FromSummary("", model.Summary{
		Generation: nextFakeGeneration,
		RunID:      run,
		DataSize:   size,
		RowCount:   1,
		KeyRange:   model.KeyRange{StartKey: firstKey, EndKey: lastKey},
		CreatedAt:  time.Now().Add(-time.Hour),
	})
}

// singleFragmentRuns builds one single-fragment run per size with disjoint keys
func singleFragmentRuns(sizes ...int64) []*sstable.SSTable {
	out := make([]*sstable.SSTable, len(sizes))
	for i, size := range sizes {
		key := fmt.Sprintf("k%04d", i)
		out[i] = fragment(model.NewRunID(), size, key, key)
	}
	return out
}

func repeatSize(size int64, n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = size
	}
	return out
}

func runIDs(runs []*Run) []model.RunID {
	ids := make([]model.RunID, len(runs))
	for i, r := range runs {
		ids[i] = r.ID()
	}
	return ids
}

func bucketSizes(buckets []*Bucket) [][]int64 {
	out := make([][]int64, len(buckets))
	for i, b := range buckets {
		for _, r := range b.Runs {
			out[i] = append(out[i], r.DataSize())
		}
	}
	return out
}

// sliceSource is a RowSource over a slice
type sliceSource struct {
	rows []model.Row
	pos  int
	err  error
}

func (s *sliceSource) Next() bool {
	if s.pos >= len(s.rows) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceSource) Row() model.Row { return s.rows[s.pos-1] }
func (s *sliceSource) Err() error     { return s.err }
