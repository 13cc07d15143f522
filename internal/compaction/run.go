package compaction

import (
	"sort"
	"time"

	"github.com/kbr-scylla/scylladb-sub001/internal/errors"
	"github.com/kbr-scylla/scylladb-sub001/internal/model"
	"github.com/kbr-scylla/scylladb-sub001/internal/storage/sstable"
)

// Run is the set of fragments sharing one run identifier. A run is always added
// to and removed from the live set as a unit.
type Run struct {
	id        model.RunID
	fragments []*sstable.SSTable
	size      int64
}

// NewRun creates an empty run
func NewRun(id model.RunID) *Run {
	return &Run{id: id}
}

// ID returns the run identifier
func (r *Run) ID() model.RunID {
	return r.id
}

// Insert adds a fragment, keeping fragments ordered by first key
func (r *Run) Insert(sst *sstable.SSTable) {
	if sst.RunID() != r.id {
		panic(errors.AssertionFailed("%s inserted into run %s", sst, r.id))
	}
	for _, f := range r.fragments {
		if f.Generation() == sst.Generation() {
			panic(errors.AssertionFailed("%s inserted twice into run %s", sst, r.id))
		}
	}
	i := sort.Search(len(r.fragments), func(i int) bool {
		f := r.fragments[i]
		if f.FirstKey() != sst.FirstKey() {
			return f.FirstKey() > sst.FirstKey()
		}
		return f.Generation() > sst.Generation()
	})
	r.fragments = append(r.fragments, nil)
	copy(r.fragments[i+1:], r.fragments[i:])
	r.fragments[i] = sst
	r.size += sst.DataSize()
}

// DataSize returns the sum of the fragment sizes
func (r *Run) DataSize() int64 {
	return r.size
}

// All returns the fragments in key order
func (r *Run) All() []*sstable.SSTable {
	return r.fragments
}

// Len returns the number of fragments
func (r *Run) Len() int {
	return len(r.fragments)
}

// firstGeneration is the lowest generation in the run, used to order equal runs
func (r *Run) firstGeneration() model.Generation {
	var gen model.Generation
	for i, f := range r.fragments {
		if i == 0 || f.Generation() < gen {
			gen = f.Generation()
		}
	}
	return gen
}

// oldestWrite returns the creation time of the oldest fragment
func (r *Run) oldestWrite() time.Time {
	var t time.Time
	for i, f := range r.fragments {
		ts := f.Summary().CreatedAt
		if i == 0 || ts.Before(t) {
			t = ts
		}
	}
	return t
}

// SSTablesToRuns groups fragments by run identifier. Runs are returned in order
// of the first appearance of one of their fragments.
func SSTablesToRuns(sstables []*sstable.SSTable) []*Run {
	index := make(map[model.RunID]*Run)
	var runs []*Run
	for _, sst := range sstables {
		run, ok := index[sst.RunID()]
		if !ok {
			run = NewRun(sst.RunID())
			index[sst.RunID()] = run
			runs = append(runs, run)
		}
		run.Insert(sst)
	}
	return runs
}

// RunsToSSTables flattens runs into their fragments
func RunsToSSTables(runs []*Run) []*sstable.SSTable {
	var out []*sstable.SSTable
	for _, run := range runs {
		out = append(out, run.All()...)
	}
	return out
}
