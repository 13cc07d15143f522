package compaction

import (
	"container/heap"

	"github.com/kbr-scylla/scylladb-sub001/internal/model"
)

// RowSource is a sorted stream of rows, such as an sstable iterator
type RowSource interface {
	Next() bool
	Row() model.Row
	Err() error
}

// mergeEntry represents an entry in the merge heap
type mergeEntry struct {
	row    model.Row
	source int
}

// mergeHeap implements heap.Interface for k-way merge
type mergeHeap []*mergeEntry

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if h[i].row.Key != h[j].row.Key {
		return h[i].row.Key < h[j].row.Key
	}
	return h[i].source < h[j].source
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x interface{}) {
	*h = append(*h, x.(*mergeEntry))
}

func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// kWayMerger merges sorted sources into one stream with a single reconciled
// row per key
type kWayMerger struct {
	sources    []RowSource
	heap       *mergeHeap
	row        model.Row
	err        error
	duplicates int64
}

// newKWayMerger creates a merger primed with the first row of each source
func newKWayMerger(sources []RowSource) *kWayMerger {
	m := &kWayMerger{
		sources: sources,
		heap:    &mergeHeap{},
	}
	heap.Init(m.heap)
	for i := range sources {
		m.advance(i)
	}
	return m
}

// advance pulls the next row of a source into the heap
func (m *kWayMerger) advance(i int) {
	src := m.sources[i]
	if src.Next() {
		heap.Push(m.heap, &mergeEntry{row: src.Row(), source: i})
		return
	}
	if err := src.Err(); err != nil && m.err == nil {
		m.err = err
	}
}

// Next moves to the next key, returning false at the end or on a source error
func (m *kWayMerger) Next() bool {
	if m.err != nil || m.heap.Len() == 0 {
		return false
	}
	top := heap.Pop(m.heap).(*mergeEntry)
	m.advance(top.source)
	best := top.row

	for m.err == nil && m.heap.Len() > 0 && (*m.heap)[0].row.Key == best.Key {
		dup := heap.Pop(m.heap).(*mergeEntry)
		m.advance(dup.source)
		best = model.Reconcile(best, dup.row)
		m.duplicates++
	}
	if m.err != nil {
		return false
	}
	m.row = best
	return true
}

// Row returns the reconciled row for the current key
func (m *kWayMerger) Row() model.Row {
	return m.row
}

// Err returns the first source error
func (m *kWayMerger) Err() error {
	return m.err
}

// Duplicates returns how many shadowed versions were dropped so far
func (m *kWayMerger) Duplicates() int64 {
	return m.duplicates
}

// MergeSources merges sorted sources into one stream holding the reconciled
// version of every key
func MergeSources(sources []RowSource) RowSource {
	return newKWayMerger(sources)
}
