package memtable

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/kbr-scylla/scylladb-sub001/internal/model"
	"github.com/zhangyunhao116/skipmap"
)

type orderedRows = skipmap.FuncMap[string, model.Row]

// Memtable is an in-memory sorted table buffering writes until they are flushed
// into a single-fragment run. Reads are lock-free; writers are serialised so a
// put can reconcile against the version already buffered.
type Memtable struct {
	rows         *orderedRows
	size         atomic.Int64
	minTimestamp atomic.Int64
	mu           sync.Mutex
}

// New creates an empty memtable
func New() *Memtable {
	mt := &Memtable{
		rows: skipmap.NewFunc[string, model.Row](func(a, b string) bool {
			return a < b
		}),
	}
	mt.minTimestamp.Store(math.MaxInt64)
	return mt
}

// Put inserts a row, keeping whichever version wins reconciliation
func (mt *Memtable) Put(row model.Row) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if row.Timestamp < mt.minTimestamp.Load() {
		mt.minTimestamp.Store(row.Timestamp)
	}
	if old, ok := mt.rows.Load(row.Key); ok {
		winner := model.Reconcile(old, row)
		mt.size.Add(winner.Size() - old.Size())
		mt.rows.Store(row.Key, winner)
		return
	}
	mt.rows.Store(row.Key, row)
	mt.size.Add(row.Size())
}

// Get retrieves the buffered version of key
func (mt *Memtable) Get(key string) (model.Row, bool) {
	return mt.rows.Load(key)
}

// MinTimestamp returns the oldest timestamp ever put, math.MaxInt64 when empty.
// Rows shadowed by reconciliation still count.
func (mt *Memtable) MinTimestamp() int64 {
	return mt.minTimestamp.Load()
}

// Len returns the number of buffered keys
func (mt *Memtable) Len() int {
	return mt.rows.Len()
}

// Size returns the approximate memory held by buffered rows
func (mt *Memtable) Size() int64 {
	return mt.size.Load()
}

// Rows returns the buffered rows in key order
func (mt *Memtable) Rows() []model.Row {
	out := make([]model.Row, 0, mt.rows.Len())
	mt.rows.Range(func(_ string, row model.Row) bool {
		out = append(out, row)
		return true
	})
	return out
}

// Scan calls fn for every buffered row with start <= key < end, in key order.
// An empty end means no upper bound.
func (mt *Memtable) Scan(start, end string, fn func(model.Row) bool) {
	mt.rows.Range(func(key string, row model.Row) bool {
		if key < start {
			return true
		}
		if end != "" && key >= end {
			return false
		}
		return fn(row)
	})
}
