package compaction

import (
	"math"
	"sync"

	"github.com/kbr-scylla/scylladb-sub001/internal/errors"
	"github.com/kbr-scylla/scylladb-sub001/internal/model"
	"github.com/kbr-scylla/scylladb-sub001/internal/storage/sstable"
)

// WriteMonitor reports the bytes an in-flight flush or compaction output has
// written so far
type WriteMonitor interface {
	Written() int64
}

// ReadMonitor reports the bytes of a compaction source consumed so far
type ReadMonitor interface {
	Compacted() int64
}

// OngoingCompaction pairs a compaction source with its read progress
type OngoingCompaction struct {
	Source  *sstable.SSTable
	Monitor ReadMonitor
}

var invLog4 = 1.0 / math.Log(4)

func log4(x float64) float64 {
	return math.Log(x) * invLog4
}

// BacklogTracker estimates the compaction debt of a table from the sizes of its
// runs. Each byte of a run of size S costs log4(T/S) where T is the table's total
// size, so a table made of one run owes nothing.
type BacklogTracker struct {
	mu         sync.Mutex
	runBytes   map[model.RunID]int64
	tracked    map[model.Generation]model.RunID
	totalBytes int64
}

// NewBacklogTracker creates an empty tracker
func NewBacklogTracker() *BacklogTracker {
	return &BacklogTracker{
		runBytes: make(map[model.RunID]int64),
		tracked:  make(map[model.Generation]model.RunID),
	}
}

// AddSSTable accounts a fragment that became live. Empty fragments and
// fragments already accounted are ignored.
func (t *BacklogTracker) AddSSTable(sst *sstable.SSTable) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.add(sst)
}

// RemoveSSTable forgets a fragment that left the live set
func (t *BacklogTracker) RemoveSSTable(sst *sstable.SSTable) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remove(sst)
}

// ReplaceSSTables applies one live set transition as a single update
func (t *BacklogTracker) ReplaceSSTables(old, new []*sstable.SSTable) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sst := range new {
		t.add(sst)
	}
	for _, sst := range old {
		t.remove(sst)
	}
}

func (t *BacklogTracker) add(sst *sstable.SSTable) {
	size := sst.DataSize()
	if size <= 0 {
		return
	}
	if _, ok := t.tracked[sst.Generation()]; ok {
		return
	}
	t.tracked[sst.Generation()] = sst.RunID()
	t.runBytes[sst.RunID()] += size
	t.totalBytes += size
}

func (t *BacklogTracker) remove(sst *sstable.SSTable) {
	size := sst.DataSize()
	if size <= 0 {
		return
	}
	if _, ok := t.tracked[sst.Generation()]; !ok {
		return
	}
	delete(t.tracked, sst.Generation())
	t.totalBytes -= size
	if left := t.runBytes[sst.RunID()] - size; left > 0 {
		t.runBytes[sst.RunID()] = left
	} else {
		delete(t.runBytes, sst.RunID())
	}
}

// TotalBytes returns the bytes of all tracked fragments
func (t *BacklogTracker) TotalBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalBytes
}

// RunBytes returns a copy of the per-run totals
func (t *BacklogTracker) RunBytes() map[model.RunID]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[model.RunID]int64, len(t.runBytes))
	for id, b := range t.runBytes {
		out[id] = b
	}
	return out
}

type inflight struct {
	totalBytes   int64
	contribution float64
}

// Backlog returns the current debt, corrected for work in flight. Bytes already
// written by ongoing flushes and compactions count as if they were live; bytes
// already consumed from compaction sources count as gone. The result is never
// negative.
func (t *BacklogTracker) Backlog(writes []WriteMonitor, compactions []OngoingCompaction) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var partial inflight
	for _, w := range writes {
		written := w.Written()
		if written <= 0 {
			continue
		}
		partial.totalBytes += written
		partial.contribution += float64(written) * log4(float64(written))
	}

	var compacted inflight
	for _, c := range compactions {
		if _, ok := t.runBytes[c.Source.RunID()]; !ok {
			continue
		}
		done := c.Monitor.Compacted()
		if done <= 0 || c.Source.DataSize() <= 0 {
			continue
		}
		compacted.totalBytes += done
		compacted.contribution += float64(done) * log4(float64(c.Source.DataSize()))
	}

	total := t.totalBytes + partial.totalBytes - compacted.totalBytes
	if total <= 0 {
		return 0
	}

	var static float64
	for _, b := range t.runBytes {
		static += float64(b) * log4(float64(b))
	}

	backlog := float64(total)*log4(float64(total)) - (static + partial.contribution - compacted.contribution)
	if backlog < 0 || math.IsNaN(backlog) {
		return 0
	}
	return backlog
}

// Monitors tracks the in-flight writers and compaction sources of one table so
// backlog queries can account for work in progress
type Monitors struct {
	mu          sync.Mutex
	next        uint64
	writes      map[uint64]WriteMonitor
	compactions map[model.Generation]OngoingCompaction
}

// NewMonitors creates an empty registry
func NewMonitors() *Monitors {
	return &Monitors{
		writes:      make(map[uint64]WriteMonitor),
		compactions: make(map[model.Generation]OngoingCompaction),
	}
}

// RegisterWrite records an in-flight writer until the returned func is called
func (m *Monitors) RegisterWrite(w WriteMonitor) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.writes[id] = w
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.writes, id)
	}
}

// Claim registers sources[i] as being compacted with progress monitors[i]. It
// fails without claiming anything when a source already belongs to another
// job: selecting a fragment twice is an invariant violation.
func (m *Monitors) Claim(sources []*sstable.SSTable, monitors []ReadMonitor) (func(), error) {
	if len(sources) != len(monitors) {
		return nil, errors.AssertionFailed("claim of %d sources with %d monitors", len(sources), len(monitors))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, src := range sources {
		if _, busy := m.compactions[src.Generation()]; busy {
			return nil, errors.AssertionFailed("%s selected by two concurrent compactions", src)
		}
	}
	for i, src := range sources {
		m.compactions[src.Generation()] = OngoingCompaction{Source: src, Monitor: monitors[i]}
	}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, src := range sources {
			delete(m.compactions, src.Generation())
		}
	}, nil
}

// Writes returns the registered writers
func (m *Monitors) Writes() []WriteMonitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WriteMonitor, 0, len(m.writes))
	for _, w := range m.writes {
		out = append(out, w)
	}
	return out
}

// Compactions returns the registered compaction sources
func (m *Monitors) Compactions() []OngoingCompaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OngoingCompaction, 0, len(m.compactions))
	for _, c := range m.compactions {
		out = append(out, c)
	}
	return out
}

// Compacting reports whether gen is a source of a running job
func (m *Monitors) Compacting(gen model.Generation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.compactions[gen]
	return ok
}

// Busy reports whether any job is running
func (m *Monitors) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.compactions) > 0
}
