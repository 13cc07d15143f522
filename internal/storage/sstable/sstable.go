package sstable

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync/atomic"

	"github.com/kbr-scylla/scylladb-sub001/internal/errors"
	"github.com/kbr-scylla/scylladb-sub001/internal/model"
	"go.uber.org/multierr"
)

// File name suffixes of the components of one sstable fragment
const (
	DataSuffix  = ".sst"
	IndexSuffix = ".idx"
	BloomSuffix = ".bloom"
	MetaSuffix  = ".meta"
)

var fileNamePattern = regexp.MustCompile(`^sstable-(\d+)\.(sst|idx|bloom|meta)$`)

// Components lists the component suffixes; the meta file is written last and
// marks the fragment as complete.
var Components = []string{DataSuffix, IndexSuffix, BloomSuffix, MetaSuffix}

// Path returns the path of one component of generation gen inside dir
func Path(dir string, gen model.Generation, suffix string) string {
	return filepath.Join(dir, fmt.Sprintf("sstable-%d%s", gen, suffix))
}

// ParseFileName extracts the generation from an sstable component file name
func ParseFileName(name string) (model.Generation, bool) {
	m := fileNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	gen, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return model.Generation(gen), true
}

// SSTable is a shared handle to one immutable fragment on disk.
//
// The handle starts with a single reference owned by whoever created it (normally
// the table's live set). Readers and compactions take extra references. Files are
// removed once the handle has been marked for deletion and the last reference
// is released.
type SSTable struct {
	dir     string
	summary model.Summary

	refs    atomic.Int64
	marked  atomic.Bool
	deleted atomic.Bool
}

// FromSummary builds a handle for a fragment whose files live in dir
func FromSummary(dir string, summary model.Summary) *SSTable {
	s := &SSTable{dir: dir, summary: summary}
	s.refs.Store(1)
	return s
}

// Open loads the summary of generation gen from dir
func Open(dir string, gen model.Generation) (*SSTable, error) {
	data, err := os.ReadFile(Path(dir, gen, MetaSuffix))
	if err != nil {
		return nil, errors.IOError(fmt.Sprintf("failed to read summary of sstable %d", gen), err)
	}
	var summary model.Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, errors.CorruptedData(fmt.Sprintf("failed to decode summary of sstable %d", gen), err)
	}
	if summary.Generation != gen {
		return nil, errors.CorruptedData(
			fmt.Sprintf("summary of sstable %d names generation %d", gen, summary.Generation), nil)
	}
	return FromSummary(dir, summary), nil
}

func (s *SSTable) Generation() model.Generation { return s.summary.Generation }
func (s *SSTable) RunID() model.RunID           { return s.summary.RunID }
func (s *SSTable) DataSize() int64              { return s.summary.DataSize }
func (s *SSTable) RowCount() int64              { return s.summary.RowCount }
func (s *SSTable) FirstKey() string             { return s.summary.KeyRange.StartKey }
func (s *SSTable) LastKey() string              { return s.summary.KeyRange.EndKey }
func (s *SSTable) Level() int                   { return s.summary.Level }
func (s *SSTable) Shard() int                   { return s.summary.Shard }
func (s *SSTable) Dir() string                  { return s.dir }

// MinTimestamp is the oldest row timestamp in the fragment. Summaries written
// without it read as 0, which keeps every tombstone that could shadow the fragment.
func (s *SSTable) MinTimestamp() int64 { return s.summary.MinTimestamp }

// Summary returns a copy of the fragment metadata
func (s *SSTable) Summary() model.Summary { return s.summary }

// DroppableTombstoneRatio estimates the share of rows that are tombstones
func (s *SSTable) DroppableTombstoneRatio() float64 {
	if s.summary.RowCount == 0 {
		return 0
	}
	return float64(s.summary.TombstoneCount) / float64(s.summary.RowCount)
}

func (s *SSTable) String() string {
	return fmt.Sprintf("sstable-%d(run=%s, size=%d)", s.summary.Generation, s.summary.RunID, s.summary.DataSize)
}

// Ref takes a reference on the handle
func (s *SSTable) Ref() {
	if s.refs.Add(1) <= 1 {
		panic(errors.AssertionFailed("ref on released %s", s))
	}
}

// Refs returns the current reference count
func (s *SSTable) Refs() int64 {
	return s.refs.Load()
}

// MarkForDeletion schedules removal of the files once every reference is gone
func (s *SSTable) MarkForDeletion() {
	s.marked.Store(true)
	if s.refs.Load() == 0 {
		_ = s.remove()
	}
}

// MarkedForDeletion reports whether the fragment has been superseded
func (s *SSTable) MarkedForDeletion() bool {
	return s.marked.Load()
}

// Unref releases a reference. The last release of a marked handle removes the
// fragment's files and returns any removal error.
func (s *SSTable) Unref() error {
	n := s.refs.Add(-1)
	if n < 0 {
		panic(errors.AssertionFailed("unref of %s below zero", s))
	}
	if n == 0 && s.marked.Load() {
		return s.remove()
	}
	return nil
}

// Deleted reports whether the fragment's files have been removed
func (s *SSTable) Deleted() bool {
	return s.deleted.Load()
}

func (s *SSTable) remove() error {
	if !s.deleted.CompareAndSwap(false, true) {
		return nil
	}
	return RemoveFiles(s.dir, s.summary.Generation)
}

// RemoveFiles deletes every component of generation gen. The meta file goes
// first so a crash mid-way never leaves a fragment that looks complete.
func RemoveFiles(dir string, gen model.Generation) error {
	var err error
	for _, suffix := range []string{MetaSuffix, DataSuffix, IndexSuffix, BloomSuffix} {
		if e := os.Remove(Path(dir, gen, suffix)); e != nil && !os.IsNotExist(e) {
			err = multierr.Append(err, e)
		}
	}
	return err
}
