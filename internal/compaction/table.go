package compaction

import (
	"time"

	"github.com/kbr-scylla/scylladb-sub001/internal/model"
	"github.com/kbr-scylla/scylladb-sub001/internal/storage/sstable"
)

// TableState is the read-only view of a table the strategy works from
type TableState interface {
	Name() string
	// LiveSet returns the current immutable set of live fragments
	LiveSet() *sstable.Set
	MinCompactionThreshold() int
	MaxCompactionThreshold() int
	CompactionEnforceMinThreshold() bool
	// GCGrace is how long a tombstone must be kept before it may be purged
	GCGrace() time.Duration
}

// Control reports scheduler state the strategy consults for cross-tier jobs
type Control interface {
	HasOngoingCompaction(table TableState) bool
}

// FragmentWriter produces one output fragment
type FragmentWriter interface {
	Write(row model.Row) error
	// EncodedSize is the number of bytes Write would add for row
	EncodedSize(row model.Row) (int64, error)
	Written() int64
	Finish() (*sstable.SSTable, error)
	Abort() error
}

// Table is what the executor needs to run a job against a table
type Table interface {
	TableState
	// NewFragmentWriter starts a fragment of run id. The fragment is staging until
	// it is published through Replace.
	NewFragmentWriter(id model.RunID, level, shard int) (FragmentWriter, error)
	// Replace atomically swaps old for new in the live set. It fails with a
	// publish conflict when any of old is no longer live.
	Replace(old, new []*sstable.SSTable, typ model.CompactionType) error
	// MaxPurgeableTimestamp is the oldest timestamp held outside compacting, in
	// memtables or in other live fragments. A tombstone at or above it may shadow
	// that data and must be kept.
	MaxPurgeableTimestamp(compacting []*sstable.SSTable) int64
	Monitors() *Monitors
}
