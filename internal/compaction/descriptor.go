package compaction

import (
	"math"

	"github.com/kbr-scylla/scylladb-sub001/internal/model"
	"github.com/kbr-scylla/scylladb-sub001/internal/storage/sstable"
)

// Priority is the urgency class of a job
type Priority int

const (
	PriorityNormal Priority = iota
	// PriorityHigh is used for user-triggered work such as major compactions
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}

// UnboundedFragmentSize disables output fragment splitting
const UnboundedFragmentSize int64 = math.MaxInt64

// KeepShard leaves the shard of output fragments unchanged
const KeepShard = -1

// Descriptor is one unit of compaction work
type Descriptor struct {
	// SSTables are the inputs, flattened from the selected runs
	SSTables []*sstable.SSTable
	// Snapshot is the live set the inputs were selected from
	Snapshot *sstable.Set
	Priority Priority
	Level    int
	// MaxSSTableBytes bounds the size of one output fragment
	MaxSSTableBytes int64
	Type            model.CompactionType
	// Shard of the output, or KeepShard
	Shard int
}

func newDescriptor(sstables []*sstable.SSTable, snapshot *sstable.Set, typ model.CompactionType, fragmentSize int64) Descriptor {
	return Descriptor{
		SSTables:        sstables,
		Snapshot:        snapshot,
		Priority:        PriorityNormal,
		MaxSSTableBytes: fragmentSize,
		Type:            typ,
		Shard:           KeepShard,
	}
}

// Empty reports whether there is nothing to do
func (d Descriptor) Empty() bool {
	return len(d.SSTables) == 0
}

// FanIn returns the number of distinct input runs
func (d Descriptor) FanIn() int {
	seen := make(map[model.RunID]struct{})
	for _, sst := range d.SSTables {
		seen[sst.RunID()] = struct{}{}
	}
	return len(seen)
}

// SSTablesSize returns the total size of the inputs
func (d Descriptor) SSTablesSize() int64 {
	var total int64
	for _, sst := range d.SSTables {
		total += sst.DataSize()
	}
	return total
}

// Generations lists the input generations
func (d Descriptor) Generations() []model.Generation {
	gens := make([]model.Generation, len(d.SSTables))
	for i, sst := range d.SSTables {
		gens[i] = sst.Generation()
	}
	return gens
}

// ReshardingDescriptor rewrites one run onto a target shard
type ReshardingDescriptor struct {
	Descriptor
	RunID       model.RunID
	TargetShard int
}

// ReshapeMode selects how aggressively off-strategy input is reshaped
type ReshapeMode int

const (
	// ReshapeStrict reshapes as soon as the input reaches the off-strategy threshold
	ReshapeStrict ReshapeMode = iota
	// ReshapeRelaxed tolerates input up to the max threshold
	ReshapeRelaxed
)
