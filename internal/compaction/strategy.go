package compaction

import (
	"fmt"

	"github.com/kbr-scylla/scylladb-sub001/internal/errors"
	"github.com/kbr-scylla/scylladb-sub001/internal/storage/sstable"
	"go.uber.org/zap"
)

// Strategy kinds accepted by NewStrategy
const (
	StrategyIncremental = "incremental"
	StrategySizeTiered  = "size_tiered"
)

// Strategy chooses compaction work for one table. A strategy performs no
// locking against concurrent selection: callers must only pass candidates that
// are not already part of a running job.
type Strategy interface {
	Name() string
	Options() Options

	// GetSSTablesForCompaction picks the next job, or an empty descriptor
	GetSSTablesForCompaction(table TableState, control Control, candidates []*sstable.SSTable) Descriptor
	// GetMajorCompactionJob compacts every candidate into one run
	GetMajorCompactionJob(table TableState, candidates []*sstable.SSTable) Descriptor
	// EstimatedPendingCompactions estimates the rounds needed to drain the table
	EstimatedPendingCompactions(table TableState) int64
	// GetReshardingJobs rewrites each run onto a target shard
	GetReshardingJobs(table TableState, candidates []*sstable.SSTable, shardCount int) []ReshardingDescriptor
	// GetReshapingJob brings off-strategy input back into shape
	GetReshapingJob(input []*sstable.SSTable, table TableState, mode ReshapeMode) Descriptor
	// GetCleanupJobs splits candidates into jobs of at most max threshold runs
	GetCleanupJobs(table TableState, candidates []*sstable.SSTable) []Descriptor

	BacklogTracker() *BacklogTracker
}

// NewStrategy builds a strategy from its kind and string options. Invalid
// options are configuration errors.
func NewStrategy(kind string, options map[string]string, logger *zap.Logger) (Strategy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := ParseOptions(options)
	if err != nil {
		return nil, err
	}

	switch kind {
	case "", StrategyIncremental:
		if opts.SSTableSizeInMB < minRecommendedSSTableSizeInMB {
			logger.Warn("Small sstable size configured, runs may have a substantial number of fragments",
				zap.Int64("sstable_size_in_mb", opts.SSTableSizeInMB))
		}
		return newIncrementalStrategy(StrategyIncremental, opts, opts.FragmentSize(), logger), nil
	case StrategySizeTiered:
		return newIncrementalStrategy(StrategySizeTiered, opts, UnboundedFragmentSize, logger), nil
	default:
		return nil, errors.Configuration("strategy", fmt.Sprintf("unknown compaction strategy %q", kind))
	}
}
