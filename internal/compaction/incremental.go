package compaction

import (
	"sort"
	"time"

	"github.com/kbr-scylla/scylladb-sub001/internal/model"
	"github.com/kbr-scylla/scylladb-sub001/internal/storage/sstable"
	"go.uber.org/zap"
)

// incrementalStrategy is the size-tiered family over runs. The incremental
// variant splits output into bounded fragments; the size-tiered variant writes
// each output run as a single fragment.
type incrementalStrategy struct {
	name         string
	opts         Options
	fragmentSize int64
	tracker      *BacklogTracker
	logger       *zap.Logger
	now          func() time.Time
}

func newIncrementalStrategy(name string, opts Options, fragmentSize int64, logger *zap.Logger) *incrementalStrategy {
	return &incrementalStrategy{
		name:         name,
		opts:         opts,
		fragmentSize: fragmentSize,
		tracker:      NewBacklogTracker(),
		logger:       logger.With(zap.String("strategy", name)),
		now:          time.Now,
	}
}

func (s *incrementalStrategy) Name() string                    { return s.name }
func (s *incrementalStrategy) Options() Options                { return s.opts }
func (s *incrementalStrategy) BacklogTracker() *BacklogTracker { return s.tracker }

func (s *incrementalStrategy) descriptor(runs []*Run, table TableState, typ model.CompactionType) Descriptor {
	return newDescriptor(RunsToSSTables(runs), table.LiveSet(), typ, s.fragmentSize)
}

func (s *incrementalStrategy) GetSSTablesForCompaction(table TableState, control Control, candidates []*sstable.SSTable) Descriptor {
	minThreshold := table.MinCompactionThreshold()
	maxThreshold := table.MaxCompactionThreshold()

	buckets := GetBuckets(SSTablesToRuns(candidates), s.opts)

	if isAnyBucketInteresting(buckets, minThreshold) {
		runs := MostInterestingBucket(buckets, minThreshold, maxThreshold)
		return s.descriptor(runs, table, model.CompactionTypeCompaction)
	}
	// Without an enforced minimum, any pair of runs in the same tier will do
	if !table.CompactionEnforceMinThreshold() && isAnyBucketInteresting(buckets, 2) {
		runs := MostInterestingBucket(buckets, 2, maxThreshold)
		return s.descriptor(runs, table, model.CompactionTypeCompaction)
	}

	// Cross-tier jobs only run once same-tier work is done. A running job may
	// also hold part of the largest tier, which would skew the ratios below.
	if control != nil && control.HasOngoingCompaction(table) {
		return Descriptor{}
	}

	if desc := s.findGarbageCollectionJob(table, buckets); !desc.Empty() {
		return desc
	}
	return s.findSpaceAmplificationJob(table, buckets)
}

// worthDroppingTombstones reports whether the run is old enough and carries
// enough purgeable tombstones to justify a cross-tier rewrite
func (s *incrementalStrategy) worthDroppingTombstones(run *Run, gcBefore int64) bool {
	if run.Len() == 0 || s.now().Add(-s.opts.TombstoneCompactionInterval).Before(run.oldestWrite()) {
		return false
	}
	var rows, droppable int64
	for _, sst := range run.All() {
		summary := sst.Summary()
		rows += summary.RowCount
		if summary.TombstoneCount > 0 && summary.MaxTombstoneTime < gcBefore {
			droppable += summary.TombstoneCount
		}
	}
	if rows == 0 || droppable == 0 {
		return false
	}
	return float64(droppable)/float64(rows) >= s.opts.TombstoneThreshold
}

func sortedByAverage(buckets []*Bucket) []*Bucket {
	sorted := make([]*Bucket, len(buckets))
	copy(sorted, buckets)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].meanSize() < sorted[j].meanSize() })
	return sorted
}

// findGarbageCollectionJob compacts a tier holding expired tombstones together
// with its closest larger tier (or the second largest, for the largest tier), so
// tombstones travel up the tree where they can be purged
func (s *incrementalStrategy) findGarbageCollectionJob(table TableState, buckets []*Bucket) Descriptor {
	gcBefore := model.TimestampOf(s.now().Add(-table.GCGrace()))
	sorted := sortedByAverage(buckets)

	idx := -1
	for i := len(sorted) - 1; i >= 0; i-- {
		for _, run := range sorted[i].Runs {
			if s.worthDroppingTombstones(run, gcBefore) {
				idx = i
				break
			}
		}
		if idx >= 0 {
			break
		}
	}
	if idx < 0 {
		s.logger.Debug("Nothing to garbage collect",
			zap.String("table", table.Name()),
			zap.Int("buckets", len(buckets)))
		return Descriptor{}
	}

	input := append([]*Run{}, sorted[idx].Runs...)
	if len(sorted) >= 2 {
		other := idx + 1
		if idx == len(sorted)-1 {
			other = idx - 1
		}
		input = append(input, sorted[other].Runs...)
	}
	s.logger.Debug("Starting garbage collection",
		zap.String("table", table.Name()),
		zap.Int("runs", len(input)))
	return s.descriptor(input, table, model.CompactionTypeGarbageCollection)
}

// findSpaceAmplificationJob merges the two largest tiers when (S0+S1)/S0 exceeds
// the goal, S0 and S1 being the sizes of the largest and second largest tier
func (s *incrementalStrategy) findSpaceAmplificationJob(table TableState, buckets []*Bucket) Descriptor {
	if !s.opts.HasSpaceAmplificationGoal() || len(buckets) < 2 {
		return Descriptor{}
	}
	sorted := sortedByAverage(buckets)
	s0, s1 := sorted[len(sorted)-1], sorted[len(sorted)-2]
	s0Size, s1Size := s0.TotalSize(), s1.TotalSize()
	sa := float64(s0Size+s1Size) / float64(s0Size)
	if sa <= s.opts.SpaceAmplificationGoal {
		return Descriptor{}
	}

	s.logger.Debug("Cross-tier compaction of the two largest tiers",
		zap.String("table", table.Name()),
		zap.Float64("space_amplification", sa),
		zap.Float64("goal", s.opts.SpaceAmplificationGoal))
	input := append(append([]*Run{}, s0.Runs...), s1.Runs...)
	return s.descriptor(input, table, model.CompactionTypeSpaceAmplification)
}

func (s *incrementalStrategy) GetMajorCompactionJob(table TableState, candidates []*sstable.SSTable) Descriptor {
	if len(candidates) == 0 {
		return Descriptor{}
	}
	desc := newDescriptor(candidates, table.LiveSet(), model.CompactionTypeMajor, s.fragmentSize)
	desc.Priority = PriorityHigh
	return desc
}

func (s *incrementalStrategy) EstimatedPendingCompactions(table TableState) int64 {
	minThreshold := table.MinCompactionThreshold()
	maxThreshold := table.MaxCompactionThreshold()
	if maxThreshold <= 0 {
		maxThreshold = 1
	}

	var n int64
	for _, b := range GetBuckets(SSTablesToRuns(table.LiveSet().All()), s.opts) {
		if b.Len() >= minThreshold {
			n += int64((b.Len() + maxThreshold - 1) / maxThreshold)
		}
	}
	return n
}

func (s *incrementalStrategy) GetReshardingJobs(table TableState, candidates []*sstable.SSTable, shardCount int) []ReshardingDescriptor {
	if shardCount <= 0 {
		return nil
	}
	snapshot := table.LiveSet()
	runs := SSTablesToRuns(candidates)
	jobs := make([]ReshardingDescriptor, 0, len(runs))
	for i, run := range runs {
		desc := newDescriptor(run.All(), snapshot, model.CompactionTypeReshard, s.fragmentSize)
		desc.Shard = i % shardCount
		jobs = append(jobs, ReshardingDescriptor{
			Descriptor:  desc,
			RunID:       run.ID(),
			TargetShard: desc.Shard,
		})
	}
	return jobs
}

// overlappingCount counts fragments whose first key does not lie past the last
// key of the fragment before it, in first key order
func overlappingCount(sorted []*sstable.SSTable) int {
	n := 0
	for i := 1; i < len(sorted); i++ {
		if sorted[i].FirstKey() <= sorted[i-1].LastKey() {
			n++
		}
	}
	return n
}

func runFirstKey(r *Run) string {
	if r.Len() == 0 {
		return ""
	}
	return r.All()[0].FirstKey()
}

// sortRunsByFirstKey keeps key contiguity when a bucket has to be split
func sortRunsByFirstKey(runs []*Run) {
	sort.SliceStable(runs, func(i, j int) bool { return runFirstKey(runs[i]) < runFirstKey(runs[j]) })
}

func (s *incrementalStrategy) GetReshapingJob(input []*sstable.SSTable, table TableState, mode ReshapeMode) Descriptor {
	offstrategyThreshold := max(table.MinCompactionThreshold(), 4)
	maxSSTables := max(table.MaxCompactionThreshold(), offstrategyThreshold)
	if mode == ReshapeRelaxed {
		offstrategyThreshold = maxSSTables
	}

	if mode == ReshapeStrict && len(input) >= offstrategyThreshold {
		sorted := append([]*sstable.SSTable{}, input...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].FirstKey() < sorted[j].FirstKey() })
		if overlappingCount(sorted) <= maxSSTables {
			return newDescriptor(sorted, table.LiveSet(), model.CompactionTypeReshape, s.fragmentSize)
		}
	}

	for _, b := range GetBuckets(SSTablesToRuns(input), s.opts) {
		if b.Len() < offstrategyThreshold {
			continue
		}
		runs := append([]*Run{}, b.Runs...)
		if len(runs) > maxSSTables {
			sortRunsByFirstKey(runs)
			runs = runs[:maxSSTables]
		}
		return s.descriptor(runs, table, model.CompactionTypeReshape)
	}
	return Descriptor{}
}

func (s *incrementalStrategy) GetCleanupJobs(table TableState, candidates []*sstable.SSTable) []Descriptor {
	maxThreshold := table.MaxCompactionThreshold()
	if maxThreshold <= 0 {
		maxThreshold = 1
	}

	var jobs []Descriptor
	for _, b := range GetBuckets(SSTablesToRuns(candidates), s.opts) {
		runs := append([]*Run{}, b.Runs...)
		if len(runs) > maxThreshold {
			sortRunsByFirstKey(runs)
		}
		for start := 0; start < len(runs); start += maxThreshold {
			end := min(start+maxThreshold, len(runs))
			jobs = append(jobs, s.descriptor(runs[start:end], table, model.CompactionTypeCleanup))
		}
	}
	return jobs
}
