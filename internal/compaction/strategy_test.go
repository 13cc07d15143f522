package compaction

import (
	"fmt"
	"testing"
	"time"

	"github.com/kbr-scylla/scylladb-sub001/internal/errors"
	"github.com/kbr-scylla/scylladb-sub001/internal/model"
	"github.com/kbr-scylla/scylladb-sub001/internal/storage/sstable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStrategy(t *testing.T, options map[string]string) *incrementalStrategy {
	t.Helper()
	s, err := NewStrategy(StrategyIncremental, options, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s.(*incrementalStrategy)
}

func TestNewStrategy(t *testing.T) {
	logger := zaptest.NewLogger(t)

	s, err := NewStrategy("", nil, logger)
	require.NoError(t, err)
	assert.Equal(t, StrategyIncremental, s.Name())
	assert.Equal(t, int64(1000*mib), s.(*incrementalStrategy).fragmentSize)
	assert.NotNil(t, s.BacklogTracker())

	s, err = NewStrategy(StrategySizeTiered, map[string]string{OptionSSTableSizeInMB: "10"}, logger)
	require.NoError(t, err)
	assert.Equal(t, UnboundedFragmentSize, s.(*incrementalStrategy).fragmentSize)

	_, err = NewStrategy("leveled_plus", nil, logger)
	assert.True(t, errors.IsConfiguration(err))

	_, err = NewStrategy(StrategyIncremental, map[string]string{OptionBucketHigh: "0.1"}, logger)
	assert.True(t, errors.IsConfiguration(err))
}

func TestSelectsMostInterestingBucket(t *testing.T) {
	s := newTestStrategy(t, nil)
	small := singleFragmentRuns(1*mib, 2*mib, 3*mib, 4*mib, 5*mib)
	large := singleFragmentRuns(repeatSize(500*mib, 4)...)
	table := newFakeTable(append(small, large...)...)

	desc := s.GetSSTablesForCompaction(table, fakeControl(false), table.LiveSet().All())
	require.False(t, desc.Empty())
	assert.Equal(t, model.CompactionTypeCompaction, desc.Type)
	assert.Equal(t, PriorityNormal, desc.Priority)
	assert.Equal(t, int64(1000*mib), desc.MaxSSTableBytes)
	assert.Equal(t, KeepShard, desc.Shard)
	assert.Same(t, table.LiveSet(), desc.Snapshot)
	assert.ElementsMatch(t, generations(small), desc.Generations())
}

func TestSelectionTruncatesToMaxThreshold(t *testing.T) {
	s := newTestStrategy(t, nil)
	table := newFakeTable(singleFragmentRuns(repeatSize(mib, 10)...)...)
	table.maxThreshold = 6

	desc := s.GetSSTablesForCompaction(table, nil, table.LiveSet().All())
	assert.Len(t, desc.SSTables, 6)
	assert.Equal(t, 6, desc.FanIn())
}

func TestSelectionWithoutEnforcedMinimum(t *testing.T) {
	s := newTestStrategy(t, nil)
	table := newFakeTable(singleFragmentRuns(mib, mib)...)

	assert.True(t, s.GetSSTablesForCompaction(table, nil, table.LiveSet().All()).Empty())

	table.enforceMin = false
	desc := s.GetSSTablesForCompaction(table, nil, table.LiveSet().All())
	assert.Len(t, desc.SSTables, 2)
}

func TestSelectionKeepsRunsWhole(t *testing.T) {
	s := newTestStrategy(t, nil)
	id := model.NewRunID()
	multi := []*sstable.SSTable{fragment(id, mib, "a", "f"), fragment(id, mib, "g", "m")}
	table := newFakeTable(append(singleFragmentRuns(mib, mib, mib), multi...)...)

	desc := s.GetSSTablesForCompaction(table, nil, table.LiveSet().All())
	assert.Len(t, desc.SSTables, 5)
	assert.Equal(t, 4, desc.FanIn())
}

func TestSpaceAmplificationJob(t *testing.T) {
	s := newTestStrategy(t, map[string]string{OptionSpaceAmplificationGoal: "1.5"})
	ssts := singleFragmentRuns(300*mib, 300*mib, 1000*mib)
	table := newFakeTable(ssts...)

	desc := s.GetSSTablesForCompaction(table, fakeControl(false), table.LiveSet().All())
	require.False(t, desc.Empty())
	assert.Equal(t, model.CompactionTypeSpaceAmplification, desc.Type)
	assert.ElementsMatch(t, generations(ssts), desc.Generations())

	t.Run("waits for running jobs", func(t *testing.T) {
		desc := s.GetSSTablesForCompaction(table, fakeControl(true), table.LiveSet().All())
		assert.True(t, desc.Empty())
	})

	t.Run("under the goal", func(t *testing.T) {
		table := newFakeTable(singleFragmentRuns(200*mib, 1000*mib)...)
		desc := s.GetSSTablesForCompaction(table, fakeControl(false), table.LiveSet().All())
		assert.True(t, desc.Empty())
	})

	t.Run("no goal configured", func(t *testing.T) {
		s := newTestStrategy(t, nil)
		desc := s.GetSSTablesForCompaction(table, fakeControl(false), table.LiveSet().All())
		assert.True(t, desc.Empty())
	})
}

func tombstoneHeavy(size int64, created time.Time, maxTombstone time.Time) *sstable.SSTable {
	nextFakeGeneration++
	return sstable.FromSummary("", model.Summary{
		Generation:       nextFakeGeneration,
		RunID:            model.NewRunID(),
		DataSize:         size,
		RowCount:         100,
		TombstoneCount:   60,
		MaxTombstoneTime: model.TimestampOf(maxTombstone),
		KeyRange:         model.KeyRange{StartKey: "a", EndKey: "z"},
		CreatedAt:        created,
	})
}

func TestGarbageCollectionJob(t *testing.T) {
	now := time.Now()
	s := newTestStrategy(t, nil)
	s.now = func() time.Time { return now }

	old := tombstoneHeavy(100*mib, now.Add(-48*time.Hour), now.Add(-30*24*time.Hour))
	larger := singleFragmentRuns(1000 * mib)
	largest := singleFragmentRuns(10000 * mib)
	table := newFakeTable(old, larger[0], largest[0])

	desc := s.GetSSTablesForCompaction(table, fakeControl(false), table.LiveSet().All())
	require.False(t, desc.Empty())
	assert.Equal(t, model.CompactionTypeGarbageCollection, desc.Type)
	assert.ElementsMatch(t, []model.Generation{old.Generation(), larger[0].Generation()}, desc.Generations())

	t.Run("largest tier pairs with the second largest", func(t *testing.T) {
		big := tombstoneHeavy(10000*mib, now.Add(-48*time.Hour), now.Add(-30*24*time.Hour))
		table := newFakeTable(big, larger[0])
		desc := s.GetSSTablesForCompaction(table, fakeControl(false), table.LiveSet().All())
		assert.ElementsMatch(t, []model.Generation{big.Generation(), larger[0].Generation()}, desc.Generations())
	})

	t.Run("young runs are left alone", func(t *testing.T) {
		young := tombstoneHeavy(100*mib, now.Add(-time.Hour), now.Add(-30*24*time.Hour))
		table := newFakeTable(young, larger[0])
		assert.True(t, s.GetSSTablesForCompaction(table, fakeControl(false), table.LiveSet().All()).Empty())
	})

	t.Run("tombstones within grace are not droppable", func(t *testing.T) {
		fresh := tombstoneHeavy(100*mib, now.Add(-48*time.Hour), now.Add(-time.Hour))
		table := newFakeTable(fresh, larger[0])
		assert.True(t, s.GetSSTablesForCompaction(table, fakeControl(false), table.LiveSet().All()).Empty())
	})
}

func TestMajorCompactionJob(t *testing.T) {
	s := newTestStrategy(t, nil)
	ssts := singleFragmentRuns(mib, 100*mib, 10000*mib)
	table := newFakeTable(ssts...)

	desc := s.GetMajorCompactionJob(table, table.LiveSet().All())
	assert.Equal(t, model.CompactionTypeMajor, desc.Type)
	assert.Equal(t, PriorityHigh, desc.Priority)
	assert.ElementsMatch(t, generations(ssts), desc.Generations())

	assert.True(t, s.GetMajorCompactionJob(table, nil).Empty())
}

func TestEstimatedPendingCompactions(t *testing.T) {
	s := newTestStrategy(t, nil)
	sizes := append(repeatSize(mib, 10), repeatSize(500*mib, 3)...)
	table := newFakeTable(singleFragmentRuns(sizes...)...)
	table.maxThreshold = 4

	first := s.EstimatedPendingCompactions(table)
	assert.Equal(t, int64(3), first)
	assert.Equal(t, first, s.EstimatedPendingCompactions(table))

	table.minThreshold = 2
	assert.Equal(t, int64(4), s.EstimatedPendingCompactions(table))
}

func TestReshardingJobs(t *testing.T) {
	s := newTestStrategy(t, nil)
	var ssts []*sstable.SSTable
	runs := make([]model.RunID, 5)
	for i := range runs {
		runs[i] = model.NewRunID()
		for j := 0; j <= i%2; j++ {
			key := fmt.Sprintf("r%d-%d", i, j)
			ssts = append(ssts, fragment(runs[i], mib, key, key))
		}
	}
	table := newFakeTable(ssts...)

	jobs := s.GetReshardingJobs(table, ssts, 3)
	require.Len(t, jobs, len(runs))
	for i, job := range jobs {
		assert.Equal(t, runs[i], job.RunID)
		assert.Equal(t, i%3, job.TargetShard)
		assert.Equal(t, i%3, job.Shard)
		assert.Equal(t, model.CompactionTypeReshard, job.Type)
		assert.Equal(t, 1, job.FanIn())
		assert.Len(t, job.SSTables, 1+i%2)
		for _, sst := range job.SSTables {
			assert.Equal(t, runs[i], sst.RunID())
		}
	}

	assert.Empty(t, s.GetReshardingJobs(table, ssts, 0))
}

func TestReshapingJob(t *testing.T) {
	s := newTestStrategy(t, nil)
	disjoint := singleFragmentRuns(repeatSize(mib, 4)...)
	table := newFakeTable(disjoint...)

	t.Run("strict reshapes disjoint input whole", func(t *testing.T) {
		desc := s.GetReshapingJob(disjoint, table, ReshapeStrict)
		assert.Equal(t, model.CompactionTypeReshape, desc.Type)
		assert.Len(t, desc.SSTables, 4)
		for i := 1; i < len(desc.SSTables); i++ {
			assert.Less(t, desc.SSTables[i-1].FirstKey(), desc.SSTables[i].FirstKey())
		}
	})

	t.Run("relaxed tolerates input below the max threshold", func(t *testing.T) {
		assert.True(t, s.GetReshapingJob(disjoint, table, ReshapeRelaxed).Empty())
	})

	t.Run("below the off-strategy threshold", func(t *testing.T) {
		assert.True(t, s.GetReshapingJob(disjoint[:3], table, ReshapeStrict).Empty())
	})

	t.Run("overlapping input falls back to buckets", func(t *testing.T) {
		var overlapping []*sstable.SSTable
		for i := 0; i < 40; i++ {
			overlapping = append(overlapping, fragment(model.NewRunID(), mib, "a", "z"))
		}
		table := newFakeTable(overlapping...)
		desc := s.GetReshapingJob(overlapping, table, ReshapeStrict)
		assert.Len(t, desc.SSTables, 32)

		desc = s.GetReshapingJob(overlapping, table, ReshapeRelaxed)
		assert.Len(t, desc.SSTables, 32)
	})
}

func TestCleanupJobs(t *testing.T) {
	s := newTestStrategy(t, nil)
	sizes := append(repeatSize(mib, 10), 1000*mib)
	ssts := singleFragmentRuns(sizes...)
	table := newFakeTable(ssts...)
	table.maxThreshold = 4

	jobs := s.GetCleanupJobs(table, ssts)
	require.Len(t, jobs, 4)
	var total int
	for i, job := range jobs {
		assert.Equal(t, model.CompactionTypeCleanup, job.Type)
		assert.LessOrEqual(t, job.FanIn(), 4)
		total += len(job.SSTables)
		if i < 2 {
			assert.Len(t, job.SSTables, 4)
		}
	}
	assert.Equal(t, len(ssts), total)
	assert.Len(t, jobs[2].SSTables, 2)
	assert.Len(t, jobs[3].SSTables, 1)
}

func generations(ssts []*sstable.SSTable) []model.Generation {
	out := make([]model.Generation, len(ssts))
	for i, sst := range ssts {
		out[i] = sst.Generation()
	}
	return out
}
