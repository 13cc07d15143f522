package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kbr-scylla/scylladb-sub001/internal/compaction"
	"github.com/kbr-scylla/scylladb-sub001/internal/errors"
	"github.com/kbr-scylla/scylladb-sub001/internal/metrics"
	"github.com/kbr-scylla/scylladb-sub001/internal/model"
	"github.com/kbr-scylla/scylladb-sub001/internal/storage/sstable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestService(t *testing.T, m *metrics.Metrics) *CompactionService {
	svc := NewCompactionService(CompactionConfig{
		Workers:              2,
		Interval:             20 * time.Millisecond,
		RetryInitialInterval: 10 * time.Millisecond,
		StopTimeout:          5 * time.Second,
	}, nil, m, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = svc.Stop() })
	return svc
}

// tieredConfig disables the small-run floor so that runs of different sizes
// land in different tiers
func tieredConfig(t *testing.T, name string) TableConfig {
	cfg := testTableConfig(t, name)
	cfg.StrategyOptions = map[string]string{compaction.OptionMinSSTableSize: "0"}
	return cfg
}

func runCount(table *Table) int {
	return len(table.LiveSet().Runs())
}

func TestDrainSixteenRunsInTiers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("node-1", reg)
	svc := newTestService(t, m)

	cfg := tieredConfig(t, "events")
	cfg.MinThreshold = 4
	cfg.MaxThreshold = 4
	table := openTestTable(t, cfg)
	require.NoError(t, svc.Register(table))

	for i := 0; i < 16; i++ {
		flushKeys(t, table, fmt.Sprintf("r%02d", i), 25)
	}
	require.Equal(t, 16, runCount(table))
	assert.Equal(t, int64(4), table.PendingCompactions())

	// Four jobs of four small runs, then one job merging the four outputs
	jobs, err := svc.Drain(context.Background(), "events")
	require.NoError(t, err)
	assert.Equal(t, 5, jobs)
	assert.Equal(t, 1, runCount(table))
	assert.Len(t, scanAll(t, table), 16*25)
	assert.Equal(t, 0.0, table.Backlog())
	assert.Equal(t, int64(0), table.PendingCompactions())

	assert.Equal(t, 5.0, testutil.ToFloat64(m.CompactionJobsTotal.WithLabelValues("events", "compaction", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LiveRuns.WithLabelValues("events")))
}

func TestDrainConvergesBelowSpaceAmplificationGoal(t *testing.T) {
	svc := newTestService(t, nil)

	cfg := tieredConfig(t, "events")
	cfg.StrategyOptions[compaction.OptionSpaceAmplificationGoal] = "1.5"
	table := openTestTable(t, cfg)
	require.NoError(t, svc.Register(table))

	for i := 0; i < 4; i++ {
		flushKeys(t, table, fmt.Sprintf("big%d", i), 50)
	}
	jobs, err := svc.Drain(context.Background(), "events")
	require.NoError(t, err)
	require.Equal(t, 1, jobs)
	require.Equal(t, 1, runCount(table))

	// Three small runs stay below the min threshold but grow the second tier past
	// the goal: (4+3)/4 > 1.5
	for i := 0; i < 3; i++ {
		flushKeys(t, table, fmt.Sprintf("small%d", i), 50)
	}
	jobs, err = svc.Drain(context.Background(), "events")
	require.NoError(t, err)
	assert.Equal(t, 1, jobs)
	assert.Equal(t, 1, runCount(table))
	assert.Len(t, scanAll(t, table), 7*50)

	// A converged table offers no further work
	jobs, err = svc.Drain(context.Background(), "events")
	require.NoError(t, err)
	assert.Equal(t, 0, jobs)
}

// runSetKey identifies a live set by the runs it holds
func runSetKey(set *sstable.Set) string {
	var ids []string
	for _, id := range set.Runs() {
		ids = append(ids, id.String())
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

func TestReadersNeverSeePartialReplacement(t *testing.T) {
	svc := newTestService(t, nil)
	cfg := tieredConfig(t, "events")
	table := openTestTable(t, cfg)
	require.NoError(t, svc.Register(table))

	const runs, keys = 16, 30
	for i := 0; i < runs; i++ {
		flushKeys(t, table, fmt.Sprintf("r%02d", i), keys)
	}

	// Every live set the table ever published
	var statesMu sync.Mutex
	states := map[string]bool{runSetKey(table.LiveSet()): true}
	table.Subscribe(func(ReplaceEvent) {
		statesMu.Lock()
		defer statesMu.Unlock()
		states[runSetKey(table.LiveSet())] = true
	})

	var stop atomic.Bool
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	seen := make([]map[string]bool, 4)
	for r := 0; r < 4; r++ {
		seen[r] = make(map[string]bool)
		wg.Add(1)
		go func(seen map[string]bool) {
			defer wg.Done()
			for !stop.Load() {
				// Keys are unique, so a set holding both the inputs and the output of a
				// job would count rows twice
				snap := table.Snapshot()
				var pinned int64
				for _, sst := range snap.Set().All() {
					pinned += sst.RowCount()
				}
				seen[runSetKey(snap.Set())] = true
				if err := snap.Close(); err != nil {
					errs <- err
					return
				}
				if pinned != runs*keys {
					errs <- fmt.Errorf("snapshot pinned %d rows", pinned)
					return
				}

				n := 0
				if err := table.Scan("", "", func(model.Row) bool { n++; return true }); err != nil {
					errs <- err
					return
				}
				if n != runs*keys {
					errs <- fmt.Errorf("scan saw %d rows", n)
					return
				}
				row, err := table.Get("r07-0011")
				if err != nil || row == nil {
					errs <- fmt.Errorf("get failed: row=%v err=%v", row, err)
					return
				}
			}
		}(seen[r])
	}

	_, err := svc.Drain(context.Background(), "events")
	stop.Store(true)
	wg.Wait()
	close(errs)
	require.NoError(t, err)
	for err := range errs {
		t.Error(err)
	}
	assert.Less(t, runCount(table), 4)

	statesMu.Lock()
	defer statesMu.Unlock()
	for _, readerSeen := range seen {
		for key := range readerSeen {
			assert.True(t, states[key], "snapshot saw a run set the table never published")
		}
	}
}

func TestMajorCompactionPurgesExpiredTombstones(t *testing.T) {
	svc := newTestService(t, nil)
	cfg := testTableConfig(t, "events")
	cfg.GCGrace = 0
	table := openTestTable(t, cfg)
	require.NoError(t, svc.Register(table))

	flushKeys(t, table, "k", 10)
	for i := 0; i < 5; i++ {
		require.NoError(t, table.Delete(fmt.Sprintf("k-%04d", i)))
	}
	_, err := table.Flush(context.Background())
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	result, err := svc.MajorCompaction(context.Background(), "events")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, int64(5), result.TombstonesPurged)
	assert.Equal(t, int64(5), result.RowsWritten)
	assert.Equal(t, 1, table.SSTablesCount())
	assert.Len(t, scanAll(t, table), 5)

	row, err := table.Get("k-0002")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestMajorCompactionKeepsTombstoneShadowingMemtable(t *testing.T) {
	svc := newTestService(t, nil)
	cfg := testTableConfig(t, "events")
	cfg.GCGrace = time.Hour
	table := openTestTable(t, cfg)
	require.NoError(t, svc.Register(table))
	ctx := context.Background()

	deletedAt := model.TimestampOf(time.Now().Add(-2 * time.Hour))
	require.NoError(t, table.Apply(model.Row{Key: "k", Timestamp: deletedAt, Tombstone: true}))
	_, err := table.Flush(ctx)
	require.NoError(t, err)

	// An older version arrives after the tombstone was flushed
	require.NoError(t, table.Apply(model.Row{Key: "k", Value: []byte("stale"), Timestamp: deletedAt - 1}))
	assert.Equal(t, deletedAt-1, table.MaxPurgeableTimestamp(table.LiveSet().All()))
	row, err := table.Get("k")
	require.NoError(t, err)
	require.Nil(t, row)

	result, err := svc.MajorCompaction(ctx, "events")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Zero(t, result.TombstonesPurged)

	_, err = table.Flush(ctx)
	require.NoError(t, err)
	row, err = table.Get("k")
	require.NoError(t, err)
	assert.Nil(t, row, "the stale version must stay deleted")

	// Once the stale version is merged with the tombstone both can go
	result, err = svc.MajorCompaction(ctx, "events")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, int64(1), result.TombstonesPurged)
	assert.Zero(t, result.RowsWritten)
	row, err = table.Get("k")
	require.NoError(t, err)
	assert.Nil(t, row)
	assert.Empty(t, scanAll(t, table))
}

func TestReshardRoundRobin(t *testing.T) {
	svc := newTestService(t, nil)
	cfg := tieredConfig(t, "events")
	cfg.MinThreshold = 8
	cfg.MaxThreshold = 8
	table := openTestTable(t, cfg)
	require.NoError(t, svc.Register(table))

	for i := 0; i < 5; i++ {
		flushKeys(t, table, fmt.Sprintf("r%d", i), 10)
	}

	// Two of five runs already sit on their target shard 0
	jobs, err := svc.Reshard(context.Background(), "events", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, jobs)

	perShard := make(map[int]int)
	for _, sst := range table.LiveSet().All() {
		perShard[sst.Shard()]++
	}
	assert.Equal(t, map[int]int{0: 2, 1: 2, 2: 1}, perShard)
	assert.Len(t, scanAll(t, table), 50)

	_, err = svc.Reshard(context.Background(), "events", 0)
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}

func TestCleanupRewritesEveryRun(t *testing.T) {
	svc := newTestService(t, nil)
	cfg := tieredConfig(t, "events")
	cfg.MinThreshold = 2
	cfg.MaxThreshold = 2
	table := openTestTable(t, cfg)
	require.NoError(t, svc.Register(table))

	before := make(map[model.RunID]bool)
	for i := 0; i < 5; i++ {
		sst := flushKeys(t, table, fmt.Sprintf("r%d", i), 10)
		before[sst.RunID()] = true
	}

	jobs, err := svc.Cleanup(context.Background(), "events")
	require.NoError(t, err)
	assert.Equal(t, 3, jobs)
	for _, id := range table.LiveSet().Runs() {
		assert.False(t, before[id], "run %s was not rewritten", id)
	}
	assert.Len(t, scanAll(t, table), 50)
}

func TestReshapeOverlappingInput(t *testing.T) {
	svc := newTestService(t, nil)
	table := openTestTable(t, testTableConfig(t, "events"))
	require.NoError(t, svc.Register(table))

	// Every run covers the same keys, as after an off-strategy import
	for i := 0; i < 6; i++ {
		flushKeys(t, table, "k", 10)
	}
	jobs, err := svc.Reshape(context.Background(), "events", compaction.ReshapeStrict)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, jobs, 1)
	assert.Len(t, scanAll(t, table), 10)
}

func TestSchedulerCompactsAfterFlushes(t *testing.T) {
	svc := newTestService(t, nil)
	table := openTestTable(t, testTableConfig(t, "events"))
	require.NoError(t, svc.Register(table))
	svc.Start()

	for i := 0; i < 4; i++ {
		_, err := svc.Flush(context.Background(), "events")
		require.NoError(t, err)
		flushKeys(t, table, fmt.Sprintf("r%d", i), 10)
	}

	assert.Eventually(t, func() bool {
		return runCount(table) == 1 && svc.Running() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, scanAll(t, table), 40)
	assert.False(t, svc.Disabled("events"))
}

func TestUnknownTable(t *testing.T) {
	svc := newTestService(t, nil)

	_, err := svc.Backlog("missing")
	assert.Equal(t, errors.ErrCodeTableNotFound, errors.GetCode(err))
	_, err = svc.PendingCompactions("missing")
	assert.Equal(t, errors.ErrCodeTableNotFound, errors.GetCode(err))
	_, err = svc.MajorCompaction(context.Background(), "missing")
	assert.Equal(t, errors.ErrCodeTableNotFound, errors.GetCode(err))
}

func TestRegisterTwice(t *testing.T) {
	svc := newTestService(t, nil)
	table := openTestTable(t, testTableConfig(t, "events"))
	require.NoError(t, svc.Register(table))
	assert.Error(t, svc.Register(table))
	assert.Equal(t, []string{"events"}, svc.Tables())
}
