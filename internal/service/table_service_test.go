package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/kbr-scylla/scylladb-sub001/internal/compaction"
	"github.com/kbr-scylla/scylladb-sub001/internal/errors"
	"github.com/kbr-scylla/scylladb-sub001/internal/model"
	"github.com/kbr-scylla/scylladb-sub001/internal/storage/sstable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testTableConfig(t *testing.T, name string) TableConfig {
	cfg := DefaultTableConfig(name, filepath.Join(t.TempDir(), name))
	cfg.StrategyOptions = map[string]string{}
	return cfg
}

func openTestTable(t *testing.T, cfg TableConfig) *Table {
	table, err := OpenTable(cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = table.Close(context.Background()) })
	return table
}

// flushKeys writes n keys with the given prefix and flushes them as one run
func flushKeys(t *testing.T, table *Table, prefix string, n int) *sstable.SSTable {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, table.Put(fmt.Sprintf("%s-%04d", prefix, i), []byte(fmt.Sprintf("value-%s-%d", prefix, i))))
	}
	sst, err := table.Flush(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sst)
	return sst
}

func scanAll(t *testing.T, table *Table) []model.Row {
	t.Helper()
	var rows []model.Row
	require.NoError(t, table.Scan("", "", func(row model.Row) bool {
		rows = append(rows, row)
		return true
	}))
	return rows
}

func TestOpenTableRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TableConfig)
	}{
		{"unknown strategy", func(c *TableConfig) { c.Strategy = "leveled" }},
		{"unknown option", func(c *TableConfig) { c.StrategyOptions = map[string]string{"bogus": "1"} }},
		{"min threshold", func(c *TableConfig) { c.MinThreshold = 1 }},
		{"max below min", func(c *TableConfig) { c.MaxThreshold = 2 }},
		{"compression", func(c *TableConfig) { c.Compression = "lz4" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testTableConfig(t, "events")
			tt.mutate(&cfg)
			_, err := OpenTable(cfg, nil, zaptest.NewLogger(t))
			require.Error(t, err)
			assert.True(t, errors.IsConfiguration(err), "got %v", err)
		})
	}
}

func TestTableReadsAcrossMemtableAndSSTables(t *testing.T) {
	table := openTestTable(t, testTableConfig(t, "events"))

	require.NoError(t, table.Put("a", []byte("1")))
	require.NoError(t, table.Put("b", []byte("2")))
	_, err := table.Flush(context.Background())
	require.NoError(t, err)

	require.NoError(t, table.Put("b", []byte("3")))
	require.NoError(t, table.Delete("a"))
	require.NoError(t, table.Put("c", []byte("4")))

	row, err := table.Get("b")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, []byte("3"), row.Value)

	row, err = table.Get("a")
	require.NoError(t, err)
	assert.Nil(t, row)

	rows := scanAll(t, table)
	require.Len(t, rows, 2)
	assert.Equal(t, "b", rows[0].Key)
	assert.Equal(t, "c", rows[1].Key)

	var bounded []string
	require.NoError(t, table.Scan("b", "c", func(row model.Row) bool {
		bounded = append(bounded, row.Key)
		return true
	}))
	assert.Equal(t, []string{"b"}, bounded)
}

func TestTableApplyValidatesRows(t *testing.T) {
	table := openTestTable(t, testTableConfig(t, "events"))
	err := table.Put("", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidKey, errors.GetCode(err))
}

func TestFlushPublishesSingleFragmentRun(t *testing.T) {
	table := openTestTable(t, testTableConfig(t, "events"))

	var events []ReplaceEvent
	table.Subscribe(func(ev ReplaceEvent) { events = append(events, ev) })

	sst, err := table.Flush(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sst, "an empty memtable is not flushed")

	sst = flushKeys(t, table, "k", 10)
	assert.Equal(t, int64(10), sst.RowCount())
	assert.Equal(t, 1, table.SSTablesCount())
	assert.True(t, table.LiveSet().Contains(sst))
	assert.Equal(t, 0.0, table.Backlog(), "a single run carries no debt")
	assert.Empty(t, table.Monitors().Writes(), "the flush write is unregistered once published")

	require.Len(t, events, 1)
	assert.Equal(t, model.CompactionTypeFlush, events[0].Type)
	assert.Equal(t, []*sstable.SSTable{sst}, events[0].Added)
	assert.False(t, table.ShouldFlush())
}

func TestFlushFailureKeepsRows(t *testing.T) {
	table := openTestTable(t, testTableConfig(t, "events"))
	require.NoError(t, table.Put("a", []byte("1")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := table.Flush(ctx)
	require.Error(t, err)

	assert.Equal(t, 0, table.SSTablesCount())
	row, err := table.Get("a")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, []byte("1"), row.Value)

	entries, err := os.ReadDir(table.cfg.Dir)
	require.NoError(t, err)
	for _, e := range entries {
		_, isSSTable := sstable.ParseFileName(e.Name())
		assert.False(t, isSSTable, "aborted flush left %s behind", e.Name())
	}
}

func TestReplaceDetectsConflicts(t *testing.T) {
	table := openTestTable(t, testTableConfig(t, "events"))
	a := flushKeys(t, table, "a", 5)
	b := flushKeys(t, table, "b", 5)

	snap := table.Snapshot()
	defer snap.Close()

	// a is replaced by nothing; a second replacement of a must fail
	require.NoError(t, table.Replace([]*sstable.SSTable{a}, nil, model.CompactionTypeCleanup))
	err := table.Replace([]*sstable.SSTable{a, b}, nil, model.CompactionTypeCompaction)
	require.Error(t, err)
	assert.True(t, errors.IsPublishConflict(err))
	assert.True(t, table.LiveSet().Contains(b), "a failed replacement changes nothing")

	err = table.Replace(nil, []*sstable.SSTable{b}, model.CompactionTypeCompaction)
	assert.True(t, errors.IsInvariantViolation(err))

	// The snapshot still pins a
	assert.False(t, a.Deleted())
	require.NoError(t, snap.Close())
	assert.True(t, a.Deleted())
}

func TestReopenRestoresLiveSetAndRemovesOrphans(t *testing.T) {
	cfg := testTableConfig(t, "events")
	table, err := OpenTable(cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	flushKeys(t, table, "a", 20)
	flushKeys(t, table, "b", 20)
	require.NoError(t, table.Put("c-0000", []byte("buffered")))
	require.NoError(t, table.Close(context.Background()))

	// Leftovers of a job that crashed before publishing
	w, err := sstable.NewWriter(sstable.WriterConfig{
		Dir:        cfg.Dir,
		Generation: 1000,
		RunID:      model.NewRunID(),
	})
	require.NoError(t, err)
	require.NoError(t, w.Write(model.Row{Key: "zombie", Value: []byte("x"), Timestamp: 1}))
	_, err = w.Finish()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Dir, "MANIFEST.tmp"), []byte("{"), 0644))

	reopened := openTestTable(t, cfg)
	assert.Equal(t, 3, reopened.SSTablesCount())
	assert.Len(t, scanAll(t, reopened), 41)

	row, err := reopened.Get("zombie")
	require.NoError(t, err)
	assert.Nil(t, row)

	entries, err := os.ReadDir(cfg.Dir)
	require.NoError(t, err)
	for _, e := range entries {
		gen, ok := sstable.ParseFileName(e.Name())
		assert.False(t, ok && gen == 1000, "orphan %s not removed", e.Name())
		assert.NotEqual(t, ".tmp", filepath.Ext(e.Name()))
	}

	flushKeys(t, reopened, "d", 1)
	assert.Equal(t, 4, reopened.SSTablesCount())
}

func TestSnapshotSurvivesReplacement(t *testing.T) {
	table := openTestTable(t, testTableConfig(t, "events"))
	for i := 0; i < 4; i++ {
		flushKeys(t, table, fmt.Sprintf("r%d", i), 10)
	}

	snap := table.Snapshot()
	before := snap.Set().All()

	desc := table.Strategy().GetMajorCompactionJob(table, table.NonStagingSSTables())
	exec := compaction.NewExecutor(compaction.ExecutorConfig{}, nil, zaptest.NewLogger(t))
	_, err := exec.Run(context.Background(), compaction.NewJob(table, desc))
	require.NoError(t, err)
	assert.Equal(t, 1, table.SSTablesCount())

	// The old fragments are still readable through the snapshot
	for _, sst := range before {
		assert.False(t, sst.Deleted())
	}
	row, err := snap.Get("r0-0003")
	require.NoError(t, err)
	require.NotNil(t, row)

	require.NoError(t, snap.Close())
	for _, sst := range before {
		assert.True(t, sst.Deleted())
	}
	assert.Equal(t, 0.0, table.Backlog())
}
