package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kbr-scylla/scylladb-sub001/internal/errors"
	"github.com/kbr-scylla/scylladb-sub001/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmpty(t *testing.T) {
	m, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, m.Live())
	assert.Equal(t, model.Generation(1), m.NextGeneration())
	assert.Equal(t, model.Generation(2), m.NextGeneration())
}

func TestCommitAndReload(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir)
	require.NoError(t, err)

	run := model.NewRunID()
	g1, g2 := m.NextGeneration(), m.NextGeneration()
	require.NoError(t, m.Commit([]Entry{{Generation: g2, RunID: run}, {Generation: g1, RunID: run}}))

	_, err = os.Stat(filepath.Join(dir, tmpName))
	assert.True(t, os.IsNotExist(err), "temp file must be renamed away")

	reloaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Generation: g1, RunID: run}, {Generation: g2, RunID: run}}, reloaded.Live())
	assert.True(t, reloaded.IsLive(g1))
	assert.False(t, reloaded.IsLive(99))
	assert.Equal(t, model.Generation(3), reloaded.NextGeneration())
}

func TestCommitAdvancesNextGeneration(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir)
	require.NoError(t, err)

	require.NoError(t, m.Commit([]Entry{{Generation: 10, RunID: model.NewRunID()}}))
	assert.Equal(t, model.Generation(11), m.NextGeneration())
}

func TestLoadCorrupted(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0644))

	_, err := Load(dir)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeCorruptedData, errors.GetCode(err))
}
