package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/kbr-scylla/scylladb-sub001/internal/errors"
	"github.com/kbr-scylla/scylladb-sub001/internal/model"
)

const (
	// FileName is the name of the manifest inside a table directory
	FileName = "MANIFEST"
	tmpName  = "MANIFEST.tmp"
	version  = 1
)

// Entry records one live fragment
type Entry struct {
	Generation model.Generation `json:"generation"`
	RunID      model.RunID      `json:"run_id"`
}

// State is the persisted content of the manifest
type State struct {
	Version        int              `json:"version"`
	NextGeneration model.Generation `json:"next_generation"`
	Live           []Entry          `json:"live"`
}

// Manifest lists the live fragments of a table. Rewriting it is the single
// durable publish point of a flush or compaction: a fragment on disk that the
// manifest does not list is garbage from an interrupted job.
type Manifest struct {
	dir   string
	mu    sync.Mutex
	state State
}

// Load reads the manifest of dir, returning an empty one if none exists yet
func Load(dir string) (*Manifest, error) {
	m := &Manifest{dir: dir, state: State{Version: version, NextGeneration: 1}}

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, errors.IOError("failed to read manifest", err)
	}
	if err := json.Unmarshal(data, &m.state); err != nil {
		return nil, errors.CorruptedData("failed to decode manifest", err)
	}
	if m.state.Version != version {
		return nil, errors.CorruptedData(fmt.Sprintf("unsupported manifest version %d", m.state.Version), nil)
	}
	for _, e := range m.state.Live {
		if e.Generation >= m.state.NextGeneration {
			return nil, errors.CorruptedData(
				fmt.Sprintf("live generation %d not below next generation %d", e.Generation, m.state.NextGeneration), nil)
		}
	}
	return m, nil
}

// Live returns the recorded live fragments in generation order
func (m *Manifest) Live() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.state.Live))
	copy(out, m.state.Live)
	return out
}

// IsLive reports whether gen is recorded as live
func (m *Manifest) IsLive(gen model.Generation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.state.Live {
		if e.Generation == gen {
			return true
		}
	}
	return false
}

// NextGeneration allocates a fresh generation number. Allocation is not durable
// until the next Commit; a crash may reuse a number whose files are orphans and
// get removed at open.
func (m *Manifest) NextGeneration() model.Generation {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen := m.state.NextGeneration
	m.state.NextGeneration++
	return gen
}

// Commit durably replaces the live list
func (m *Manifest) Commit(live []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sorted := make([]Entry, len(live))
	copy(sorted, live)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Generation < sorted[j].Generation })

	next := State{Version: version, NextGeneration: m.state.NextGeneration, Live: sorted}
	for _, e := range sorted {
		if e.Generation >= next.NextGeneration {
			next.NextGeneration = e.Generation + 1
		}
	}

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return errors.InternalError("failed to marshal manifest", err)
	}
	if err := writeAtomic(m.dir, data); err != nil {
		return err
	}
	m.state = next
	return nil
}

// writeAtomic writes the temp file, syncs it, renames it over the manifest and
// syncs the directory so the rename itself survives a crash.
func writeAtomic(dir string, data []byte) error {
	tmp := filepath.Join(dir, tmpName)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.IOError("failed to create manifest", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.IOError("failed to write manifest", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.IOError("failed to sync manifest", err)
	}
	if err := f.Close(); err != nil {
		return errors.IOError("failed to close manifest", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, FileName)); err != nil {
		return errors.IOError("failed to install manifest", err)
	}
	return SyncDir(dir)
}

// SyncDir fsyncs a directory
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.IOError("failed to open directory", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.IOError("failed to sync directory", err)
	}
	return nil
}
