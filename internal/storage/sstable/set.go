package sstable

import (
	"github.com/google/btree"
	"github.com/kbr-scylla/scylladb-sub001/internal/model"
)

func byGeneration(a, b *SSTable) bool {
	return a.Generation() < b.Generation()
}

// Set is an immutable, generation-ordered set of live fragments. Updates return
// a new Set sharing structure with the old one, so a Set handed to a reader never
// changes underneath it.
type Set struct {
	tree  *btree.BTreeG[*SSTable]
	bytes int64
}

// NewSet builds a set from the given fragments
func NewSet(sstables ...*SSTable) *Set {
	s := &Set{tree: btree.NewG[*SSTable](16, byGeneration)}
	for _, sst := range sstables {
		if _, replaced := s.tree.ReplaceOrInsert(sst); !replaced {
			s.bytes += sst.DataSize()
		}
	}
	return s
}

// With returns a copy of the set with remove taken out and add put in
func (s *Set) With(add, remove []*SSTable) *Set {
	next := &Set{tree: s.tree.Clone(), bytes: s.bytes}
	for _, sst := range remove {
		if old, ok := next.tree.Delete(sst); ok {
			next.bytes -= old.DataSize()
		}
	}
	for _, sst := range add {
		if old, replaced := next.tree.ReplaceOrInsert(sst); replaced {
			next.bytes -= old.DataSize()
		}
		next.bytes += sst.DataSize()
	}
	return next
}

// Contains reports whether a fragment with the same generation is in the set
func (s *Set) Contains(sst *SSTable) bool {
	return s.tree.Has(sst)
}

// Get looks up a fragment by generation
func (s *Set) Get(gen model.Generation) (*SSTable, bool) {
	return s.tree.Get(&SSTable{summary: model.Summary{Generation: gen}})
}

// All returns the fragments in generation order
func (s *Set) All() []*SSTable {
	out := make([]*SSTable, 0, s.tree.Len())
	s.tree.Ascend(func(sst *SSTable) bool {
		out = append(out, sst)
		return true
	})
	return out
}

// Len returns the number of fragments
func (s *Set) Len() int {
	return s.tree.Len()
}

// Bytes returns the total data size of the set
func (s *Set) Bytes() int64 {
	return s.bytes
}

// Runs returns the distinct run identifiers in order of first appearance
func (s *Set) Runs() []model.RunID {
	seen := make(map[model.RunID]struct{})
	var runs []model.RunID
	s.tree.Ascend(func(sst *SSTable) bool {
		if _, ok := seen[sst.RunID()]; !ok {
			seen[sst.RunID()] = struct{}{}
			runs = append(runs, sst.RunID())
		}
		return true
	})
	return runs
}

// MaxGeneration returns the highest generation in the set, or 0 when empty
func (s *Set) MaxGeneration() model.Generation {
	if max, ok := s.tree.Max(); ok {
		return max.Generation()
	}
	return 0
}
