package model

import (
	"time"

	"github.com/google/uuid"
)

// Generation uniquely numbers an sstable fragment within a table
type Generation uint64

// RunID identifies the run a fragment belongs to. All fragments written by one
// flush or one compaction share a RunID and are replaced together.
type RunID = uuid.UUID

// NewRunID returns a fresh random run identifier
func NewRunID() RunID {
	return uuid.New()
}

// Summary contains the metadata of an sstable fragment that is readable without
// scanning its data file
type Summary struct {
	Generation       Generation `json:"generation"`
	RunID            RunID      `json:"run_id"`
	Level            int        `json:"level"`
	Shard            int        `json:"shard"`
	DataSize         int64      `json:"data_size"`
	RowCount         int64      `json:"row_count"`
	TombstoneCount   int64      `json:"tombstone_count"`
	MaxTombstoneTime int64      `json:"max_tombstone_time"`
	MinTimestamp     int64      `json:"min_timestamp"`
	KeyRange         KeyRange   `json:"key_range"`
	CreatedAt        time.Time  `json:"created_at"`
	Compression      string     `json:"compression"`
	Digest           uint32     `json:"digest"`
}

// KeyRange defines the range of keys in an SSTable
type KeyRange struct {
	StartKey string `json:"start_key"`
	EndKey   string `json:"end_key"`
}

// Overlaps reports whether two inclusive key ranges intersect
func (r KeyRange) Overlaps(o KeyRange) bool {
	return r.StartKey <= o.EndKey && o.StartKey <= r.EndKey
}

// CompactionType classifies a unit of compaction work
type CompactionType string

const (
	CompactionTypeCompaction         CompactionType = "compaction"
	CompactionTypeMajor              CompactionType = "major"
	CompactionTypeReshard            CompactionType = "reshard"
	CompactionTypeReshape            CompactionType = "reshape"
	CompactionTypeCleanup            CompactionType = "cleanup"
	CompactionTypeGarbageCollection  CompactionType = "garbage_collection"
	CompactionTypeSpaceAmplification CompactionType = "space_amplification"
	CompactionTypeFlush              CompactionType = "flush"
)

// CompactionStatus indicates the state of a compaction job
type CompactionStatus string

const (
	CompactionStatusPending   CompactionStatus = "pending"
	CompactionStatusRunning   CompactionStatus = "running"
	CompactionStatusCompleted CompactionStatus = "completed"
	CompactionStatusFailed    CompactionStatus = "failed"
	CompactionStatusAborted   CompactionStatus = "aborted"
)
