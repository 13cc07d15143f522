package model

import (
	"bytes"
	"time"
)

// Row is a single versioned key/value cell stored in a table.
// Timestamps are microseconds since the Unix epoch.
type Row struct {
	Key       string `json:"key"`
	Value     []byte `json:"value,omitempty"`
	Timestamp int64  `json:"ts"`
	Tombstone bool   `json:"tombstone,omitempty"` // True if this is a delete marker
}

// Size returns the approximate in-memory footprint of the row
func (r Row) Size() int64 {
	return int64(len(r.Key) + len(r.Value) + 16)
}

// Reconcile picks the surviving version of two rows sharing a key.
// The newer timestamp wins; on a tie a tombstone shadows a live value, and two
// live values are ordered by their bytes so the outcome never depends on input order.
func Reconcile(a, b Row) Row {
	if a.Timestamp != b.Timestamp {
		if a.Timestamp > b.Timestamp {
			return a
		}
		return b
	}
	if a.Tombstone != b.Tombstone {
		if a.Tombstone {
			return a
		}
		return b
	}
	if bytes.Compare(a.Value, b.Value) >= 0 {
		return a
	}
	return b
}

// OperationType defines the type of operation applied to a table
type OperationType string

const (
	OperationTypeWrite  OperationType = "write"
	OperationTypeDelete OperationType = "delete"
)

// TimestampOf converts a wall clock time into a row timestamp
func TimestampOf(t time.Time) int64 {
	return t.UnixMicro()
}
