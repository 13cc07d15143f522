package validation

import (
	"strings"
	"unicode"

	"github.com/kbr-scylla/scylladb-sub001/internal/errors"
	"github.com/kbr-scylla/scylladb-sub001/internal/model"
)

const (
	// Size limits
	MaxKeySize   = 1024             // 1 KB
	MaxValueSize = 10 * 1024 * 1024 // 10 MB
)

// Validator validates rows before they are applied to a table
type Validator struct {
	maxKeySize   int
	maxValueSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:   MaxKeySize,
		maxValueSize: MaxValueSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxKeySize, maxValueSize int) *Validator {
	return &Validator{
		maxKeySize:   maxKeySize,
		maxValueSize: maxValueSize,
	}
}

// ValidateRow validates a row handed to Table.Apply
func (v *Validator) ValidateRow(row model.Row) error {
	if err := v.ValidateKey(row.Key); err != nil {
		return err
	}
	if row.Tombstone && len(row.Value) > 0 {
		return errors.InvalidArgument("tombstone cannot carry a value", nil).
			WithDetail("key", row.Key)
	}
	if len(row.Value) > v.maxValueSize {
		return errors.ValueTooLarge(len(row.Value), v.maxValueSize)
	}
	if row.Timestamp < 0 {
		return errors.InvalidArgument("timestamp must not be negative", nil).
			WithDetail("timestamp", row.Timestamp)
	}
	return nil
}

// ValidateKey validates a key
func (v *Validator) ValidateKey(key string) error {
	if key == "" {
		return errors.InvalidKey(key, "key cannot be empty")
	}
	if len(key) > v.maxKeySize {
		return errors.InvalidKey(truncate(key, 32), "key exceeds maximum size")
	}
	// Null bytes and control characters break the index encoding
	if strings.Contains(key, "\x00") {
		return errors.InvalidKey(key, "key cannot contain null bytes")
	}
	for _, r := range key {
		if unicode.IsControl(r) && r != '\t' && r != '\n' {
			return errors.InvalidKey(key, "key cannot contain control characters")
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// StreamValidator checks that the rows fed to an sstable writer arrive in strictly
// increasing key order. A violation means the merge layer upstream is broken, so it
// is reported as an invariant violation rather than a recoverable error.
type StreamValidator struct {
	name    string
	lastKey string
	started bool
	count   int64
}

// NewStreamValidator creates a validator; name identifies the stream in errors
func NewStreamValidator(name string) *StreamValidator {
	return &StreamValidator{name: name}
}

// Validate checks the next key of the stream
func (v *StreamValidator) Validate(key string) error {
	if v.started && key <= v.lastKey {
		return errors.AssertionFailed("%s: key %q at position %d is not greater than previous key %q",
			v.name, key, v.count, v.lastKey)
	}
	v.lastKey = key
	v.started = true
	v.count++
	return nil
}

// Count returns the number of keys validated so far
func (v *StreamValidator) Count() int64 {
	return v.count
}

// Reset forgets the stream position, used when a writer starts a new fragment
func (v *StreamValidator) Reset() {
	v.lastKey = ""
	v.started = false
	v.count = 0
}
