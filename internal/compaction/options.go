package compaction

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/kbr-scylla/scylladb-sub001/internal/errors"
)

// Recognised strategy option keys
const (
	OptionMinSSTableSize              = "min_sstable_size"
	OptionBucketLow                   = "bucket_low"
	OptionBucketHigh                  = "bucket_high"
	OptionSSTableSizeInMB             = "sstable_size_in_mb"
	OptionSpaceAmplificationGoal      = "space_amplification_goal"
	OptionTombstoneThreshold          = "tombstone_threshold"
	OptionTombstoneCompactionInterval = "tombstone_compaction_interval"
)

const (
	DefaultMinSSTableSize              = 50 * 1024 * 1024
	DefaultBucketLow                   = 0.5
	DefaultBucketHigh                  = 1.5
	DefaultSSTableSizeInMB             = 1000
	DefaultTombstoneThreshold          = 0.2
	DefaultTombstoneCompactionInterval = 86400 * time.Second

	// Fragment sizes below this produce runs with many small fragments
	minRecommendedSSTableSizeInMB = 100
)

// Options configures bucketing and job selection
type Options struct {
	MinSSTableSize  int64
	BucketLow       float64
	BucketHigh      float64
	SSTableSizeInMB int64
	// SpaceAmplificationGoal is zero when no goal is configured
	SpaceAmplificationGoal      float64
	TombstoneThreshold          float64
	TombstoneCompactionInterval time.Duration
}

// DefaultOptions returns the options used when nothing is configured
func DefaultOptions() Options {
	return Options{
		MinSSTableSize:              DefaultMinSSTableSize,
		BucketLow:                   DefaultBucketLow,
		BucketHigh:                  DefaultBucketHigh,
		SSTableSizeInMB:             DefaultSSTableSizeInMB,
		TombstoneThreshold:          DefaultTombstoneThreshold,
		TombstoneCompactionInterval: DefaultTombstoneCompactionInterval,
	}
}

// FragmentSize returns the output fragment bound in bytes
func (o Options) FragmentSize() int64 {
	return o.SSTableSizeInMB * 1024 * 1024
}

// HasSpaceAmplificationGoal reports whether a goal is configured
func (o Options) HasSpaceAmplificationGoal() bool {
	return o.SpaceAmplificationGoal > 0
}

// ParseOptions validates string-keyed strategy options. Unknown keys and values
// that do not parse are configuration errors.
func ParseOptions(raw map[string]string) (Options, error) {
	opts := DefaultOptions()

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := raw[key]
		var err error
		switch key {
		case OptionMinSSTableSize:
			opts.MinSSTableSize, err = parseInt(key, value, 0)
		case OptionBucketLow:
			opts.BucketLow, err = parseFloat(key, value)
		case OptionBucketHigh:
			opts.BucketHigh, err = parseFloat(key, value)
		case OptionSSTableSizeInMB:
			opts.SSTableSizeInMB, err = parseInt(key, value, 1)
		case OptionSpaceAmplificationGoal:
			opts.SpaceAmplificationGoal, err = parseFloat(key, value)
			if err == nil && opts.SpaceAmplificationGoal <= 1.0 {
				err = errors.Configuration(key, "must be greater than 1")
			}
		case OptionTombstoneThreshold:
			opts.TombstoneThreshold, err = parseFloat(key, value)
			if err == nil && (opts.TombstoneThreshold < 0 || opts.TombstoneThreshold > 1) {
				err = errors.Configuration(key, "must be between 0 and 1")
			}
		case OptionTombstoneCompactionInterval:
			var seconds int64
			seconds, err = parseInt(key, value, 0)
			opts.TombstoneCompactionInterval = time.Duration(seconds) * time.Second
		default:
			err = errors.Configuration(key, "unknown option")
		}
		if err != nil {
			return Options{}, err
		}
	}

	if opts.BucketLow <= 0 {
		return Options{}, errors.Configuration(OptionBucketLow, "must be positive")
	}
	if opts.BucketHigh <= opts.BucketLow {
		return Options{}, errors.Configuration(OptionBucketHigh,
			fmt.Sprintf("must be greater than %s (%g)", OptionBucketLow, opts.BucketLow))
	}
	if opts.SSTableSizeInMB > math.MaxInt64/(1024*1024) {
		return Options{}, errors.Configuration(OptionSSTableSizeInMB, "too large")
	}
	return opts, nil
}

func parseInt(key, value string, min int64) (int64, error) {
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, errors.Configuration(key, fmt.Sprintf("%q is not an integer", value))
	}
	if v < min {
		return 0, errors.Configuration(key, fmt.Sprintf("must be at least %d", min))
	}
	return v, nil
}

func parseFloat(key, value string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.Configuration(key, fmt.Sprintf("%q is not a number", value))
	}
	return v, nil
}
