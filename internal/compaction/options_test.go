package compaction

import (
	"testing"
	"time"

	"github.com/kbr-scylla/scylladb-sub001/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptionsDefaults(t *testing.T) {
	opts, err := ParseOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions(), opts)
	assert.Equal(t, int64(1000*mib), opts.FragmentSize())
	assert.False(t, opts.HasSpaceAmplificationGoal())
}

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions(map[string]string{
		OptionMinSSTableSize:              "1048576",
		OptionBucketLow:                   "0.25",
		OptionBucketHigh:                  "2",
		OptionSSTableSizeInMB:             "160",
		OptionSpaceAmplificationGoal:      "1.25",
		OptionTombstoneThreshold:          "0.5",
		OptionTombstoneCompactionInterval: "3600",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(mib), opts.MinSSTableSize)
	assert.Equal(t, 0.25, opts.BucketLow)
	assert.Equal(t, 2.0, opts.BucketHigh)
	assert.Equal(t, int64(160*mib), opts.FragmentSize())
	assert.True(t, opts.HasSpaceAmplificationGoal())
	assert.Equal(t, 1.25, opts.SpaceAmplificationGoal)
	assert.Equal(t, 0.5, opts.TombstoneThreshold)
	assert.Equal(t, time.Hour, opts.TombstoneCompactionInterval)
}

func TestParseOptionsRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]string
	}{
		{"unknown key", map[string]string{"bucket_middle": "1"}},
		{"not an integer", map[string]string{OptionMinSSTableSize: "big"}},
		{"negative min size", map[string]string{OptionMinSSTableSize: "-1"}},
		{"not a number", map[string]string{OptionBucketLow: "low"}},
		{"nan", map[string]string{OptionBucketHigh: "NaN"}},
		{"low not positive", map[string]string{OptionBucketLow: "0"}},
		{"high below low", map[string]string{OptionBucketLow: "0.8", OptionBucketHigh: "0.7"}},
		{"high equal to low", map[string]string{OptionBucketLow: "1", OptionBucketHigh: "1"}},
		{"zero fragment size", map[string]string{OptionSSTableSizeInMB: "0"}},
		{"fragment size overflow", map[string]string{OptionSSTableSizeInMB: "9223372036854775807"}},
		{"goal of one", map[string]string{OptionSpaceAmplificationGoal: "1"}},
		{"goal below one", map[string]string{OptionSpaceAmplificationGoal: "0.5"}},
		{"threshold above one", map[string]string{OptionTombstoneThreshold: "1.5"}},
		{"threshold negative", map[string]string{OptionTombstoneThreshold: "-0.1"}},
		{"negative interval", map[string]string{OptionTombstoneCompactionInterval: "-5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOptions(tt.raw)
			require.Error(t, err)
			assert.True(t, errors.IsConfiguration(err), "got %v", err)
		})
	}
}
