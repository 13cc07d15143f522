package util

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"simple", []byte("hello world")},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
		{"large", make([]byte, 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, ComputeChecksum(tt.data), ComputeChecksum(tt.data))
		})
	}
}

func TestValidateChecksum(t *testing.T) {
	data := []byte("test data for checksum validation")
	checksum := ComputeChecksum(data)

	assert.True(t, ValidateChecksum(data, checksum))
	assert.False(t, ValidateChecksum(data, checksum+1))

	corrupted := append([]byte{}, data...)
	corrupted[0] ^= 0xFF
	assert.False(t, ValidateChecksum(corrupted, checksum))
}

func TestAppendAndStripChecksum(t *testing.T) {
	for _, data := range [][]byte{{}, []byte("hello world"), {0x00, 0x01, 0xFF}} {
		withChecksum := AppendChecksum(data)
		require.Len(t, withChecksum, len(data)+4)

		recovered, valid := ValidateAndStripChecksum(withChecksum)
		require.True(t, valid)
		assert.True(t, bytes.Equal(data, recovered))
	}
}

func TestCorruptedChecksum(t *testing.T) {
	withChecksum := AppendChecksum([]byte("test data"))
	withChecksum[len(withChecksum)-1] ^= 0xFF

	_, valid := ValidateAndStripChecksum(withChecksum)
	assert.False(t, valid)

	_, valid = ValidateAndStripChecksum([]byte{0x01, 0x02})
	assert.False(t, valid, "data shorter than 4 bytes should fail validation")
}

func TestDigestWriter(t *testing.T) {
	var buf bytes.Buffer
	dw := NewDigestWriter(&buf)

	_, err := dw.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = dw.Write([]byte("world"))
	require.NoError(t, err)

	assert.Equal(t, int64(11), dw.Count())
	assert.Equal(t, ComputeChecksum([]byte("hello world")), dw.Sum())
	assert.Equal(t, "hello world", buf.String())
}

func BenchmarkComputeChecksum(b *testing.B) {
	data := make([]byte, 1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ComputeChecksum(data)
	}
}
