package util

import (
	"encoding/binary"
	"hash"
	"hash/crc32"
	"io"
)

// Checksum utilities for data integrity validation.
// Entries use CRC32 with the Castagnoli polynomial, which has hardware support on
// amd64 and arm64.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ComputeChecksum computes a CRC32-C checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// AppendChecksum appends a 4-byte little-endian checksum to the data
// Format: [data][checksum (4 bytes)]
func AppendChecksum(data []byte) []byte {
	result := make([]byte, len(data)+4)
	copy(result, data)
	binary.LittleEndian.PutUint32(result[len(data):], ComputeChecksum(data))
	return result
}

// ValidateAndStripChecksum validates the trailing checksum and returns the payload
func ValidateAndStripChecksum(dataWithChecksum []byte) ([]byte, bool) {
	if len(dataWithChecksum) < 4 {
		return nil, false
	}
	dataLen := len(dataWithChecksum) - 4
	data := dataWithChecksum[:dataLen]
	expected := binary.LittleEndian.Uint32(dataWithChecksum[dataLen:])
	return data, ValidateChecksum(data, expected)
}

// DigestWriter forwards writes and keeps a running checksum of everything written,
// used for the whole-file digest stored in an sstable summary
type DigestWriter struct {
	w      io.Writer
	digest hash.Hash32
	n      int64
}

// NewDigestWriter wraps w
func NewDigestWriter(w io.Writer) *DigestWriter {
	return &DigestWriter{w: w, digest: crc32.New(castagnoli)}
}

// Write implements io.Writer
func (d *DigestWriter) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	d.digest.Write(p[:n])
	d.n += int64(n)
	return n, err
}

// Sum returns the checksum of all bytes written so far
func (d *DigestWriter) Sum() uint32 {
	return d.digest.Sum32()
}

// Count returns the number of bytes written so far
func (d *DigestWriter) Count() int64 {
	return d.n
}
