package sstable

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/cespare/xxhash/v2"
)

// BloomFilter is a probabilistic data structure for set membership
type BloomFilter struct {
	bits      []uint64
	size      uint64
	hashCount uint64
}

// NewBloomFilter creates a new bloom filter with expected elements and false positive rate
func NewBloomFilter(expectedElements int, falsePositiveRate float64) *BloomFilter {
	if expectedElements <= 0 {
		expectedElements = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	// m = -(n * ln(p)) / (ln(2)^2)
	size := uint64(-float64(expectedElements) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	if size < 64 {
		size = 64
	}

	// k = (m/n) * ln(2)
	hashCount := uint64(float64(size) / float64(expectedElements) * math.Ln2)
	if hashCount == 0 {
		hashCount = 1
	}

	return &BloomFilter{
		bits:      make([]uint64, (size+63)/64),
		size:      size,
		hashCount: hashCount,
	}
}

// Add inserts a key into the bloom filter
func (bf *BloomFilter) Add(key string) {
	h1, h2 := bf.hashes(key)
	for i := uint64(0); i < bf.hashCount; i++ {
		bit := (h1 + i*h2) % bf.size
		bf.bits[bit/64] |= 1 << (bit % 64)
	}
}

// MayContain checks if a key might be in the set
func (bf *BloomFilter) MayContain(key string) bool {
	h1, h2 := bf.hashes(key)
	for i := uint64(0); i < bf.hashCount; i++ {
		bit := (h1 + i*h2) % bf.size
		if bf.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// Double hashing: h(i) = h1(x) + i*h2(x). The second hash is derived from the
// first so only one pass over the key is needed.
func (bf *BloomFilter) hashes(key string) (uint64, uint64) {
	h1 := xxhash.Sum64String(key)
	h2 := h1>>33 | h1<<31
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

// WriteTo serializes the bloom filter
func (bf *BloomFilter) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, 16+8*len(bf.bits))
	binary.LittleEndian.PutUint64(buf[0:], bf.size)
	binary.LittleEndian.PutUint64(buf[8:], bf.hashCount)
	for i, word := range bf.bits {
		binary.LittleEndian.PutUint64(buf[16+8*i:], word)
	}
	n, err := w.Write(buf)
	return int64(n), err
}

// LoadBloomFilter loads a bloom filter from a file
func LoadBloomFilter(filePath string) (*BloomFilter, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	if len(data) < 16 {
		return nil, fmt.Errorf("bloom filter %s is truncated", filePath)
	}

	bf := &BloomFilter{
		size:      binary.LittleEndian.Uint64(data[0:]),
		hashCount: binary.LittleEndian.Uint64(data[8:]),
	}
	words := (bf.size + 63) / 64
	if bf.size == 0 || uint64(len(data)-16) != words*8 {
		return nil, fmt.Errorf("bloom filter %s has inconsistent size", filePath)
	}
	bf.bits = make([]uint64, words)
	for i := range bf.bits {
		bf.bits[i] = binary.LittleEndian.Uint64(data[16+8*i:])
	}
	return bf, nil
}
