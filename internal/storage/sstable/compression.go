package sstable

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Compression names stored in the sstable summary
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdInitErr error
)

// The encoder and decoder are safe for concurrent EncodeAll/DecodeAll calls.
func initZstd() error {
	zstdOnce.Do(func() {
		zstdEncoder, zstdInitErr = zstd.NewWriter(nil)
		if zstdInitErr != nil {
			return
		}
		zstdDecoder, zstdInitErr = zstd.NewReader(nil)
	})
	return zstdInitErr
}

// ValidCompression reports whether name is a supported compression
func ValidCompression(name string) bool {
	return name == "" || name == CompressionNone || name == CompressionZstd
}

func compress(compression string, data []byte) ([]byte, error) {
	switch compression {
	case "", CompressionNone:
		return data, nil
	case CompressionZstd:
		if err := initZstd(); err != nil {
			return nil, err
		}
		return zstdEncoder.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("unknown compression %q", compression)
	}
}

func decompress(compression string, data []byte) ([]byte, error) {
	switch compression {
	case "", CompressionNone:
		return data, nil
	case CompressionZstd:
		if err := initZstd(); err != nil {
			return nil, err
		}
		return zstdDecoder.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("unknown compression %q", compression)
	}
}
