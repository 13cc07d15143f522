package sstable

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync/atomic"

	"github.com/kbr-scylla/scylladb-sub001/internal/errors"
	"github.com/kbr-scylla/scylladb-sub001/internal/model"
	"github.com/kbr-scylla/scylladb-sub001/internal/util"
	"go.uber.org/multierr"
)

// Reader reads rows from one fragment. Point lookups are safe for concurrent use.
type Reader struct {
	sst      *SSTable
	dataFile *os.File
	index    []IndexEntry
	bloom    *BloomFilter
}

// NewReader opens the data file of sst and loads its index and bloom filter
func NewReader(sst *SSTable) (*Reader, error) {
	gen := sst.Generation()
	dataFile, err := os.Open(Path(sst.Dir(), gen, DataSuffix))
	if err != nil {
		return nil, errors.IOError(fmt.Sprintf("failed to open data file of sstable %d", gen), err)
	}

	r := &Reader{sst: sst, dataFile: dataFile}
	if err := r.loadIndex(); err != nil {
		dataFile.Close()
		return nil, err
	}
	if r.bloom, err = LoadBloomFilter(Path(sst.Dir(), gen, BloomSuffix)); err != nil {
		dataFile.Close()
		return nil, errors.CorruptedData(fmt.Sprintf("failed to load bloom filter of sstable %d", gen), err)
	}
	return r, nil
}

// loadIndex loads the index file into memory. Entries are stored in key order.
func (r *Reader) loadIndex() error {
	gen := r.sst.Generation()
	f, err := os.Open(Path(r.sst.Dir(), gen, IndexSuffix))
	if err != nil {
		return errors.IOError(fmt.Sprintf("failed to open index of sstable %d", gen), err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	index := make([]IndexEntry, 0, r.sst.RowCount())
	for {
		var head [4]byte
		if _, err := io.ReadFull(br, head[:]); err != nil {
			if err == io.EOF {
				break
			}
			return errors.CorruptedData(fmt.Sprintf("truncated index of sstable %d", gen), err)
		}
		key := make([]byte, binary.LittleEndian.Uint32(head[:]))
		if _, err := io.ReadFull(br, key); err != nil {
			return errors.CorruptedData(fmt.Sprintf("truncated index key in sstable %d", gen), err)
		}
		var tail [16]byte
		if _, err := io.ReadFull(br, tail[:]); err != nil {
			return errors.CorruptedData(fmt.Sprintf("truncated index entry in sstable %d", gen), err)
		}
		entry := IndexEntry{
			Key:      string(key),
			Offset:   int64(binary.LittleEndian.Uint64(tail[0:])),
			Size:     int32(binary.LittleEndian.Uint32(tail[8:])),
			Checksum: binary.LittleEndian.Uint32(tail[12:]),
		}
		if n := len(index); n > 0 && index[n-1].Key >= entry.Key {
			return errors.CorruptedData(fmt.Sprintf("index of sstable %d is not sorted", gen), nil)
		}
		index = append(index, entry)
	}
	r.index = index
	return nil
}

// Get retrieves the row stored for key, or nil when the fragment does not hold it
func (r *Reader) Get(key string) (*model.Row, error) {
	if !r.bloom.MayContain(key) {
		return nil, nil
	}
	i := sort.Search(len(r.index), func(i int) bool { return r.index[i].Key >= key })
	if i == len(r.index) || r.index[i].Key != key {
		return nil, nil
	}
	entry := r.index[i]

	buf := make([]byte, entryHeaderSize+int(entry.Size))
	if _, err := r.dataFile.ReadAt(buf, entry.Offset); err != nil {
		return nil, errors.IOError(fmt.Sprintf("failed to read key %s", key), err)
	}

	checksum := binary.LittleEndian.Uint32(buf[4:])
	if checksum != entry.Checksum {
		return nil, errors.ChecksumFailed(entry.Checksum, checksum)
	}
	row, err := r.decode(buf[entryHeaderSize:], checksum)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *Reader) decode(payload []byte, checksum uint32) (model.Row, error) {
	if actual := util.ComputeChecksum(payload); actual != checksum {
		return model.Row{}, errors.ChecksumFailed(checksum, actual)
	}
	data, err := decompress(r.sst.Summary().Compression, payload)
	if err != nil {
		return model.Row{}, errors.CorruptedData("failed to decompress row", err)
	}
	var row model.Row
	if err := json.Unmarshal(data, &row); err != nil {
		return model.Row{}, errors.CorruptedData("failed to unmarshal row", err)
	}
	return row, nil
}

// HasKey checks if a key exists in the fragment
func (r *Reader) HasKey(key string) bool {
	i := sort.Search(len(r.index), func(i int) bool { return r.index[i].Key >= key })
	return i < len(r.index) && r.index[i].Key == key
}

// Len returns the number of rows in the fragment
func (r *Reader) Len() int {
	return len(r.index)
}

// SSTable returns the fragment being read
func (r *Reader) SSTable() *SSTable {
	return r.sst
}

// Iterator returns a sequential scan over the fragment in key order
func (r *Reader) Iterator() *Iterator {
	return &Iterator{
		reader: r,
		br:     bufio.NewReaderSize(io.NewSectionReader(r.dataFile, 0, r.sst.DataSize()), 64*1024),
	}
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.dataFile.Close()
}

// Iterator streams the rows of a fragment in key order
type Iterator struct {
	reader    *Reader
	br        *bufio.Reader
	row       model.Row
	err       error
	pos       int
	compacted atomic.Int64
}

// Next advances to the next row, returning false at the end or on error
func (it *Iterator) Next() bool {
	if it.err != nil || it.pos >= len(it.reader.index) {
		return false
	}
	var header [entryHeaderSize]byte
	if _, err := io.ReadFull(it.br, header[:]); err != nil {
		it.err = errors.IOError("failed to read entry header", err)
		return false
	}
	size := binary.LittleEndian.Uint32(header[0:])
	checksum := binary.LittleEndian.Uint32(header[4:])
	payload := make([]byte, size)
	if _, err := io.ReadFull(it.br, payload); err != nil {
		it.err = errors.IOError("failed to read entry data", err)
		return false
	}
	row, err := it.reader.decode(payload, checksum)
	if err != nil {
		it.err = err
		return false
	}
	it.row = row
	it.pos++
	it.compacted.Add(int64(entryHeaderSize) + int64(size))
	return true
}

// Row returns the current row
func (it *Iterator) Row() model.Row {
	return it.row
}

// Err returns the error that stopped iteration, if any
func (it *Iterator) Err() error {
	return it.err
}

// Compacted returns the bytes consumed so far. Safe to call concurrently with Next.
func (it *Iterator) Compacted() int64 {
	return it.compacted.Load()
}

// Source returns the fragment being scanned
func (it *Iterator) Source() *SSTable {
	return it.reader.sst
}

// CloseReaders closes a group of readers, combining their errors
func CloseReaders(readers []*Reader) error {
	var err error
	for _, r := range readers {
		if r != nil {
			err = multierr.Append(err, r.Close())
		}
	}
	return err
}
