package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/kbr-scylla/scylladb-sub001/internal/errors"
	"github.com/kbr-scylla/scylladb-sub001/internal/model"
	"github.com/kbr-scylla/scylladb-sub001/internal/util"
	"github.com/kbr-scylla/scylladb-sub001/internal/validation"
	"go.uber.org/multierr"
)

// entryHeaderSize is the size field plus the checksum preceding every entry
const entryHeaderSize = 8

// IndexEntry represents an entry in the SSTable index
type IndexEntry struct {
	Key      string
	Offset   int64
	Size     int32
	Checksum uint32 // CRC32 checksum of the stored entry
}

// WriterConfig holds the parameters of one fragment being written
type WriterConfig struct {
	Dir              string
	Generation       model.Generation
	RunID            model.RunID
	Level            int
	Shard            int
	BloomFilterFP    float64
	ExpectedElements int
	Compression      string
}

// Writer writes one sstable fragment. Rows must arrive in strictly increasing key
// order; anything else is an invariant violation.
type Writer struct {
	config    WriterConfig
	dataFile  *os.File
	indexFile *os.File
	bloomFile *os.File
	data      *bufio.Writer
	digest    *util.DigestWriter

	offset      int64
	written     atomic.Int64
	index       []IndexEntry
	bloomFilter *BloomFilter
	validator   *validation.StreamValidator

	firstKey         string
	lastKey          string
	tombstones       int64
	maxTombstoneTime int64
	minTimestamp     int64
	done             bool

	// encoding of the row last measured by EncodedSize
	pending encodedRow
}

type encodedRow struct {
	row     model.Row
	payload []byte
}

func (e encodedRow) matches(row model.Row) bool {
	return e.payload != nil &&
		e.row.Key == row.Key &&
		e.row.Timestamp == row.Timestamp &&
		e.row.Tombstone == row.Tombstone &&
		bytes.Equal(e.row.Value, row.Value)
}

// NewWriter creates the component files of a new fragment
func NewWriter(config WriterConfig) (*Writer, error) {
	if !ValidCompression(config.Compression) {
		return nil, errors.Configuration("compression", fmt.Sprintf("unsupported compression %q", config.Compression))
	}
	if config.Compression == "" {
		config.Compression = CompressionNone
	}
	if config.ExpectedElements <= 0 {
		config.ExpectedElements = 10000
	}
	if config.BloomFilterFP <= 0 {
		config.BloomFilterFP = 0.01
	}

	w := &Writer{
		config:      config,
		index:       make([]IndexEntry, 0),
		bloomFilter: NewBloomFilter(config.ExpectedElements, config.BloomFilterFP),
		validator:   validation.NewStreamValidator(fmt.Sprintf("sstable-%d", config.Generation)),
	}

	var err error
	if w.dataFile, err = w.create(DataSuffix); err != nil {
		return nil, err
	}
	if w.indexFile, err = w.create(IndexSuffix); err != nil {
		return nil, multierr.Append(err, w.cleanup())
	}
	if w.bloomFile, err = w.create(BloomSuffix); err != nil {
		return nil, multierr.Append(err, w.cleanup())
	}

	w.digest = util.NewDigestWriter(w.dataFile)
	w.data = bufio.NewWriterSize(w.digest, 64*1024)
	return w, nil
}

func (w *Writer) create(suffix string) (*os.File, error) {
	path := Path(w.config.Dir, w.config.Generation, suffix)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, errors.IOError(fmt.Sprintf("failed to create %s", path), err)
	}
	return f, nil
}

// Generation returns the generation being written
func (w *Writer) Generation() model.Generation {
	return w.config.Generation
}

// Write appends a row with checksum
func (w *Writer) Write(row model.Row) error {
	if w.done {
		return errors.AssertionFailed("write to finished sstable-%d", w.config.Generation)
	}
	if err := w.validator.Validate(row.Key); err != nil {
		return err
	}

	payload := w.pending.payload
	if !w.pending.matches(row) {
		var err error
		if payload, err = w.encode(row); err != nil {
			return err
		}
	}
	w.pending = encodedRow{}

	checksum := util.ComputeChecksum(payload)
	var header [entryHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:], checksum)

	if _, err := w.data.Write(header[:]); err != nil {
		return errors.IOError("failed to write entry header", err)
	}
	if _, err := w.data.Write(payload); err != nil {
		return errors.IOError("failed to write entry data", err)
	}

	w.index = append(w.index, IndexEntry{
		Key:      row.Key,
		Offset:   w.offset,
		Size:     int32(len(payload)),
		Checksum: checksum,
	})
	w.bloomFilter.Add(row.Key)

	if len(w.index) == 1 {
		w.firstKey = row.Key
	}
	w.lastKey = row.Key
	if len(w.index) == 1 || row.Timestamp < w.minTimestamp {
		w.minTimestamp = row.Timestamp
	}
	if row.Tombstone {
		w.tombstones++
		if row.Timestamp > w.maxTombstoneTime {
			w.maxTombstoneTime = row.Timestamp
		}
	}

	w.offset += int64(entryHeaderSize + len(payload))
	w.written.Store(w.offset)
	return nil
}

// EncodedSize returns the bytes row takes in the data file once written. The
// encoding is reused by a following Write of the same row.
func (w *Writer) EncodedSize(row model.Row) (int64, error) {
	payload, err := w.encode(row)
	if err != nil {
		return 0, err
	}
	w.pending = encodedRow{row: row, payload: payload}
	return int64(entryHeaderSize + len(payload)), nil
}

func (w *Writer) encode(row model.Row) ([]byte, error) {
	payload, err := json.Marshal(row)
	if err != nil {
		return nil, errors.InternalError("failed to marshal row", err)
	}
	if payload, err = compress(w.config.Compression, payload); err != nil {
		return nil, errors.InternalError("failed to compress row", err)
	}
	return payload, nil
}

// Written returns the bytes of data written so far. Safe to call concurrently
// with Write; the backlog tracker polls it while a flush or compaction runs.
func (w *Writer) Written() int64 {
	return w.written.Load()
}

// RowCount returns the rows written so far
func (w *Writer) RowCount() int64 {
	return int64(len(w.index))
}

// Finish writes the index, bloom filter and summary, syncs everything and returns
// a handle holding one reference for the caller.
func (w *Writer) Finish() (*SSTable, error) {
	if w.done {
		return nil, errors.AssertionFailed("sstable-%d finished twice", w.config.Generation)
	}
	w.done = true

	summary, err := w.finalize()
	if err != nil {
		return nil, multierr.Append(err, w.cleanup())
	}
	return FromSummary(w.config.Dir, summary), nil
}

func (w *Writer) finalize() (model.Summary, error) {
	if err := w.data.Flush(); err != nil {
		return model.Summary{}, errors.IOError("failed to flush data file", err)
	}

	idx := bufio.NewWriter(w.indexFile)
	for _, entry := range w.index {
		if err := writeIndexEntry(idx, entry); err != nil {
			return model.Summary{}, errors.IOError("failed to write index entry", err)
		}
	}
	if err := idx.Flush(); err != nil {
		return model.Summary{}, errors.IOError("failed to flush index file", err)
	}

	if _, err := w.bloomFilter.WriteTo(w.bloomFile); err != nil {
		return model.Summary{}, errors.IOError("failed to write bloom filter", err)
	}

	for _, f := range []*os.File{w.dataFile, w.indexFile, w.bloomFile} {
		if err := f.Sync(); err != nil {
			return model.Summary{}, errors.IOError(fmt.Sprintf("failed to sync %s", f.Name()), err)
		}
	}
	if err := w.closeFiles(); err != nil {
		return model.Summary{}, errors.IOError("failed to close sstable files", err)
	}

	summary := model.Summary{
		Generation:       w.config.Generation,
		RunID:            w.config.RunID,
		Level:            w.config.Level,
		Shard:            w.config.Shard,
		DataSize:         w.offset,
		RowCount:         int64(len(w.index)),
		TombstoneCount:   w.tombstones,
		MaxTombstoneTime: w.maxTombstoneTime,
		MinTimestamp:     w.minTimestamp,
		KeyRange:         model.KeyRange{StartKey: w.firstKey, EndKey: w.lastKey},
		CreatedAt:        time.Now().UTC(),
		Compression:      w.config.Compression,
		Digest:           w.digest.Sum(),
	}
	if err := writeSummary(w.config.Dir, summary); err != nil {
		return model.Summary{}, err
	}
	return summary, nil
}

func writeSummary(dir string, summary model.Summary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return errors.InternalError("failed to marshal summary", err)
	}
	path := Path(dir, summary.Generation, MetaSuffix)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.IOError("failed to create summary", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.IOError("failed to write summary", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.IOError("failed to sync summary", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.IOError("failed to close summary", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.IOError("failed to publish summary", err)
	}
	return nil
}

// writeIndexEntry writes a single index entry with checksum
func writeIndexEntry(w *bufio.Writer, entry IndexEntry) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(len(entry.Key)))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	if _, err := w.WriteString(entry.Key); err != nil {
		return err
	}
	var tail [16]byte
	binary.LittleEndian.PutUint64(tail[0:], uint64(entry.Offset))
	binary.LittleEndian.PutUint32(tail[8:], uint32(entry.Size))
	binary.LittleEndian.PutUint32(tail[12:], entry.Checksum)
	_, err := w.Write(tail[:])
	return err
}

// Abort discards the fragment and every file written so far
func (w *Writer) Abort() error {
	w.done = true
	return w.cleanup()
}

func (w *Writer) closeFiles() error {
	var err error
	for _, f := range []*os.File{w.dataFile, w.indexFile, w.bloomFile} {
		if f != nil {
			if e := f.Close(); e != nil && !errors.Is(e, os.ErrClosed) {
				err = multierr.Append(err, e)
			}
		}
	}
	return err
}

func (w *Writer) cleanup() error {
	return multierr.Combine(
		w.closeFiles(),
		RemoveFiles(w.config.Dir, w.config.Generation),
	)
}
