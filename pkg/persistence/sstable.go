package persistence

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"

	"kvimport/pkg/types"
)

// Table layout:
//
//	record*  [u32 LE keyLen][key][u32 LE valueLen][value], strictly ascending keys
//	footer   [u64 LE count][u64 LE dataSize][u32 LE crc32(records)][u64 LE magic]
const (
	sizeFieldSize = 4
	FooterSize    = 8 + 8 + 4 + 8

	sstMagic uint64 = 0x6b76696d702d7373

	writeBufferSize = 256 << 10
)

var (
	ErrCorrupted    = errors.New("sstable is corrupted")
	ErrUnsorted     = errors.New("sstable keys must be strictly ascending")
	ErrWriterClosed = errors.New("sstable writer is closed")
	ErrTableClosed  = errors.New("sstable is closed")
)

// SSTableItem is a single key-value record.
type SSTableItem struct {
	Key   []byte
	Value []byte
}

type SSTableMeta struct {
	Count    uint64
	DataSize uint64
	Checksum uint32
}

// Writer streams sorted records into a new table file.
type Writer struct {
	path string
	file *os.File
	buf  *bufio.Writer
	crc  hash.Hash32

	lastKey []byte
	meta    SSTableMeta
	lenBuff [sizeFieldSize]byte
	done    bool
}

func NewWriter(path string) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSTable file: %w", err)
	}

	return &Writer{
		path: path,
		file: file,
		buf:  bufio.NewWriterSize(file, writeBufferSize),
		crc:  crc32.NewIEEE(),
	}, nil
}

// Add appends a record. Keys must be strictly ascending.
func (w *Writer) Add(key, value []byte) error {
	if w.done {
		return ErrWriterClosed
	}

	// Check sizes before casting
	if len(key) > math.MaxUint32 {
		return fmt.Errorf("key too large: %d", len(key))
	}
	if len(value) > math.MaxUint32 {
		return fmt.Errorf("value too large: %d", len(value))
	}
	if w.meta.Count > 0 && bytes.Compare(key, w.lastKey) <= 0 {
		return fmt.Errorf("%w: %x after %x", ErrUnsorted, key, w.lastKey)
	}

	if err := w.writeField(key); err != nil {
		return err
	}
	if err := w.writeField(value); err != nil {
		return err
	}

	w.lastKey = append(w.lastKey[:0], key...)
	w.meta.Count++
	w.meta.DataSize += uint64(2*sizeFieldSize + len(key) + len(value))

	return nil
}

func (w *Writer) writeField(p []byte) error {
	binary.LittleEndian.PutUint32(w.lenBuff[:], uint32(len(p)))
	if err := w.write(w.lenBuff[:]); err != nil {
		return err
	}
	return w.write(p)
}

func (w *Writer) write(p []byte) error {
	if _, err := w.buf.Write(p); err != nil {
		return fmt.Errorf("failed to write sstable data: %w", err)
	}
	// hash.Hash never returns an error
	_, _ = w.crc.Write(p)
	return nil
}

// Finish writes the footer and syncs the file to disk.
func (w *Writer) Finish() (SSTableMeta, error) {
	if w.done {
		return SSTableMeta{}, ErrWriterClosed
	}
	w.done = true
	w.meta.Checksum = w.crc.Sum32()

	footer := make([]byte, 0, FooterSize)
	footer = binary.LittleEndian.AppendUint64(footer, w.meta.Count)
	footer = binary.LittleEndian.AppendUint64(footer, w.meta.DataSize)
	footer = binary.LittleEndian.AppendUint32(footer, w.meta.Checksum)
	footer = binary.LittleEndian.AppendUint64(footer, sstMagic)

	if _, err := w.buf.Write(footer); err != nil {
		w.closeFile()
		return SSTableMeta{}, fmt.Errorf("failed to write footer: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		w.closeFile()
		return SSTableMeta{}, fmt.Errorf("failed to flush sstable: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.closeFile()
		return SSTableMeta{}, fmt.Errorf("failed to sync sstable: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return SSTableMeta{}, fmt.Errorf("failed to close sstable: %w", err)
	}

	return w.meta, nil
}

// Abort discards a partially written table.
func (w *Writer) Abort() error {
	if !w.done {
		w.done = true
		w.closeFile()
	}
	if err := os.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove sstable: %w", err)
	}
	return nil
}

func (w *Writer) closeFile() {
	if cerr := w.file.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) {
		slog.Warn("failed to close sstable file", "path", w.path, "error", cerr)
	}
}

// Path returns the file the writer produces.
func (w *Writer) Path() string {
	return w.path
}

// WriteSSTable writes already sorted items to path.
func WriteSSTable(path string, items []SSTableItem) (SSTableMeta, error) {
	w, err := NewWriter(path)
	if err != nil {
		return SSTableMeta{}, err
	}
	for _, item := range items {
		if err := w.Add(item.Key, item.Value); err != nil {
			if aerr := w.Abort(); aerr != nil {
				slog.Warn("failed to abort sstable", "path", path, "error", aerr)
			}
			return SSTableMeta{}, err
		}
	}
	return w.Finish()
}

// SSTable is an immutable table opened for reading. Iterators read through
// ReadAt, so several of them may scan the same table concurrently.
type SSTable struct {
	filePath string
	reader   *os.File
	meta     SSTableMeta

	mu sync.RWMutex
}

// OpenSSTable opens path and validates its footer and checksum.
func OpenSSTable(path string) (*SSTable, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SSTable file: %w", err)
	}

	s := &SSTable{filePath: path, reader: file}
	if err := s.loadFooter(); err != nil {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close sstable file after footer error", "path", path, "error", cerr)
		}
		return nil, err
	}

	return s, nil
}

func (s *SSTable) loadFooter() error {
	fileInfo, err := s.reader.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	fileSize := fileInfo.Size()
	if fileSize < FooterSize {
		return fmt.Errorf("%w: file too small for footer (%d bytes)", ErrCorrupted, fileSize)
	}

	footer := make([]byte, FooterSize)
	if _, err := s.reader.ReadAt(footer, fileSize-FooterSize); err != nil {
		return fmt.Errorf("failed to read footer: %w", err)
	}

	magic := binary.LittleEndian.Uint64(footer[20:])
	if magic != sstMagic {
		return fmt.Errorf("%w: bad magic %x", ErrCorrupted, magic)
	}
	s.meta = SSTableMeta{
		Count:    binary.LittleEndian.Uint64(footer[0:]),
		DataSize: binary.LittleEndian.Uint64(footer[8:]),
		Checksum: binary.LittleEndian.Uint32(footer[16:]),
	}
	if s.meta.DataSize != uint64(fileSize-FooterSize) {
		return fmt.Errorf("%w: data size %d does not match file size %d", ErrCorrupted, s.meta.DataSize, fileSize)
	}

	crc := crc32.NewIEEE()
	if _, err := io.Copy(crc, io.NewSectionReader(s.reader, 0, int64(s.meta.DataSize))); err != nil {
		return fmt.Errorf("failed to checksum data: %w", err)
	}
	if sum := crc.Sum32(); sum != s.meta.Checksum {
		return fmt.Errorf("%w: checksum %08x, footer says %08x", ErrCorrupted, sum, s.meta.Checksum)
	}

	return nil
}

func (s *SSTable) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reader == nil {
		return nil
	}
	err := s.reader.Close()
	s.reader = nil
	return err
}

// Count returns the number of records.
func (s *SSTable) Count() uint64 {
	return s.meta.Count
}

func (s *SSTable) Meta() SSTableMeta {
	return s.meta
}

// ApproximateSize returns the size of the SSTable file.
func (s *SSTable) ApproximateSize() int64 {
	return int64(s.meta.DataSize) + FooterSize
}

// GetFilePath returns the file path of the SSTable
func (s *SSTable) GetFilePath() string {
	return s.filePath
}

// Get returns the value stored under key.
func (s *SSTable) Get(key []byte) ([]byte, bool, error) {
	it := s.NewIterator()
	defer it.Close()

	it.Seek(key)
	if err := it.Err(); err != nil {
		return nil, false, err
	}
	if !it.Valid() || !bytes.Equal(it.Key(), key) {
		return nil, false, nil
	}
	return it.Value(), true, nil
}

// NewIterator creates an unpositioned iterator; call First or Seek.
func (s *SSTable) NewIterator() *SSTableIterator {
	return &SSTableIterator{sstable: s}
}

// SSTableIterator iterates over SSTable entries
type SSTableIterator struct {
	sstable *SSTable
	reader  *bufio.Reader
	lenBuff [sizeFieldSize]byte

	key   []byte
	value []byte
	valid bool
	err   error
}

// First moves to the first entry
func (it *SSTableIterator) First() {
	it.sstable.mu.RLock()
	file := it.sstable.reader
	it.sstable.mu.RUnlock()

	it.valid = false
	it.err = nil
	if file == nil {
		it.err = ErrTableClosed
		return
	}

	it.reader = bufio.NewReader(io.NewSectionReader(file, 0, int64(it.sstable.meta.DataSize)))
	it.Next()
}

// Seek moves to the first entry with key >= target. Records carry no
// index, so this is a forward scan from the start.
func (it *SSTableIterator) Seek(target types.Key) {
	for it.First(); it.Valid() && bytes.Compare(it.key, target) < 0; it.Next() {
	}
}

// Next moves to the next entry
func (it *SSTableIterator) Next() {
	if it.err != nil {
		return
	}
	if it.reader == nil {
		it.First()
		return
	}

	key, err := it.readField()
	if err != nil {
		it.valid = false
		if !errors.Is(err, io.EOF) {
			it.err = err
		}
		return
	}
	value, err := it.readField()
	if err != nil {
		it.valid = false
		it.err = fmt.Errorf("%w: truncated record: %v", ErrCorrupted, err)
		return
	}

	it.key, it.value, it.valid = key, value, true
}

func (it *SSTableIterator) readField() ([]byte, error) {
	if _, err := io.ReadFull(it.reader, it.lenBuff[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated length", ErrCorrupted)
		}
		return nil, err
	}

	n := binary.LittleEndian.Uint32(it.lenBuff[:])
	if uint64(n) > it.sstable.meta.DataSize {
		return nil, fmt.Errorf("%w: field length %d exceeds data size", ErrCorrupted, n)
	}
	field := make([]byte, n)
	if _, err := io.ReadFull(it.reader, field); err != nil {
		return nil, fmt.Errorf("%w: truncated field: %v", ErrCorrupted, err)
	}
	return field, nil
}

// Valid checks if the iterator is valid
func (it *SSTableIterator) Valid() bool {
	return it.valid && it.err == nil
}

// Key returns the current key
func (it *SSTableIterator) Key() types.Key {
	return it.key
}

// Value returns the current value
func (it *SSTableIterator) Value() types.Value {
	return it.value
}

func (it *SSTableIterator) Err() error {
	return it.err
}

// Close closes the iterator
func (it *SSTableIterator) Close() error {
	it.reader = nil
	it.valid = false
	return nil
}
