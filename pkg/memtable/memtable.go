package memtable

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"

	"kvimport/pkg/config"

	"github.com/zhangyunhao116/skipmap"
)

var (
	ErrClosed = errors.New("memtable is closed")
)

type concurrentSet = skipmap.FuncMap[[]byte, Item]

// Memtable buffers encoded pairs in a concurrent skipmap. Once the active
// table reaches the flush threshold it is sealed and sent to FlushChan.
//
// Writers hold mu for reading while they reserve space and store, rotation
// holds it for writing, so no write lands in a table that was already sealed.
type Memtable struct {
	cfg  *config.MemtableConfig
	size atomic.Uint64

	mu     sync.RWMutex
	active *concurrentSet
	closed bool

	flushChan chan SortedSet
}

func New(cfg config.MemtableConfig) *Memtable {
	return &Memtable{
		cfg:       &cfg,
		active:    newSet(),
		flushChan: make(chan SortedSet, cfg.FlushChanBuffSize),
	}
}

func newSet() *concurrentSet {
	return skipmap.NewFunc[[]byte, Item](func(a, b []byte) bool {
		return bytes.Compare(a, b) < 0
	})
}

// Upsert stores the pair, replacing an equal key. An entry larger than the
// threshold is accepted into an empty table and flushed on its own.
// Blocks while the flush channel is full.
func (mt *Memtable) Upsert(k, value []byte) error {
	var (
		it        = Item{Key: k, Value: value}
		entSize   = it.size()
		threshold = uint64(mt.cfg.FlushThresholdBytes)
	)

	for {
		mt.mu.RLock()
		if mt.closed {
			mt.mu.RUnlock()
			return ErrClosed
		}

		currentSize := mt.size.Load()
		if currentSize == 0 || currentSize+entSize <= threshold {
			if !mt.size.CompareAndSwap(currentSize, currentSize+entSize) {
				mt.mu.RUnlock()
				continue
			}
			mt.active.Store(k, it)
			mt.mu.RUnlock()
			return nil
		}
		mt.mu.RUnlock()

		mt.rotate(entSize, threshold)
	}
}

func (mt *Memtable) rotate(entSize, threshold uint64) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	currentSize := mt.size.Load()
	// another writer rotated first
	if mt.closed || currentSize == 0 || currentSize+entSize <= threshold {
		return
	}

	mt.flushChan <- &sortedSet{concurrentSet: mt.active, bytes: currentSize}
	mt.active = newSet()
	mt.size.Store(0)
}

// Size returns the approximate byte size of the active table.
func (mt *Memtable) Size() uint64 {
	return mt.size.Load()
}

func (mt *Memtable) FlushChan() <-chan SortedSet {
	return mt.flushChan
}

// Close seals the active table, hands it to the flusher if it is not
// empty and closes FlushChan. Later Upserts fail with ErrClosed.
func (mt *Memtable) Close() {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if mt.closed {
		return
	}
	mt.closed = true

	if mt.active.Len() > 0 {
		mt.flushChan <- &sortedSet{concurrentSet: mt.active, bytes: mt.size.Load()}
	}
	mt.active = newSet()
	mt.size.Store(0)
	close(mt.flushChan)
}

// Discard closes the memtable dropping the active table.
func (mt *Memtable) Discard() {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if mt.closed {
		return
	}
	mt.closed = true
	mt.active = newSet()
	mt.size.Store(0)
	close(mt.flushChan)
}
