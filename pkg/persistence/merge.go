package persistence

import (
	"bytes"
	"container/heap"
	"fmt"

	"kvimport/pkg/iterator"
)

type mergeSource struct {
	it   iterator.Iterator
	rank int
}

// mergeHeap orders sources by current key; on equal keys the source with
// the higher rank comes first.
type mergeHeap []*mergeSource

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].it.Key(), h[j].it.Key()); c != 0 {
		return c < 0
	}
	return h[i].rank > h[j].rank
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*mergeSource)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	src := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return src
}

// Merge writes the union of sources into w in key order. Sources are
// ordered oldest first: when several hold the same key only the value of
// the newest one is kept. Returns the number of records written.
func Merge(w *Writer, sources []iterator.Iterator) (uint64, error) {
	h := make(mergeHeap, 0, len(sources))
	for rank, it := range sources {
		it.First()
		if err := it.Err(); err != nil {
			return 0, fmt.Errorf("failed to position source %d: %w", rank, err)
		}
		if it.Valid() {
			h = append(h, &mergeSource{it: it, rank: rank})
		}
	}
	heap.Init(&h)

	var (
		lastKey []byte
		written uint64
	)
	for h.Len() > 0 {
		top := h[0]
		key := top.it.Key()
		if written == 0 || !bytes.Equal(key, lastKey) {
			if err := w.Add(key, top.it.Value()); err != nil {
				return written, err
			}
			lastKey = append(lastKey[:0], key...)
			written++
		}

		top.it.Next()
		if err := top.it.Err(); err != nil {
			return written, fmt.Errorf("failed to read source %d: %w", top.rank, err)
		}
		if top.it.Valid() {
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
	}

	return written, nil
}
