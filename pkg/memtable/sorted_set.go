package memtable

type sortedSet struct {
	*concurrentSet
	bytes uint64
}

// SortedSet is a sealed memtable handed to the flusher.
type SortedSet interface {
	Sorted() []Item
	Len() int
	Bytes() uint64
}

func (s *sortedSet) Sorted() []Item {
	result := make([]Item, 0, s.Len())
	s.Range(func(key []byte, value Item) bool {
		result = append(result, value)
		return true
	})

	return result
}

func (s *sortedSet) Bytes() uint64 {
	return s.bytes
}
