package memtable

// entryOverhead approximates per-entry skiplist bookkeeping.
const entryOverhead = 16

type Item struct {
	Key   []byte
	Value []byte
}

func (it Item) size() uint64 {
	return uint64(len(it.Key)) + uint64(len(it.Value)) + entryOverhead
}
