package cluster

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
)

// HashRing is a consistent hash ring with virtual nodes.
type HashRing struct {
	replicas int
	nodes    []uint32          // sorted hashes
	nodeMap  map[uint32]string // hash -> node
	mu       sync.RWMutex
}

func NewHashRing(replicas int) *HashRing {
	if replicas < 1 {
		replicas = 1
	}
	return &HashRing{
		replicas: replicas,
		nodeMap:  make(map[uint32]string),
	}
}

func (h *HashRing) AddNode(node string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := 0; i < h.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", node, i)))
		if _, taken := h.nodeMap[hash]; taken {
			continue
		}
		h.nodes = append(h.nodes, hash)
		h.nodeMap[hash] = node
	}
	sort.Slice(h.nodes, func(i, j int) bool { return h.nodes[i] < h.nodes[j] })
}

func (h *HashRing) RemoveNode(node string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	filtered := h.nodes[:0]
	for _, hash := range h.nodes {
		if h.nodeMap[hash] != node {
			filtered = append(filtered, hash)
		} else {
			delete(h.nodeMap, hash)
		}
	}
	h.nodes = filtered
}

// GetNode returns the node owning key.
func (h *HashRing) GetNode(key string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.nodes) == 0 {
		return "", false
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(h.nodes), func(i int) bool { return h.nodes[i] >= hash })
	if idx == len(h.nodes) {
		idx = 0
	}
	return h.nodeMap[h.nodes[idx]], true
}

// ListNodes returns the distinct node names, sorted.
func (h *HashRing) ListNodes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := map[string]struct{}{}
	var result []string
	for _, name := range h.nodeMap {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result
}
