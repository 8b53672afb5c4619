package cluster

import (
	"errors"
	"log/slog"
	"sync"

	"kvimport/pkg/types"
)

var ErrNoImporters = errors.New("no importers registered")

// Placement routes engines to importers. Every stream of one engine must
// reach the process that opened it, so the owner is derived from the
// engine id alone.
type Placement struct {
	mu   sync.RWMutex
	ring *HashRing
}

func NewPlacement(ring *HashRing) *Placement {
	return &Placement{ring: ring}
}

// Owner returns the importer address responsible for id.
func (p *Placement) Owner(id types.EngineID) (string, error) {
	p.mu.RLock()
	ring := p.ring
	p.mu.RUnlock()

	if ring == nil {
		return "", ErrNoImporters
	}
	addr, ok := ring.GetNode(id.String())
	if !ok {
		return "", ErrNoImporters
	}
	return addr, nil
}

func (p *Placement) UpdateRing(ring *HashRing) {
	p.mu.Lock()
	p.ring = ring
	p.mu.Unlock()

	slog.Info("importer ring updated", "importers", ring.ListNodes())
}

// Importers lists the importers currently on the ring.
func (p *Placement) Importers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.ring == nil {
		return nil
	}
	return p.ring.ListNodes()
}
