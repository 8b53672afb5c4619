package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"kvimport/pkg/engine"
	"kvimport/pkg/kverrors"
	"kvimport/pkg/metrics"
	"kvimport/pkg/types"
)

// Factory creates the engine for a newly opened id.
type Factory func(id types.EngineID) (*engine.Engine, error)

type entry struct {
	engine   *engine.Engine
	inflight sync.WaitGroup
}

// EngineInfo describes an open engine for the admin API.
type EngineInfo struct {
	ID       types.EngineID `json:"uuid"`
	OpenedAt time.Time      `json:"opened_at"`
	Stats    engine.Stats   `json:"stats"`
}

// Registry owns every open engine of the process.
//
// Lookups share mu; Open, Close and Shutdown take it exclusively. An id
// that is being created or finalized sits in busy, so it can neither be
// acquired nor opened again until the transition completes.
type Registry struct {
	mu      sync.RWMutex
	engines map[types.EngineID]*entry
	busy    map[types.EngineID]struct{}
	closed  bool

	factory Factory
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(factory Factory, logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		engines: make(map[types.EngineID]*entry),
		busy:    make(map[types.EngineID]struct{}),
		factory: factory,
		logger:  logger,
		metrics: m,
	}
}

// Open creates and maps a new engine.
func (r *Registry) Open(id types.EngineID) (err error) {
	defer func() { r.metrics.OnEngineOp("open", err) }()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return kverrors.ErrClosed
	}
	_, open := r.engines[id]
	_, inTransition := r.busy[id]
	if open || inTransition {
		r.mu.Unlock()
		return fmt.Errorf("open %s: %w", id, kverrors.ErrEngineAlreadyExists)
	}
	r.busy[id] = struct{}{}
	r.mu.Unlock()

	e, err := r.factory(id)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.busy, id)
	if err != nil {
		return fmt.Errorf("open %s: %w", id, err)
	}
	if r.closed {
		if aerr := e.Abandon(); aerr != nil {
			r.logger.Warn("failed to abandon engine opened during shutdown", "uuid", id, "error", aerr)
		}
		return kverrors.ErrClosed
	}
	r.engines[id] = &entry{engine: e}

	r.logger.Info("engine opened", "uuid", id)
	return nil
}

// Handle pins an engine while a batch is applied to it.
type Handle struct {
	entry *entry
	once  sync.Once
}

func (h *Handle) Engine() *engine.Engine {
	return h.entry.engine
}

func (h *Handle) ApplyBatch(batch types.WriteBatch) error {
	return h.entry.engine.ApplyBatch(batch)
}

// Release unpins the engine. Safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(h.entry.inflight.Done)
}

// Acquire returns a handle on the open engine id. The caller must Release it.
func (r *Registry) Acquire(id types.EngineID) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.engines[id]
	if !ok {
		return nil, fmt.Errorf("acquire %s: %w", id, kverrors.ErrEngineNotFound)
	}
	// Add under the read lock: Close removes the entry under the write
	// lock before it waits, so no Add can follow its Wait.
	e.inflight.Add(1)
	return &Handle{entry: e}, nil
}

// Close unmaps id, waits for outstanding handles and finalizes the engine.
func (r *Registry) Close(id types.EngineID) (art engine.Artifact, err error) {
	defer func() { r.metrics.OnEngineOp("close", err) }()

	r.mu.Lock()
	e, ok := r.engines[id]
	if !ok {
		r.mu.Unlock()
		return engine.Artifact{}, fmt.Errorf("close %s: %w", id, kverrors.ErrEngineNotFound)
	}
	delete(r.engines, id)
	r.busy[id] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.busy, id)
		r.mu.Unlock()
	}()

	e.inflight.Wait()

	art, err = e.engine.Finalize()
	if err != nil {
		r.logger.Error("engine finalize failed", "uuid", id, "error", err)
		return engine.Artifact{}, err
	}

	r.logger.Info("engine closed", "uuid", id, "artifact", art.Path, "entries", art.Entries)
	return art, nil
}

// List returns the open engines ordered by open time.
func (r *Registry) List() []EngineInfo {
	r.mu.RLock()
	infos := make([]EngineInfo, 0, len(r.engines))
	for id, e := range r.engines {
		infos = append(infos, EngineInfo{
			ID:       id,
			OpenedAt: e.engine.OpenedAt(),
			Stats:    e.engine.Stats(),
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].OpenedAt.Before(infos[j].OpenedAt)
	})
	return infos
}

// Len returns the number of open engines.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}

// Shutdown abandons every open engine. Later calls to Open fail.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	entries := r.engines
	r.engines = make(map[types.EngineID]*entry)
	r.mu.Unlock()

	for id, e := range entries {
		e.inflight.Wait()
		err := e.engine.Abandon()
		r.metrics.OnEngineOp("abandon", err)
		if err != nil {
			r.logger.Warn("failed to abandon engine", "uuid", id, "error", err)
			continue
		}
		r.logger.Info("engine abandoned on shutdown", "uuid", id)
	}
}
