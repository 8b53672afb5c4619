package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"kvimport/pkg/config"
	"kvimport/pkg/iterator"
	"kvimport/pkg/kverrors"
	"kvimport/pkg/memtable"
	"kvimport/pkg/metrics"
	"kvimport/pkg/mvcc"
	"kvimport/pkg/persistence"
	"kvimport/pkg/types"
)

const (
	stateOpen int32 = iota
	stateClosed
)

// Artifact is the sorted table a finalized engine leaves for the ingestion
// consumer.
type Artifact struct {
	EngineID types.EngineID `json:"engine_id"`
	Path     string         `json:"path"`
	Entries  uint64         `json:"entries"`
	Size     int64          `json:"size"`
	Checksum uint32         `json:"checksum"`
}

type Stats struct {
	Batches       uint64 `json:"batches"`
	Mutations     uint64 `json:"mutations"`
	EncodedBytes  uint64 `json:"encoded_bytes"`
	Runs          int    `json:"runs"`
	MemtableBytes uint64 `json:"memtable_bytes"`
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// Engine is a single ephemeral write target. Encoded pairs are buffered in a
// memtable, flushed to sorted run files and merged into one artifact by
// Finalize. ApplyBatch is safe for concurrent use; Finalize and Abandon must
// not race with it.
type Engine struct {
	id          types.EngineID
	dir         string
	artifactDir string
	openedAt    time.Time

	codec    mvcc.Codec
	mt       *memtable.Memtable
	flusher  *Flusher
	manifest *persistence.Manifest

	logger  *slog.Logger
	metrics *metrics.Metrics

	state        atomic.Int32
	batches      atomic.Uint64
	mutations    atomic.Uint64
	encodedBytes atomic.Uint64
}

// WorkDir is the directory holding the run files of engine id.
func WorkDir(importDir string, id types.EngineID) string {
	return filepath.Join(importDir, id.String())
}

// ArtifactPath is where Finalize leaves the artifact of engine id.
func ArtifactPath(artifactDir string, id types.EngineID) string {
	return filepath.Join(artifactDir, id.String()+".sst")
}

// Open creates the work directory of a new engine and starts its flusher.
// A stale work directory left by a previous process is discarded.
func Open(id types.EngineID, cfg config.ImportConfig, opts ...Option) (*Engine, error) {
	e := &Engine{
		id:          id,
		dir:         WorkDir(cfg.ImportDir, id),
		artifactDir: cfg.ArtifactDir,
		openedAt:    time.Now(),
		codec:       mvcc.NewCodec(cfg.MaxKeySize),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("uuid", id.String())

	if err := os.RemoveAll(e.dir); err != nil {
		return nil, fmt.Errorf("failed to clear work dir: %w", err)
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	if err := os.MkdirAll(e.artifactDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}

	e.manifest = persistence.NewManifest(e.dir, id.String())
	if err := e.manifest.Load(); err != nil {
		return nil, err
	}

	e.mt = memtable.New(cfg.Memtable)
	e.flusher = newFlusher(e.mt.FlushChan(), e.dir, e.manifest, e.logger, e.metrics)
	e.flusher.Start(context.Background())

	e.logger.Debug("engine opened", "dir", e.dir)
	return e, nil
}

func (e *Engine) ID() types.EngineID {
	return e.id
}

func (e *Engine) OpenedAt() time.Time {
	return e.openedAt
}

// ApplyBatch encodes every mutation of the batch and writes the pairs.
// If any mutation is invalid nothing is written.
func (e *Engine) ApplyBatch(batch types.WriteBatch) error {
	if e.state.Load() != stateOpen {
		return fmt.Errorf("engine %s: %w", e.id, kverrors.ErrClosed)
	}

	pairs := make([]mvcc.Pair, 0, len(batch.Mutations))
	var size uint64
	for i, m := range batch.Mutations {
		p, err := e.codec.Encode(m, batch.CommitVersion)
		if err != nil {
			return fmt.Errorf("mutation %d: %w", i, err)
		}
		pairs = append(pairs, p)
		size += uint64(len(p.Key) + len(p.Value))
	}

	if err := e.flusher.Err(); err != nil {
		return fmt.Errorf("%w: %w", kverrors.ErrSinkWrite, err)
	}
	for _, p := range pairs {
		if err := e.mt.Upsert(p.Key, p.Value); err != nil {
			return fmt.Errorf("%w: %w", kverrors.ErrSinkWrite, err)
		}
	}

	e.batches.Add(1)
	e.mutations.Add(uint64(len(pairs)))
	e.encodedBytes.Add(size)
	return nil
}

func (e *Engine) Stats() Stats {
	return Stats{
		Batches:       e.batches.Load(),
		Mutations:     e.mutations.Load(),
		EncodedBytes:  e.encodedBytes.Load(),
		Runs:          len(e.manifest.Runs()),
		MemtableBytes: e.mt.Size(),
	}
}

// Finalize flushes the memtable, merges all runs into the artifact and
// removes the work directory. The engine is closed afterwards even when
// finalization fails.
func (e *Engine) Finalize() (Artifact, error) {
	if !e.state.CompareAndSwap(stateOpen, stateClosed) {
		return Artifact{}, fmt.Errorf("engine %s: %w", e.id, kverrors.ErrClosed)
	}

	start := time.Now()
	e.mt.Close()
	e.flusher.Wait()

	art, err := e.finalize()
	if rerr := os.RemoveAll(e.dir); rerr != nil {
		e.logger.Warn("failed to remove work dir", "dir", e.dir, "error", rerr)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: finalize engine %s: %w", kverrors.ErrSinkWrite, e.id, err)
	}

	e.metrics.OnFinalize(time.Since(start))
	e.logger.Info("engine finalized",
		"artifact", art.Path,
		"entries", art.Entries,
		"took", time.Since(start),
	)
	return art, nil
}

func (e *Engine) finalize() (Artifact, error) {
	if err := e.flusher.Err(); err != nil {
		return Artifact{}, err
	}

	runs := e.manifest.Runs()
	tables := make([]*persistence.SSTable, 0, len(runs))
	defer func() {
		for _, t := range tables {
			if cerr := t.Close(); cerr != nil {
				e.logger.Warn("failed to close run", "path", t.GetFilePath(), "error", cerr)
			}
		}
	}()

	sources := make([]iterator.Iterator, 0, len(runs))
	for _, run := range runs {
		t, err := persistence.OpenSSTable(run.FilePath)
		if err != nil {
			return Artifact{}, err
		}
		tables = append(tables, t)
		sources = append(sources, t.NewIterator())
	}

	final := ArtifactPath(e.artifactDir, e.id)
	tmp := final + ".tmp"
	w, err := persistence.NewWriter(tmp)
	if err != nil {
		return Artifact{}, err
	}
	if _, err := persistence.Merge(w, sources); err != nil {
		if aerr := w.Abort(); aerr != nil {
			e.logger.Warn("failed to remove partial artifact", "path", tmp, "error", aerr)
		}
		return Artifact{}, err
	}
	meta, err := w.Finish()
	if err != nil {
		return Artifact{}, errors.Join(err, w.Abort())
	}
	if err := os.Rename(tmp, final); err != nil {
		return Artifact{}, fmt.Errorf("failed to publish artifact: %w", err)
	}

	return Artifact{
		EngineID: e.id,
		Path:     final,
		Entries:  meta.Count,
		Size:     int64(meta.DataSize) + int64(persistence.FooterSize),
		Checksum: meta.Checksum,
	}, nil
}

// Abandon drops everything the engine buffered without producing an
// artifact.
func (e *Engine) Abandon() error {
	if !e.state.CompareAndSwap(stateOpen, stateClosed) {
		return fmt.Errorf("engine %s: %w", e.id, kverrors.ErrClosed)
	}

	// discard before stopping the flusher so a blocked rotation can finish
	e.mt.Discard()
	e.flusher.Stop()

	if err := os.RemoveAll(e.dir); err != nil {
		return fmt.Errorf("failed to remove work dir: %w", err)
	}
	e.logger.Info("engine abandoned", "mutations", e.mutations.Load())
	return nil
}
