package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"kvimport/pkg/listener"
	"kvimport/pkg/memtable"
	"kvimport/pkg/metrics"
	"kvimport/pkg/persistence"
)

// Flusher writes sealed memtables as run files. After the first failure it
// keeps draining its input so writers never block, but writes nothing more.
type Flusher struct {
	dir      string
	manifest *persistence.Manifest
	listener *listener.Listener[memtable.SortedSet]
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu  sync.Mutex
	err error
}

func newFlusher(
	in <-chan memtable.SortedSet,
	dir string,
	manifest *persistence.Manifest,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Flusher {
	f := &Flusher{
		dir:      dir,
		manifest: manifest,
		metrics:  m,
		logger:   logger,
	}
	f.listener = listener.New(in, f.flush, f.fail)
	return f
}

func (f *Flusher) Start(ctx context.Context) {
	f.listener.Start(ctx)
}

// Wait blocks until every sealed memtable has been handled.
func (f *Flusher) Wait() {
	f.listener.Wait()
}

// Stop abandons pending memtables.
func (f *Flusher) Stop() {
	f.listener.Stop()
}

// Err returns the first flush failure.
func (f *Flusher) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Flusher) fail(err error) {
	f.mu.Lock()
	if f.err == nil {
		f.err = err
	}
	f.mu.Unlock()

	f.logger.Error("memtable flush failed", "dir", f.dir, "error", err)
}

func (f *Flusher) flush(ss memtable.SortedSet) error {
	if f.Err() != nil {
		return nil
	}

	snapshot := ss.Sorted()
	if len(snapshot) == 0 {
		return nil
	}

	start := time.Now()
	runID := f.manifest.NextRunID()
	filePath := filepath.Join(f.dir, fmt.Sprintf("run-%d.sst", runID))

	w, err := persistence.NewWriter(filePath)
	if err != nil {
		return err
	}
	for _, item := range snapshot {
		if err := w.Add(item.Key, item.Value); err != nil {
			if aerr := w.Abort(); aerr != nil {
				f.logger.Warn("failed to remove partial run", "path", filePath, "error", aerr)
			}
			return fmt.Errorf("failed to write run %d: %w", runID, err)
		}
	}
	meta, err := w.Finish()
	if err != nil {
		return fmt.Errorf("failed to finish run %d: %w", runID, err)
	}

	if err := f.manifest.AddRun(persistence.RunInfo{
		ID:       runID,
		FilePath: filePath,
		Entries:  meta.Count,
		Size:     int64(meta.DataSize),
	}); err != nil {
		return err
	}

	f.metrics.OnFlush(time.Since(start))
	f.logger.Debug("memtable flushed",
		"run", runID,
		"entries", meta.Count,
		"bytes", ss.Bytes(),
		"took", time.Since(start),
	)

	return nil
}
