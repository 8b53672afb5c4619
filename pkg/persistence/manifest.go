package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const ManifestFileName = "MANIFEST"

// Manifest records the run files an engine has flushed so far.
type Manifest struct {
	mu       sync.RWMutex
	filePath string
	metadata ManifestData
}

// ManifestData represents the manifest data
type ManifestData struct {
	EngineID  string    `json:"engine_id"`
	NextRunID uint64    `json:"next_run_id"`
	Runs      []RunInfo `json:"runs"`
	Version   int       `json:"version"`
}

// RunInfo describes one flushed memtable.
type RunInfo struct {
	ID       uint64 `json:"id"`
	FilePath string `json:"file_path"`
	Entries  uint64 `json:"entries"`
	Size     int64  `json:"size"`
}

// NewManifest creates a new manifest
func NewManifest(dataDir, engineID string) *Manifest {
	return &Manifest{
		filePath: filepath.Join(dataDir, ManifestFileName),
		metadata: ManifestData{
			EngineID:  engineID,
			NextRunID: 1,
			Runs:      make([]RunInfo, 0),
			Version:   1,
		},
	}
}

// Load reads the manifest from disk, creating it when missing.
func (m *Manifest) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return m.save()
	}
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	if err := json.Unmarshal(data, &m.metadata); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}

	return nil
}

func (m *Manifest) save() error {
	dir := filepath.Dir(m.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	data, err := json.MarshalIndent(m.metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.WriteFile(m.filePath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	return nil
}

// NextRunID reserves an id for the next run file.
func (m *Manifest) NextRunID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.metadata.NextRunID
	m.metadata.NextRunID++
	return id
}

// AddRun records a flushed run and persists the manifest.
func (m *Manifest) AddRun(run RunInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metadata.Runs = append(m.metadata.Runs, run)
	return m.save()
}

// Runs returns the recorded runs in flush order.
func (m *Manifest) Runs() []RunInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]RunInfo, len(m.metadata.Runs))
	copy(runs, m.metadata.Runs)
	return runs
}
