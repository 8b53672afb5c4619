package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kvimport/pkg/config"
	"kvimport/pkg/engine"
	"kvimport/pkg/kverrors"
	"kvimport/pkg/metrics"
	"kvimport/pkg/persistence"
	"kvimport/pkg/types"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, config.ImportConfig) {
	t.Helper()
	root := t.TempDir()
	cfg := config.ImportConfig{
		ImportDir:   filepath.Join(root, "import"),
		ArtifactDir: filepath.Join(root, "artifacts"),
		MaxKeySize:  1024,
		Memtable: config.MemtableConfig{
			FlushThresholdBytes: 1 << 16,
			FlushChanBuffSize:   2,
		},
	}
	r := New(func(id types.EngineID) (*engine.Engine, error) {
		return engine.Open(id, cfg)
	}, nil, nil)
	return r, cfg
}

func putBatch(version uint64, keys ...string) types.WriteBatch {
	b := types.WriteBatch{CommitVersion: version}
	for _, k := range keys {
		b.Mutations = append(b.Mutations, types.Put([]byte(k), []byte("v-"+k)))
	}
	return b
}

func TestOpenTwiceFails(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := uuid.New()

	require.NoError(t, r.Open(id))
	require.ErrorIs(t, r.Open(id), kverrors.ErrEngineAlreadyExists)
	require.Equal(t, 1, r.Len())
}

func TestUnknownIDIsNotFound(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := uuid.New()

	_, err := r.Acquire(id)
	require.ErrorIs(t, err, kverrors.ErrEngineNotFound)

	_, err = r.Close(id)
	require.ErrorIs(t, err, kverrors.ErrEngineNotFound)
	require.Zero(t, r.Len())
}

func TestCloseFinalizesAndUnmaps(t *testing.T) {
	r, cfg := newTestRegistry(t)
	id := uuid.New()
	require.NoError(t, r.Open(id))

	h, err := r.Acquire(id)
	require.NoError(t, err)
	require.NoError(t, h.ApplyBatch(putBatch(10, "a", "b", "c")))
	h.Release()
	h.Release()

	art, err := r.Close(id)
	require.NoError(t, err)
	require.Equal(t, engine.ArtifactPath(cfg.ArtifactDir, id), art.Path)
	require.Equal(t, uint64(3), art.Entries)

	_, err = r.Acquire(id)
	require.ErrorIs(t, err, kverrors.ErrEngineNotFound)
	_, err = r.Close(id)
	require.ErrorIs(t, err, kverrors.ErrEngineNotFound)
}

func TestReopenAfterCloseIsIndependent(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := uuid.New()

	require.NoError(t, r.Open(id))
	h, err := r.Acquire(id)
	require.NoError(t, err)
	require.NoError(t, h.ApplyBatch(putBatch(1, "old-1", "old-2")))
	h.Release()
	first, err := r.Close(id)
	require.NoError(t, err)
	require.Equal(t, uint64(2), first.Entries)

	require.NoError(t, r.Open(id))
	h, err = r.Acquire(id)
	require.NoError(t, err)
	require.Zero(t, h.Engine().Stats().Mutations)
	require.NoError(t, h.ApplyBatch(putBatch(2, "new")))
	h.Release()

	second, err := r.Close(id)
	require.NoError(t, err)
	require.Equal(t, uint64(1), second.Entries)
}

func TestCloseWaitsForInflightHandles(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := uuid.New()
	require.NoError(t, r.Open(id))

	h, err := r.Acquire(id)
	require.NoError(t, err)

	var closed atomic.Bool
	done := make(chan engine.Artifact)
	go func() {
		art, err := r.Close(id)
		if err != nil {
			t.Error(err)
		}
		closed.Store(true)
		done <- art
	}()

	// Close unmaps at once, so new acquires already fail
	require.Eventually(t, func() bool {
		_, err := r.Acquire(id)
		return errors.Is(err, kverrors.ErrEngineNotFound)
	}, time.Second, time.Millisecond)

	// while closing the id cannot be reopened
	require.ErrorIs(t, r.Open(id), kverrors.ErrEngineAlreadyExists)

	time.Sleep(20 * time.Millisecond)
	require.False(t, closed.Load())

	require.NoError(t, h.ApplyBatch(putBatch(5, "late")))
	h.Release()

	art := <-done
	require.Equal(t, uint64(1), art.Entries)
}

func TestConcurrentWritersAndClose(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := uuid.New()
	require.NoError(t, r.Open(id))

	const (
		writers = 8
		batches = 50
	)
	var (
		wg      sync.WaitGroup
		applied atomic.Uint64
	)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for b := 0; b < batches; b++ {
				h, err := r.Acquire(id)
				if err != nil {
					if !errors.Is(err, kverrors.ErrEngineNotFound) {
						t.Error(err)
					}
					return
				}
				err = h.ApplyBatch(putBatch(uint64(b+1), fmt.Sprintf("w%d-b%03d", w, b)))
				h.Release()
				if err != nil {
					t.Error(err)
					return
				}
				applied.Add(1)
			}
		}(w)
	}

	time.Sleep(5 * time.Millisecond)
	art, err := r.Close(id)
	require.NoError(t, err)
	wg.Wait()

	// every batch that got a handle made it into the artifact
	require.Equal(t, applied.Load(), art.Entries)

	s, err := persistence.OpenSSTable(art.Path)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, applied.Load(), s.Count())
}

func TestListAndShutdown(t *testing.T) {
	r, cfg := newTestRegistry(t)
	ids := []types.EngineID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		require.NoError(t, r.Open(id))
	}

	h, err := r.Acquire(ids[1])
	require.NoError(t, err)
	require.NoError(t, h.ApplyBatch(putBatch(1, "x", "y")))
	h.Release()

	infos := r.List()
	require.Len(t, infos, 3)
	for _, info := range infos {
		if info.ID == ids[1] {
			require.Equal(t, uint64(2), info.Stats.Mutations)
		}
	}

	r.Shutdown()
	require.Zero(t, r.Len())
	for _, id := range ids {
		require.NoDirExists(t, engine.WorkDir(cfg.ImportDir, id))
		require.NoFileExists(t, engine.ArtifactPath(cfg.ArtifactDir, id))
	}
	require.ErrorIs(t, r.Open(uuid.New()), kverrors.ErrClosed)
}

func TestFactoryErrorLeavesIDFree(t *testing.T) {
	var calls int
	r := New(func(id types.EngineID) (*engine.Engine, error) {
		calls++
		return nil, errors.New("disk full")
	}, nil, nil)

	id := uuid.New()
	err := r.Open(id)
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, kverrors.KindInternal, kverrors.KindOf(err))

	err = r.Open(id)
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, 2, calls)
}

func TestFailedCloseDetachesEngine(t *testing.T) {
	_, cfg := newTestRegistry(t)
	reg := prometheus.NewRegistry()
	r := New(func(id types.EngineID) (*engine.Engine, error) {
		return engine.Open(id, cfg)
	}, nil, metrics.New(reg))

	id := uuid.New()
	require.NoError(t, r.Open(id))
	h, err := r.Acquire(id)
	require.NoError(t, err)
	require.NoError(t, h.ApplyBatch(putBatch(1, "a")))
	h.Release()

	// artifacts can no longer be created under a regular file
	require.NoError(t, os.RemoveAll(cfg.ArtifactDir))
	require.NoError(t, os.WriteFile(cfg.ArtifactDir, []byte("x"), 0o644))

	_, err = r.Close(id)
	require.ErrorIs(t, err, kverrors.ErrSinkWrite)
	require.Zero(t, r.Len())
	require.NoDirExists(t, engine.WorkDir(cfg.ImportDir, id))

	const openEngines = `
# HELP kvimport_open_engines Number of engines currently open
# TYPE kvimport_open_engines gauge
kvimport_open_engines 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(openEngines), "kvimport_open_engines"))

	require.NoError(t, os.Remove(cfg.ArtifactDir))
	require.NoError(t, r.Open(id))
	_, err = r.Close(id)
	require.NoError(t, err)
	require.FileExists(t, engine.ArtifactPath(cfg.ArtifactDir, id))
}
