package rpc

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"kvimport/pkg/config"
	"kvimport/pkg/engine"
	"kvimport/pkg/importpb"
	"kvimport/pkg/kverrors"
	"kvimport/pkg/mvcc"
	"kvimport/pkg/persistence"
	"kvimport/pkg/registry"
	"kvimport/pkg/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

type testEnv struct {
	server   *Server
	client   *Client
	registry *registry.Registry
	cfg      config.ImportConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	cfg := config.ImportConfig{
		ImportDir:   filepath.Join(root, "import"),
		ArtifactDir: filepath.Join(root, "artifacts"),
		MaxKeySize:  1024,
		Memtable:    config.MemtableConfig{FlushThresholdBytes: 32 << 10, FlushChanBuffSize: 2},
	}
	reg := registry.New(func(id types.EngineID) (*engine.Engine, error) {
		return engine.Open(id, cfg)
	}, nil, nil)

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(reg, "bufnet", nil, nil)
	srv.Serve(lis)

	client, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return &testEnv{server: srv, client: client, registry: reg, cfg: cfg}
}

func readArtifact(t *testing.T, path string) map[string]string {
	t.Helper()
	s, err := persistence.OpenSSTable(path)
	require.NoError(t, err)
	defer s.Close()

	out := map[string]string{}
	it := s.NewIterator()
	for it.First(); it.Valid(); it.Next() {
		key, version, err := mvcc.DecodeKey(it.Key())
		require.NoError(t, err)
		_, value, err := mvcc.DecodeValue(it.Value())
		require.NoError(t, err)
		k := fmt.Sprintf("%s@%d", key, version)
		_, dup := out[k]
		require.False(t, dup, "duplicate pair %s", k)
		out[k] = string(value)
	}
	require.NoError(t, it.Err())
	return out
}

// Writes and closes before open are rejected, then the same batch written twice
// per stream on two streams ends up once in the artifact.
func TestKVService(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := uuid.New()

	batch := types.WriteBatch{
		CommitVersion: 123,
		Mutations:     []types.Mutation{types.Put([]byte{1}, []byte{1})},
	}

	// write an engine before it is opened
	res, err := env.client.Write(ctx, id, batch, batch)
	require.NoError(t, err)
	require.ErrorIs(t, res.Err(), kverrors.ErrEngineNotFound)
	require.Equal(t, uint64(2), res.Summary.BatchesRejected)

	// close an engine before it is opened
	require.ErrorIs(t, env.client.CloseEngine(ctx, id), kverrors.ErrEngineNotFound)

	require.NoError(t, env.client.OpenEngine(ctx, id))
	for i := 0; i < 2; i++ {
		res, err = env.client.Write(ctx, id, batch, batch)
		require.NoError(t, err)
		require.NoError(t, res.Err())
		require.Equal(t, uint64(2), res.Summary.BatchesApplied)
	}
	require.NoError(t, env.client.CloseEngine(ctx, id))

	pairs := readArtifact(t, engine.ArtifactPath(env.cfg.ArtifactDir, id))
	require.Equal(t, map[string]string{"\x01@123": "\x01"}, pairs)
}

func TestOpenTwiceAndCloseTwice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, env.client.OpenEngine(ctx, id))
	require.ErrorIs(t, env.client.OpenEngine(ctx, id), kverrors.ErrEngineAlreadyExists)
	require.NoError(t, env.client.CloseEngine(ctx, id))
	require.ErrorIs(t, env.client.CloseEngine(ctx, id), kverrors.ErrEngineNotFound)
}

func TestOpenCloseWithoutWritesYieldsEmptyArtifact(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, env.client.OpenEngine(ctx, id))
	require.NoError(t, env.client.CloseEngine(ctx, id))
	require.Empty(t, readArtifact(t, engine.ArtifactPath(env.cfg.ArtifactDir, id)))
}

func TestReopenAfterClose(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := uuid.New()

	write := func(key string, version uint64) {
		res, err := env.client.Write(ctx, id, types.WriteBatch{
			CommitVersion: version,
			Mutations:     []types.Mutation{types.Put([]byte(key), []byte(key))},
		})
		require.NoError(t, err)
		require.NoError(t, res.Err())
	}

	require.NoError(t, env.client.OpenEngine(ctx, id))
	write("first", 1)
	require.NoError(t, env.client.CloseEngine(ctx, id))
	require.Len(t, readArtifact(t, engine.ArtifactPath(env.cfg.ArtifactDir, id)), 1)

	require.NoError(t, env.client.OpenEngine(ctx, id))
	write("second", 2)
	require.NoError(t, env.client.CloseEngine(ctx, id))

	require.Equal(t, map[string]string{"second@2": "second"},
		readArtifact(t, engine.ArtifactPath(env.cfg.ArtifactDir, id)))
}

func TestInvalidUUIDIsProtocolViolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := importpb.NewImportKVClient(env.client.conn).Open(ctx, &importpb.OpenRequest{UUID: []byte("short")})
	require.NoError(t, err)
	require.Equal(t, kverrors.KindProtocolViolation, resp.Error.Kind)
	require.Zero(t, env.registry.Len())
}

func TestWriteWithoutHeadEndsStream(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stream, err := env.client.api.Write(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&importpb.WriteRequest{Batch: &importpb.WriteBatch{CommitTs: 1}}))
	require.NoError(t, stream.CloseSend())

	resp, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, kverrors.KindProtocolViolation, resp.Error.Kind)
}

func TestConcurrentStreamsDisjointKeys(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, env.client.OpenEngine(ctx, id))

	const (
		streams  = 8
		batches  = 20
		perBatch = 25
	)
	g, gctx := errgroup.WithContext(ctx)
	for s := 0; s < streams; s++ {
		g.Go(func() error {
			bs := make([]types.WriteBatch, 0, batches)
			for b := 0; b < batches; b++ {
				batch := types.WriteBatch{CommitVersion: uint64(1000 + b)}
				for i := 0; i < perBatch; i++ {
					key := []byte(fmt.Sprintf("s%02d-b%02d-k%02d", s, b, i))
					batch.Mutations = append(batch.Mutations, types.Put(key, key))
				}
				bs = append(bs, batch)
			}
			res, err := env.client.Write(gctx, id, bs...)
			if err != nil {
				return err
			}
			if err := res.Err(); err != nil {
				return err
			}
			if res.Summary.MutationsWritten != batches*perBatch {
				return fmt.Errorf("stream %d wrote %d mutations", s, res.Summary.MutationsWritten)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, env.client.CloseEngine(ctx, id))

	pairs := readArtifact(t, engine.ArtifactPath(env.cfg.ArtifactDir, id))
	require.Len(t, pairs, streams*batches*perBatch)
	for s := 0; s < streams; s++ {
		for b := 0; b < batches; b++ {
			for i := 0; i < perBatch; i++ {
				key := fmt.Sprintf("s%02d-b%02d-k%02d", s, b, i)
				require.Equal(t, key, pairs[fmt.Sprintf("%s@%d", key, 1000+b)])
			}
		}
	}
}

func TestShutdownAbandonsOpenEngines(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, env.client.OpenEngine(ctx, id))

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, env.server.Shutdown(shutdownCtx))

	require.Zero(t, env.registry.Len())
	require.NoDirExists(t, engine.WorkDir(env.cfg.ImportDir, id))
	require.NoFileExists(t, engine.ArtifactPath(env.cfg.ArtifactDir, id))
	require.NoError(t, <-env.server.Done())
}
