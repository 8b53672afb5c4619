package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"kvimport/pkg/cluster"
	"kvimport/pkg/rpc"
	"kvimport/pkg/types"

	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"
)

type options struct {
	Addr        string   `long:"addr" default:"127.0.0.1:8287" description:"import server address, ignored when --zk is set"`
	ZKServers   []string `long:"zk" description:"zookeeper server, repeatable; engines are placed on live importers"`
	ZKRoot      string   `long:"zk-root" default:"/kvimport" description:"zookeeper root path"`
	Streams     int      `long:"streams" default:"8" description:"concurrent engines, one write stream each"`
	Batches     int      `long:"batches" default:"100" description:"batches per stream"`
	BatchSize   int      `long:"batch-size" default:"1000" description:"mutations per batch"`
	ValueSize   int      `long:"value-size" default:"128" description:"value size in bytes"`
	DeleteRatio float64  `long:"delete-ratio" default:"0" description:"share of delete mutations"`
}

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Mutations     uint64
	Bytes         uint64
	Duration      time.Duration
	OpsPerSec     float64
	MutsPerSec    float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

type streamResult struct {
	latency   time.Duration
	mutations uint64
	bytes     uint64
	err       error
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if opts.Streams < 1 || opts.Batches < 1 || opts.BatchSize < 1 {
		fmt.Println("ERROR: --streams, --batches and --batch-size must be positive")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pick, closePick, err := newPicker(ctx, opts)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	defer closePick()

	fmt.Println("=== kvimport Benchmark ===")
	fmt.Printf("Streams: %d, batches/stream: %d, mutations/batch: %d, value size: %d\n",
		opts.Streams, opts.Batches, opts.BatchSize, opts.ValueSize)
	fmt.Println()

	pool := newClientPool()
	defer pool.Close()

	result := benchmarkImport(ctx, opts, pick, pool)
	printResult("Import", result)
}

// newPicker returns the function choosing the importer for an engine.
func newPicker(ctx context.Context, opts options) (func(types.EngineID) (string, error), func(), error) {
	if len(opts.ZKServers) == 0 {
		return func(types.EngineID) (string, error) { return opts.Addr, nil }, func() {}, nil
	}

	membership, err := cluster.NewZKMembership(opts.ZKServers, opts.ZKRoot, "")
	if err != nil {
		return nil, nil, err
	}
	ring, err := membership.BuildRing(100)
	if err != nil {
		_ = membership.Close()
		return nil, nil, err
	}
	placement := cluster.NewPlacement(ring)
	membership.RunWatch(ctx, placement, 100)
	fmt.Println("Live importers:", placement.Importers())

	return placement.Owner, func() { _ = membership.Close() }, nil
}

type clientPool struct {
	mu      sync.Mutex
	clients map[string]*rpc.Client
}

func newClientPool() *clientPool {
	return &clientPool{clients: make(map[string]*rpc.Client)}
}

func (p *clientPool) Get(addr string) (*rpc.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[addr]; ok {
		return c, nil
	}
	c, err := rpc.Dial(addr)
	if err != nil {
		return nil, err
	}
	p.clients[addr] = c
	return c, nil
}

func (p *clientPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for addr, c := range p.clients {
		if err := c.Close(); err != nil {
			fmt.Printf("WARN: close %s: %v\n", addr, err)
		}
	}
}

func benchmarkImport(ctx context.Context, opts options, pick func(types.EngineID) (string, error), pool *clientPool) BenchmarkResult {
	results := make([]streamResult, opts.Streams)

	start := time.Now()
	var g errgroup.Group
	for i := range opts.Streams {
		g.Go(func() error {
			results[i] = runStream(ctx, opts, pick, pool)
			return nil
		})
	}
	_ = g.Wait()
	duration := time.Since(start)

	result := BenchmarkResult{TotalOps: opts.Streams, Duration: duration, MinLatency: time.Duration(1<<63 - 1)}
	var totalLatency time.Duration
	for _, r := range results {
		if r.err != nil {
			result.FailedOps++
			fmt.Printf("  stream failed: %v\n", r.err)
			continue
		}
		result.SuccessfulOps++
		result.Mutations += r.mutations
		result.Bytes += r.bytes
		totalLatency += r.latency
		result.MinLatency = min(result.MinLatency, r.latency)
		result.MaxLatency = max(result.MaxLatency, r.latency)
	}

	if result.SuccessfulOps > 0 {
		result.AvgLatency = totalLatency / time.Duration(result.SuccessfulOps)
	} else {
		result.MinLatency = 0
	}
	if secs := duration.Seconds(); secs > 0 {
		result.OpsPerSec = float64(result.SuccessfulOps) / secs
		result.MutsPerSec = float64(result.Mutations) / secs
	}
	return result
}

// runStream opens one engine, writes every batch over one stream and closes it.
func runStream(ctx context.Context, opts options, pick func(types.EngineID) (string, error), pool *clientPool) streamResult {
	id := uuid.New()
	addr, err := pick(id)
	if err != nil {
		return streamResult{err: err}
	}
	client, err := pool.Get(addr)
	if err != nil {
		return streamResult{err: err}
	}

	batches, size := generateBatches(opts)

	start := time.Now()
	if err := client.OpenEngine(ctx, id); err != nil {
		return streamResult{err: fmt.Errorf("open %s on %s: %w", id, addr, err)}
	}
	res, err := client.Write(ctx, id, batches...)
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		return streamResult{err: fmt.Errorf("write %s on %s: %w", id, addr, err)}
	}
	if err := client.CloseEngine(ctx, id); err != nil {
		return streamResult{err: fmt.Errorf("close %s on %s: %w", id, addr, err)}
	}

	var written uint64
	if res.Summary != nil {
		written = res.Summary.MutationsWritten
	}
	return streamResult{latency: time.Since(start), mutations: written, bytes: size}
}

func generateBatches(opts options) ([]types.WriteBatch, uint64) {
	var size uint64
	batches := make([]types.WriteBatch, opts.Batches)
	for b := range batches {
		muts := make([]types.Mutation, opts.BatchSize)
		for i := range muts {
			key := []byte(fmt.Sprintf("key-%08d-%06d", b, i))
			if opts.DeleteRatio > 0 && rand.Float64() < opts.DeleteRatio {
				muts[i] = types.Delete(key)
				size += uint64(len(key))
				continue
			}
			value := make([]byte, opts.ValueSize)
			for j := range value {
				value[j] = byte('a' + rand.IntN(26))
			}
			muts[i] = types.Put(key, value)
			size += uint64(len(key) + len(value))
		}
		batches[b] = types.WriteBatch{CommitVersion: uint64(b + 1), Mutations: muts}
	}
	return batches, size
}

func printResult(testName string, result BenchmarkResult) {
	fmt.Printf("%s:\n", testName)
	fmt.Printf("  Total Streams: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Mutations Written: %d\n", result.Mutations)
	fmt.Printf("  Payload: %.2f MiB\n", float64(result.Bytes)/(1<<20))
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Streams/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Mutations/sec: %.2f\n", result.MutsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
