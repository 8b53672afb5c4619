package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	adminhttp "kvimport/internal/http"
	"kvimport/pkg/cluster"
	"kvimport/pkg/config"
	"kvimport/pkg/engine"
	"kvimport/pkg/metrics"
	"kvimport/pkg/registry"
	"kvimport/pkg/rpc"
	"kvimport/pkg/types"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type options struct {
	Config string `long:"config" short:"c" default:"config.yaml" description:"path to the YAML config"`
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

	cfg, err := initConfig(opts.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := initLogger(&cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("kvimport stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	for _, dir := range []string{cfg.Import.ImportDir, cfg.Import.ArtifactDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	engines := registry.New(func(id types.EngineID) (*engine.Engine, error) {
		return engine.Open(id, cfg.Import,
			engine.WithLogger(logger.With("engine", id.String())),
			engine.WithMetrics(m),
		)
	}, logger, m)

	server := rpc.NewServer(engines, cfg.Server.ListenAddr, logger, m)
	if err := server.Start(); err != nil {
		return err
	}

	var admin *adminhttp.Server
	if cfg.HTTPServer.Port > 0 {
		admin = adminhttp.NewServer(engines, promReg, cfg.HTTPServer.Port, cfg.HTTPServer.ReadHeaderTimeout)
		if err := admin.Start(); err != nil {
			shutdown(server, nil, cfg, logger)
			return err
		}
	}

	if len(cfg.Cluster.ZKServers) > 0 {
		membership, err := cluster.NewZKMembership(cfg.Cluster.ZKServers, cfg.Cluster.RootPath, cfg.Cluster.AdvertiseAddr)
		if err != nil {
			shutdown(server, admin, cfg, logger)
			return err
		}
		defer membership.Close()

		if err := membership.RegisterSelf(ctx); err != nil {
			shutdown(server, admin, cfg, logger)
			return err
		}
	}

	logger.Info("kvimport is running", "grpc", server.Addr(), "import_dir", cfg.Import.ImportDir)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-server.Done():
		logger.Error("import server stopped unexpectedly", "error", serveErr)
	}

	shutdown(server, admin, cfg, logger)
	return serveErr
}

func shutdown(server *rpc.Server, admin *adminhttp.Server, cfg config.Config, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if admin != nil {
		if err := admin.Stop(ctx); err != nil {
			logger.Warn("failed to stop admin server", "error", err)
		}
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("import server shutdown", "error", err)
	}
}
