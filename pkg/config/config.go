package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the root configuration of the import service.
// Parsed from YAML; unset sections keep the values of Default().
type Config struct {
	Logger     LoggerConfig  `yaml:"logger" validate:"required"`
	Server     ServerConfig  `yaml:"server" validate:"required"`
	HTTPServer HTTPConfig    `yaml:"http-server" validate:"required"`
	Import     ImportConfig  `yaml:"import" validate:"required"`
	Cluster    ClusterConfig `yaml:"cluster"`
}

type ServerConfig struct {
	// ListenAddr is the gRPC listen address, port 0 picks a free port.
	ListenAddr string `yaml:"listen_addr" validate:"required"`
	// ShutdownTimeout bounds graceful stop before streams are cut.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type HTTPConfig struct {
	// Port of the admin API, 0 disables it.
	Port              int           `yaml:"port" validate:"min=0,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type ImportConfig struct {
	// ImportDir holds one work directory per open engine.
	ImportDir string `yaml:"import_dir" validate:"required"`
	// ArtifactDir receives finalized <uuid>.sst files.
	ArtifactDir string         `yaml:"artifact_dir" validate:"required"`
	MaxKeySize  int            `yaml:"max_key_size" validate:"min=1"`
	Memtable    MemtableConfig `yaml:"memtable" validate:"required"`
}

type MemtableConfig struct {
	FlushThresholdBytes int `yaml:"flush_threshold" validate:"required,min=1"`
	FlushChanBuffSize   int `yaml:"flush_chan_buff_size" validate:"required,min=1"`
}

type ClusterConfig struct {
	// ZKServers enables importer registration when non-empty.
	ZKServers     []string `yaml:"zk_servers"`
	RootPath      string   `yaml:"root_path"`
	AdvertiseAddr string   `yaml:"advertise_addr"`
	RingReplicas  int      `yaml:"ring_replicas" validate:"min=1"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:8287",
			ShutdownTimeout: 10 * time.Second,
		},
		HTTPServer: HTTPConfig{
			Port:              8288,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Import: ImportConfig{
			ImportDir:   "./data/import",
			ArtifactDir: "./data/artifacts",
			MaxKeySize:  4096,
			Memtable: MemtableConfig{
				FlushThresholdBytes: 64 << 20,
				FlushChanBuffSize:   2,
			},
		},
		Cluster: ClusterConfig{
			RootPath:     "/kvimport",
			RingReplicas: 100,
		},
	}
}

// Parse decodes YAML on top of Default() and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks the ranges the yaml validate tags describe.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("logger.level: unknown level %q", c.Logger.Level))
	}
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr: required"))
	}
	if c.HTTPServer.Port < 0 || c.HTTPServer.Port > 65535 {
		errs = append(errs, fmt.Errorf("http-server.port: %d out of range", c.HTTPServer.Port))
	}
	if c.Import.ImportDir == "" {
		errs = append(errs, errors.New("import.import_dir: required"))
	}
	if c.Import.ArtifactDir == "" {
		errs = append(errs, errors.New("import.artifact_dir: required"))
	}
	if c.Import.MaxKeySize < 1 {
		errs = append(errs, fmt.Errorf("import.max_key_size: must be positive, got %d", c.Import.MaxKeySize))
	}
	if c.Import.Memtable.FlushThresholdBytes < 1 {
		errs = append(errs, fmt.Errorf("import.memtable.flush_threshold: must be positive, got %d", c.Import.Memtable.FlushThresholdBytes))
	}
	if c.Import.Memtable.FlushChanBuffSize < 1 {
		errs = append(errs, fmt.Errorf("import.memtable.flush_chan_buff_size: must be positive, got %d", c.Import.Memtable.FlushChanBuffSize))
	}
	if len(c.Cluster.ZKServers) > 0 {
		if c.Cluster.AdvertiseAddr == "" {
			errs = append(errs, errors.New("cluster.advertise_addr: required when zk_servers is set"))
		}
		if c.Cluster.RingReplicas < 1 {
			errs = append(errs, fmt.Errorf("cluster.ring_replicas: must be positive, got %d", c.Cluster.RingReplicas))
		}
	}

	return errors.Join(errs...)
}
