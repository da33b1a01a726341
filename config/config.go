// Package config loads the YAML configuration shared by the dmutx binaries.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sushant-115/dmutx/core/dnode"
	"github.com/sushant-115/dmutx/core/storage_engine/pool"
	"github.com/sushant-115/dmutx/core/transaction"
	"github.com/sushant-115/dmutx/core/txg"
	"github.com/sushant-115/dmutx/internal/health"
	"github.com/sushant-115/dmutx/pkg/logger"
	"github.com/sushant-115/dmutx/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration file.
type Config struct {
	Logger    logger.Config      `yaml:"logger"`
	Telemetry telemetry.Config   `yaml:"telemetry"`
	Pool      pool.Config        `yaml:"pool"`
	Txg       txg.Config         `yaml:"txg"`
	Limits    transaction.Limits `yaml:"limits"`
	Store     dnode.StoreConfig  `yaml:"store"`
	Health    health.Config      `yaml:"health"`
	// ShadowAccounting cross-checks every transaction's usage against its estimate.
	ShadowAccounting bool `yaml:"shadow_accounting"`
}

func Default() Config {
	return Config{
		Logger: logger.DefaultConfig(),
		Telemetry: telemetry.Config{
			ServiceName: "dmutx",
			MetricsAddr: ":9464",
		},
		Pool:   pool.DefaultConfig(),
		Txg:    txg.DefaultConfig(),
		Limits: transaction.DefaultLimits(),
		Store:  dnode.DefaultStoreConfig(),
		Health: health.DefaultConfig(),
	}
}

// Load reads the file at path over the defaults. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if c.Txg.SyncInterval < 0 || c.Txg.MaxSyncRate < 0 {
		return fmt.Errorf("txg: sync interval and rate must not be negative")
	}
	if c.Health.Interval < 0 {
		return fmt.Errorf("health: interval must not be negative")
	}
	if c.Store.IndirectShift != 0 && c.Store.IndirectShift <= dnode.BlockPointerShift {
		return fmt.Errorf("store: indirect shift %d holds no block pointers", c.Store.IndirectShift)
	}
	if rs := c.Store.RecordSize; rs != 0 && rs&(rs-1) != 0 {
		return fmt.Errorf("store: record size %d is not a power of two", rs)
	}
	return nil
}

// Marshal renders the configuration as YAML, e.g. for a "config" command.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
