package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress        string   `toml:"ListenAddress"`
	DataDir              string   `toml:"DataDir"`
	GenesisFile          string   `toml:"GenesisFile"`
	NetworkName          string   `toml:"NetworkName"`
	StorageBackend       string   `toml:"StorageBackend"`
	BlockIntervalSeconds uint64   `toml:"BlockIntervalSeconds"`
	Paused               bool     `toml:"Paused"`
	PausedModules        []string `toml:"PausedModules"`

	Log       Log       `toml:"log"`
	RPC       RPC       `toml:"rpc"`
	Telemetry Telemetry `toml:"telemetry"`
	Indexer   Indexer   `toml:"indexer"`
}

// Load loads the configuration from the given path, writing a default file
// first when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s: unknown field %q", path, undecoded[0].String())
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "vest-local"
	}
	if cfg.PausedModules == nil {
		cfg.PausedModules = []string{}
	}
	return cfg, nil
}

// Default returns the configuration written by createDefault.
func Default() *Config {
	return &Config{
		ListenAddress:        ":8545",
		DataDir:              "./vest-data",
		GenesisFile:          "",
		NetworkName:          "vest-local",
		StorageBackend:       "leveldb",
		BlockIntervalSeconds: 5,
		PausedModules:        []string{},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		RPC: RPC{
			JWTIssuer:          "vestctl",
			JWTAudience:        "vestingd",
			JWTSecretEnv:       "VEST_RPC_JWT_SECRET",
			RateLimitPerSecond: 20,
			RateLimitBurst:     40,
			MaxBodyBytes:       1 << 20,
			ReadHeaderTimeout:  5,
			ReadTimeout:        15,
			WriteTimeout:       15,
			IdleTimeout:        60,
		},
		Telemetry: Telemetry{
			Endpoint:    "localhost:4318",
			Insecure:    true,
			SampleRatio: 1,
		},
		Indexer: Indexer{
			Driver: "sqlite",
			DSN:    "file:vest-events.db?_pragma=busy_timeout(5000)",
		},
	}
}

// BlockInterval returns the height interval as a duration.
func (c *Config) BlockInterval() time.Duration {
	return time.Duration(c.BlockIntervalSeconds) * time.Second
}

// Seconds converts a timeout field to a duration.
func Seconds(v int) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Second
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
