package config

import (
	"fmt"
	"strings"
)

var (
	MaxBlockIntervalSeconds = uint64(3600)
)

func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("ListenAddress must be set")
	}
	if cfg.BlockIntervalSeconds == 0 || cfg.BlockIntervalSeconds > MaxBlockIntervalSeconds {
		return fmt.Errorf("BlockIntervalSeconds must be between 1 and %d", MaxBlockIntervalSeconds)
	}
	switch strings.ToLower(cfg.StorageBackend) {
	case "", "leveldb", "bolt", "memory":
	default:
		return fmt.Errorf("StorageBackend %q not supported", cfg.StorageBackend)
	}
	if cfg.RPC.RateLimitPerSecond < 0 || cfg.RPC.RateLimitBurst < 0 {
		return fmt.Errorf("rpc: rate limits must not be negative")
	}
	if cfg.RPC.RateLimitPerSecond > 0 && cfg.RPC.RateLimitBurst == 0 {
		return fmt.Errorf("rpc: RateLimitBurst must be set when RateLimitPerSecond is")
	}
	if strings.TrimSpace(cfg.RPC.JWTSecretEnv) == "" {
		return fmt.Errorf("rpc: JWTSecretEnv must be set")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: SampleRatio must be within [0,1]")
	}
	if cfg.Indexer.Enabled {
		switch strings.ToLower(cfg.Indexer.Driver) {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("indexer: driver %q not supported", cfg.Indexer.Driver)
		}
		if strings.TrimSpace(cfg.Indexer.DSN) == "" {
			return fmt.Errorf("indexer: DSN must be set")
		}
	}
	return nil
}
