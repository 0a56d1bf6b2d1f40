package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/jayteemoney/stacksvestor/config"
	"github.com/jayteemoney/stacksvestor/core/clock"
	"github.com/jayteemoney/stacksvestor/core/events"
	"github.com/jayteemoney/stacksvestor/core/genesis"
	"github.com/jayteemoney/stacksvestor/core/state"
	"github.com/jayteemoney/stacksvestor/crypto"
	"github.com/jayteemoney/stacksvestor/indexer"
	"github.com/jayteemoney/stacksvestor/native/bank"
	"github.com/jayteemoney/stacksvestor/native/common"
	"github.com/jayteemoney/stacksvestor/native/vesting"
	"github.com/jayteemoney/stacksvestor/observability"
	"github.com/jayteemoney/stacksvestor/rpc"
	"github.com/jayteemoney/stacksvestor/storage"
)

const vaultLabel = "vesting"

// daemon holds every wired component of a running ledger node.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	db      storage.Database
	manager *state.Manager
	engine  *vesting.Engine
	token   *bank.Token
	index   *indexer.Store
	pauses  *common.Pauses
	server  *rpc.Server
}

// newDaemon opens storage, seeds genesis on first start and wires the engine,
// token, indexer and RPC server. The caller owns Close.
func newDaemon(ctx context.Context, cfg *config.Config, spec *genesis.GenesisSpec, logger *slog.Logger) (*daemon, error) {
	if spec == nil {
		return nil, errors.New("genesis spec required")
	}
	db, err := storage.Open(strings.ToLower(cfg.StorageBackend), cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open %s storage at %s: %w", cfg.StorageBackend, cfg.DataDir, err)
	}
	d := &daemon{cfg: cfg, logger: logger, db: db}
	if err := d.wire(ctx, spec); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *daemon) wire(ctx context.Context, spec *genesis.GenesisSpec) error {
	d.manager = state.NewManager(d.db)

	height := clock.Interval{Genesis: spec.GenesisTimestamp(), Interval: d.cfg.BlockInterval()}
	d.engine = vesting.NewEngine(crypto.ModuleAddress(vaultLabel))
	d.engine.SetState(d.manager)
	d.engine.SetHeightFunc(height.Height)
	d.engine.SetMetrics(observability.VestingMetrics())

	emitters := events.Fanout{}
	if d.cfg.Indexer.Enabled {
		gdb, err := indexer.Open(d.cfg.Indexer.Driver, d.cfg.Indexer.DSN)
		if err != nil {
			return err
		}
		store, err := indexer.New(gdb, d.logger)
		if err != nil {
			return err
		}
		store.SetMetrics(observability.IndexerMetrics())
		d.index = store
		emitters = append(emitters, store)
	}
	d.engine.SetEmitter(emitters)

	result, err := genesis.Apply(ctx, spec, d.manager, d.engine)
	if err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	d.logger.Info("ledger ready",
		"applied_genesis", result.Applied,
		"admin", crypto.FromRaw(result.Admin).String(),
		"token", result.Token.Symbol,
		"token_bound", result.Bound,
		"vault", crypto.FromRaw(d.engine.Self()).String(),
		"height", d.engine.Height())

	d.token, err = bank.NewToken(d.manager, spec.Token.Symbol)
	if err != nil {
		return err
	}
	d.token.SetEmitter(emitters)
	d.token.SetMetrics(observability.BankMetrics())

	d.pauses = common.NewPauses(d.cfg.PausedModules...)
	if d.cfg.Paused {
		d.pauses.Set(vaultLabel, true)
	}

	secret := strings.TrimSpace(os.Getenv(d.cfg.RPC.JWTSecretEnv))
	if secret == "" {
		d.logger.Warn("RPC signing secret not set; mutating methods are disabled", "env", d.cfg.RPC.JWTSecretEnv)
	}
	var eventLog rpc.EventLog
	if d.index != nil {
		eventLog = d.index
	}
	d.server = rpc.NewServer(d.engine, d.token, eventLog, d.pauses, rpc.Config{
		JWTSecret:          []byte(secret),
		JWTIssuer:          d.cfg.RPC.JWTIssuer,
		JWTAudience:        d.cfg.RPC.JWTAudience,
		RateLimitPerSecond: d.cfg.RPC.RateLimitPerSecond,
		RateLimitBurst:     d.cfg.RPC.RateLimitBurst,
		MaxBodyBytes:       d.cfg.RPC.MaxBodyBytes,
	}, d.logger)
	return nil
}

// httpServer builds the listener with the configured timeouts.
func (d *daemon) httpServer() *http.Server {
	return &http.Server{
		Addr:              d.cfg.ListenAddress,
		Handler:           d.server.Handler(),
		ReadHeaderTimeout: config.Seconds(d.cfg.RPC.ReadHeaderTimeout),
		ReadTimeout:       config.Seconds(d.cfg.RPC.ReadTimeout),
		WriteTimeout:      config.Seconds(d.cfg.RPC.WriteTimeout),
		IdleTimeout:       config.Seconds(d.cfg.RPC.IdleTimeout),
	}
}

func (d *daemon) Close() {
	if d.db != nil {
		d.db.Close()
	}
}
