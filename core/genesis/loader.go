package genesis

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/jayteemoney/stacksvestor/core/state"
	"github.com/jayteemoney/stacksvestor/native/vesting"
)

// Result describes what Apply wrote.
type Result struct {
	Token   *state.TokenMetadata
	Admin   [20]byte
	Bound   bool
	Applied bool
}

// Apply seeds an empty ledger from spec: it registers the token, credits the
// allocations, initialises the vesting admin and optionally binds the token.
// A ledger that already has an admin is left untouched and reported with
// Applied false.
func Apply(ctx context.Context, spec *GenesisSpec, manager *state.Manager, engine *vesting.Engine) (*Result, error) {
	if spec == nil {
		return nil, fmt.Errorf("genesis spec must not be nil")
	}
	if manager == nil || engine == nil {
		return nil, fmt.Errorf("state manager and vesting engine must not be nil")
	}
	if spec.allocAmounts == nil {
		if err := spec.validate(); err != nil {
			return nil, err
		}
	}

	if admin, ok, err := manager.VestingAdmin(); err != nil {
		return nil, fmt.Errorf("load vesting admin: %w", err)
	} else if ok {
		meta, err := manager.Token(spec.Token.Symbol)
		if err != nil {
			return nil, fmt.Errorf("load token %q: %w", spec.Token.Symbol, err)
		}
		_, bound, err := manager.VestingTokenBinding()
		if err != nil {
			return nil, fmt.Errorf("load token binding: %w", err)
		}
		return &Result{Token: meta, Admin: admin, Bound: bound}, nil
	}

	// 1) Token
	meta, err := manager.RegisterToken(spec.Token.Symbol, spec.Token.Name, spec.Token.Decimals)
	if err != nil {
		return nil, fmt.Errorf("register token %q: %w", spec.Token.Symbol, err)
	}

	// 2) Allocations (sorted by address bytes)
	accounts := make([][20]byte, 0, len(spec.allocAmounts))
	for addr := range spec.allocAmounts {
		accounts = append(accounts, addr)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return bytes.Compare(accounts[i][:], accounts[j][:]) < 0
	})
	for _, addr := range accounts {
		if err := manager.SetBalance(addr, meta.Symbol, spec.allocAmounts[addr]); err != nil {
			return nil, fmt.Errorf("alloc[%x]: %w", addr, err)
		}
	}

	// 3) Admin
	if err := engine.Initialize(ctx, spec.adminAddr); err != nil {
		return nil, fmt.Errorf("initialise vesting admin: %w", err)
	}

	// 4) Binding
	if spec.BindToken {
		if err := engine.SetTokenContract(ctx, spec.adminAddr, meta.Address); err != nil {
			return nil, fmt.Errorf("bind token %q: %w", meta.Symbol, err)
		}
	}
	return &Result{Token: meta, Admin: spec.adminAddr, Bound: spec.BindToken, Applied: true}, nil
}
