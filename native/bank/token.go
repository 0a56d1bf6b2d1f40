package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/jayteemoney/stacksvestor/core/events"
	nhbstate "github.com/jayteemoney/stacksvestor/core/state"
)

var (
	ErrNilManager    = errors.New("bank: state manager required")
	ErrInvalidAmount = errors.New("bank: amount must be positive")
)

// Metrics observes transfer outcomes.
type Metrics interface {
	ObserveTransfer(symbol, outcome string)
}

// Token is a registered native token exposed as a transfer handle. Every
// Transfer is a single atomic balance movement in the state manager.
type Token struct {
	manager *nhbstate.Manager
	symbol  string
	address [20]byte

	mu      sync.RWMutex
	emitter events.Emitter
	metrics Metrics
}

// NewToken resolves symbol in the token registry.
func NewToken(manager *nhbstate.Manager, symbol string) (*Token, error) {
	if manager == nil {
		return nil, ErrNilManager
	}
	meta, err := manager.Token(symbol)
	if err != nil {
		return nil, fmt.Errorf("bank: load token: %w", err)
	}
	if meta == nil {
		return nil, fmt.Errorf("bank: %w: %s", nhbstate.ErrUnknownToken, symbol)
	}
	return &Token{
		manager: manager,
		symbol:  meta.Symbol,
		address: meta.Address,
		emitter: events.NoopEmitter{},
	}, nil
}

// SetEmitter configures the emitter receiving transfer events.
func (t *Token) SetEmitter(emitter events.Emitter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	t.emitter = emitter
}

func (t *Token) SetMetrics(m Metrics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = m
}

func (t *Token) Symbol() string { return t.symbol }

// Address returns the token identity the vesting ledger binds to.
func (t *Token) Address() [20]byte { return t.address }

// Balance returns the holder's balance of this token.
func (t *Token) Balance(holder [20]byte) (*big.Int, error) {
	return t.manager.Balance(holder, t.symbol)
}

// Transfer moves amount from one account to another. Zero and negative
// amounts are rejected.
func (t *Token) Transfer(ctx context.Context, amount *big.Int, from, to [20]byte) error {
	if err := ctx.Err(); err != nil {
		t.observe("cancelled")
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		t.observe("rejected")
		return ErrInvalidAmount
	}
	if err := t.manager.TransferBalance(t.symbol, from, to, amount); err != nil {
		t.observe("failed")
		return fmt.Errorf("bank: transfer %s: %w", t.symbol, err)
	}
	t.observe("ok")

	t.mu.RLock()
	emitter := t.emitter
	t.mu.RUnlock()
	emitter.Emit(events.Transfer{
		Asset:  t.symbol,
		From:   from,
		To:     to,
		Amount: new(big.Int).Set(amount),
	})
	return nil
}

func (t *Token) observe(outcome string) {
	t.mu.RLock()
	m := t.metrics
	t.mu.RUnlock()
	if m != nil {
		m.ObserveTransfer(t.symbol, outcome)
	}
}
