package vesting

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jayteemoney/stacksvestor/core/events"
	"github.com/jayteemoney/stacksvestor/core/types"
)

const (
	opInitialize        = "initialize"
	opAddBeneficiary    = "add_beneficiary"
	opClaim             = "claim"
	opRevoke            = "revoke"
	opTransferAdmin     = "transfer_admin"
	opSetTokenContract  = "set_token_contract"
	opEmergencyWithdraw = "emergency_withdraw"
	opAirdrop           = "airdrop"
)

// Metrics receives operation outcomes. Implementations must be safe to call
// while the engine lock is held.
type Metrics interface {
	ObserveOperation(op, kind string)
	SetLocked(amount *big.Int)
	ObserveAirdrop(accepted, skipped int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, string) {}
func (noopMetrics) SetLocked(*big.Int)              {}
func (noopMetrics) ObserveAirdrop(int, int)         {}

// Engine runs the vesting state transitions. Every mutating call follows the
// same protocol: check preconditions and stage every mutation against an
// overlay of the state, invoke the external transfer, and only then commit
// the staged mutations in a single VestingApply. The engine lock totally
// orders all calls.
type Engine struct {
	mu sync.Mutex

	state    State
	self     [20]byte
	emitter  events.Emitter
	heightFn func() uint64
	metrics  Metrics
	tracer   trace.Tracer
}

// NewEngine creates an engine whose custody identity is self. State must be
// configured with SetState before use.
func NewEngine(self [20]byte) *Engine {
	return &Engine{
		self:     self,
		emitter:  events.NoopEmitter{},
		heightFn: func() uint64 { return 0 },
		metrics:  noopMetrics{},
		tracer:   otel.Tracer("github.com/jayteemoney/stacksvestor/native/vesting"),
	}
}

// SetState configures the ledger store used by the engine.
func (e *Engine) SetState(state State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetHeightFunc overrides the ledger height source.
func (e *Engine) SetHeightFunc(fn func() uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fn == nil {
		e.heightFn = func() uint64 { return 0 }
		return
	}
	e.heightFn = fn
}

// SetMetrics installs a metrics sink. Nil disables metrics.
func (e *Engine) SetMetrics(m Metrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m == nil {
		e.metrics = noopMetrics{}
		return
	}
	e.metrics = m
}

// Self returns the ledger's own custody identity.
func (e *Engine) Self() [20]byte { return e.self }

func (e *Engine) height() uint64 {
	if e.heightFn == nil {
		return 0
	}
	return e.heightFn()
}

func (e *Engine) emit(event *types.Event) {
	if e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(vestingEvent{evt: event})
}

func (e *Engine) begin() (*stage, error) {
	if e.state == nil {
		return nil, errNilState
	}
	return newStage(e.state), nil
}

func (e *Engine) commit(st *stage) error {
	cs := st.changeSet()
	if err := e.state.VestingApply(cs); err != nil {
		return fmt.Errorf("vesting engine: commit: %w", err)
	}
	if cs.Totals != nil {
		e.metrics.SetLocked(cs.Totals.Locked)
	}
	return nil
}

func (e *Engine) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return e.tracer.Start(ctx, "vesting."+op, trace.WithAttributes(attrs...))
}

func (e *Engine) finish(span trace.Span, op string, err error) {
	e.metrics.ObserveOperation(op, Kind(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (e *Engine) requireAdmin(st *stage, caller [20]byte) ([20]byte, error) {
	admin, ok, err := st.Admin()
	if err != nil {
		return admin, err
	}
	if !ok {
		return admin, errAdminUnset
	}
	if !isAdmin(caller, admin) {
		return admin, ErrNotAdmin
	}
	return admin, nil
}

func (e *Engine) requireBinding(st *stage, token Token) error {
	bound, ok, err := st.TokenBinding()
	if err != nil {
		return err
	}
	if !ok {
		return ErrTokenNotSet
	}
	if token == nil || token.Address() != bound {
		return ErrTokenMismatch
	}
	return nil
}

func (e *Engine) transfer(ctx context.Context, token Token, amount *big.Int, from, to [20]byte) error {
	if err := token.Transfer(ctx, cloneBigInt(amount), from, to); err != nil {
		return transferError(err)
	}
	return nil
}

// settle moves amount and then commits the fully staged operation. The
// commit is the only step left that can fail once value has moved; when it
// does, the move is reversed so custody never drifts from the ledger.
func (e *Engine) settle(ctx context.Context, token Token, st *stage, amount *big.Int, from, to [20]byte) error {
	if err := e.transfer(ctx, token, amount, from, to); err != nil {
		return err
	}
	if err := e.commit(st); err != nil {
		if rerr := token.Transfer(ctx, cloneBigInt(amount), to, from); rerr != nil {
			return fmt.Errorf("%w; reverse transfer of %s failed: %w", err, amount, rerr)
		}
		return err
	}
	return nil
}

// grant stages a new record together with its index entry and aggregate
// updates. It returns the sequence number assigned to the record.
func (e *Engine) grant(st *stage, recipient [20]byte, amount *big.Int, unlock, height uint64) (*Record, uint64, error) {
	totals, err := st.Totals()
	if err != nil {
		return nil, 0, err
	}
	seq := totals.Beneficiaries
	rec := &Record{
		Beneficiary:  recipient,
		Amount:       cloneBigInt(amount),
		UnlockHeight: unlock,
		CreatedAt:    height,
	}
	st.putRecord(rec)
	if err := st.appendBeneficiary(recipient); err != nil {
		return nil, 0, err
	}
	if err := st.addLocked(rec.Amount); err != nil {
		return nil, 0, err
	}
	return rec, seq, nil
}

// Initialize sets the admin identity at genesis. It fails once an admin
// exists.
func (e *Engine) Initialize(ctx context.Context, deployer [20]byte) (err error) {
	_, span := e.startSpan(ctx, opInitialize)
	defer func() { e.finish(span, opInitialize, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.begin()
	if err != nil {
		return err
	}
	if _, ok, err := st.Admin(); err != nil {
		return err
	} else if ok {
		return errAlreadyGenesis
	}
	if deployer == ([20]byte{}) {
		return ErrInvalidRecipient
	}
	st.setAdmin(deployer)
	if _, err := st.Totals(); err != nil {
		return err
	}
	return e.commit(st)
}

// AddBeneficiary moves amount from the admin into custody and records a grant
// for recipient that unlocks at unlockHeight.
func (e *Engine) AddBeneficiary(ctx context.Context, caller [20]byte, token Token, recipient [20]byte, amount *big.Int, unlockHeight uint64) (err error) {
	ctx, span := e.startSpan(ctx, opAddBeneficiary,
		attribute.String("recipient", encodeAddr(recipient)),
		attribute.Int64("unlock_height", int64(unlockHeight)))
	defer func() { e.finish(span, opAddBeneficiary, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.begin()
	if err != nil {
		return err
	}
	admin, err := e.requireAdmin(st, caller)
	if err != nil {
		return err
	}
	if err := e.requireBinding(st, token); err != nil {
		return err
	}
	height := e.height()
	if err := validateGrant(st, e.self, height, recipient, amount, unlockHeight); err != nil {
		return err
	}
	rec, seq, err := e.grant(st, recipient, amount, unlockHeight, height)
	if err != nil {
		return err
	}
	if err := e.settle(ctx, token, st, amount, admin, e.self); err != nil {
		return err
	}
	e.emit(NewBeneficiaryAddedEvent(rec, seq, "direct"))
	return nil
}

// ClaimTokens releases the caller's grant once the unlock height is reached
// and returns the claimed amount. The record is kept with Claimed set.
func (e *Engine) ClaimTokens(ctx context.Context, caller [20]byte, token Token) (claimed *big.Int, err error) {
	ctx, span := e.startSpan(ctx, opClaim, attribute.String("beneficiary", encodeAddr(caller)))
	defer func() { e.finish(span, opClaim, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.begin()
	if err != nil {
		return nil, err
	}
	rec, ok, err := st.Record(caller)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoVesting
	}
	if err := e.requireBinding(st, token); err != nil {
		return nil, err
	}
	if rec.Claimed {
		return nil, ErrAlreadyClaimed
	}
	height := e.height()
	if !rec.Unlocked(height) {
		return nil, ErrTokensLocked
	}
	rec.Claimed = true
	st.putRecord(rec)
	if err := st.subLocked(rec.Amount); err != nil {
		return nil, err
	}
	if err := e.settle(ctx, token, st, rec.Amount, e.self, caller); err != nil {
		return nil, err
	}
	e.emit(NewClaimedEvent(rec, height))
	return cloneBigInt(rec.Amount), nil
}

// RevokeBeneficiary returns an unclaimed grant to the admin and deletes the
// record. The beneficiary log keeps its entry.
func (e *Engine) RevokeBeneficiary(ctx context.Context, caller [20]byte, token Token, recipient [20]byte) (revoked *big.Int, err error) {
	ctx, span := e.startSpan(ctx, opRevoke, attribute.String("recipient", encodeAddr(recipient)))
	defer func() { e.finish(span, opRevoke, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.begin()
	if err != nil {
		return nil, err
	}
	admin, err := e.requireAdmin(st, caller)
	if err != nil {
		return nil, err
	}
	rec, ok, err := st.Record(recipient)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoVesting
	}
	if recipient == e.self {
		return nil, ErrInvalidRecipient
	}
	if err := e.requireBinding(st, token); err != nil {
		return nil, err
	}
	if rec.Claimed {
		return nil, ErrAlreadyClaimed
	}
	st.deleteRecord(recipient)
	if err := st.subLocked(rec.Amount); err != nil {
		return nil, err
	}
	if err := e.settle(ctx, token, st, rec.Amount, e.self, admin); err != nil {
		return nil, err
	}
	e.emit(NewRevokedEvent(rec, admin))
	return cloneBigInt(rec.Amount), nil
}

// TransferAdmin hands the admin role to newAdmin, which must differ from both
// the ledger identity and the current admin.
func (e *Engine) TransferAdmin(ctx context.Context, caller, newAdmin [20]byte) (err error) {
	_, span := e.startSpan(ctx, opTransferAdmin, attribute.String("admin", encodeAddr(newAdmin)))
	defer func() { e.finish(span, opTransferAdmin, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.begin()
	if err != nil {
		return err
	}
	admin, err := e.requireAdmin(st, caller)
	if err != nil {
		return err
	}
	if !isValidRecipient(newAdmin, e.self) {
		return ErrInvalidRecipient
	}
	if newAdmin == admin {
		return ErrAdminUnchanged
	}
	st.setAdmin(newAdmin)
	if err := e.commit(st); err != nil {
		return err
	}
	e.emit(NewAdminTransferredEvent(admin, newAdmin))
	return nil
}

// SetTokenContract binds the ledger to token. The binding can be set once;
// a second call fails with ErrTokenAlreadySet whoever the caller is.
func (e *Engine) SetTokenContract(ctx context.Context, caller, token [20]byte) (err error) {
	_, span := e.startSpan(ctx, opSetTokenContract, attribute.String("token", encodeAddr(token)))
	defer func() { e.finish(span, opSetTokenContract, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.begin()
	if err != nil {
		return err
	}
	if _, bound, err := st.TokenBinding(); err != nil {
		return err
	} else if bound {
		return ErrTokenAlreadySet
	}
	if _, err := e.requireAdmin(st, caller); err != nil {
		return err
	}
	if token == ([20]byte{}) {
		return ErrInvalidRecipient
	}
	st.setBinding(token)
	if err := e.commit(st); err != nil {
		return err
	}
	e.emit(NewTokenBoundEvent(token))
	return nil
}

// EmergencyWithdraw moves amount out of custody to recipient without touching
// any record or the locked total. It can leave outstanding grants unbacked;
// the emitted event carries the locked total for reconciliation.
func (e *Engine) EmergencyWithdraw(ctx context.Context, caller [20]byte, token Token, amount *big.Int, recipient [20]byte) (err error) {
	ctx, span := e.startSpan(ctx, opEmergencyWithdraw, attribute.String("recipient", encodeAddr(recipient)))
	defer func() { e.finish(span, opEmergencyWithdraw, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.begin()
	if err != nil {
		return err
	}
	if _, err := e.requireAdmin(st, caller); err != nil {
		return err
	}
	if err := e.requireBinding(st, token); err != nil {
		return err
	}
	if !isValidRecipient(recipient, e.self) {
		return ErrInvalidRecipient
	}
	if !isPositiveAmount(amount) {
		return ErrInvalidAmount
	}
	if err := e.transfer(ctx, token, amount, e.self, recipient); err != nil {
		return err
	}
	totals, err := st.Totals()
	if err != nil {
		return err
	}
	e.emit(NewEmergencyWithdrawEvent(recipient, amount, totals.Locked))
	return nil
}
