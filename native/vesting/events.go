package vesting

import (
	"math/big"
	"strconv"

	"github.com/jayteemoney/stacksvestor/core/types"
	"github.com/jayteemoney/stacksvestor/crypto"
)

const (
	EventTypeBeneficiaryAdded  = "vesting.beneficiary_added"
	EventTypeClaimed           = "vesting.claimed"
	EventTypeRevoked           = "vesting.revoked"
	EventTypeAdminTransferred  = "vesting.admin_transferred"
	EventTypeTokenBound        = "vesting.token_bound"
	EventTypeEmergencyWithdraw = "vesting.emergency_withdraw"
	EventTypeAirdrop           = "vesting.airdrop"
	EventTypeAirdropSkipped    = "vesting.airdrop_skipped"
)

type vestingEvent struct {
	evt *types.Event
}

func (e vestingEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e vestingEvent) Event() *types.Event { return e.evt }

// NewBeneficiaryAddedEvent returns the payload emitted when a grant is
// created, either directly or as an accepted airdrop entry.
func NewBeneficiaryAddedEvent(rec *Record, seq uint64, source string) *types.Event {
	return recordEvent(EventTypeBeneficiaryAdded, rec).
		With("seq", strconv.FormatUint(seq, 10)).
		With("source", source)
}

// NewClaimedEvent returns the payload emitted when a beneficiary claims.
func NewClaimedEvent(rec *Record, height uint64) *types.Event {
	return recordEvent(EventTypeClaimed, rec).With("height", strconv.FormatUint(height, 10))
}

// NewRevokedEvent returns the payload emitted when the admin revokes a grant.
func NewRevokedEvent(rec *Record, admin [20]byte) *types.Event {
	return recordEvent(EventTypeRevoked, rec).With("admin", encodeAddr(admin))
}

func NewAdminTransferredEvent(previous, next [20]byte) *types.Event {
	return types.NewEvent(EventTypeAdminTransferred).
		With("previous", encodeAddr(previous)).
		With("admin", encodeAddr(next))
}

func NewTokenBoundEvent(token [20]byte) *types.Event {
	return types.NewEvent(EventTypeTokenBound).With("token", encodeAddr(token))
}

// NewEmergencyWithdrawEvent flags a custody override. The locked total is
// included so observers can compare it against the vault balance.
func NewEmergencyWithdrawEvent(recipient [20]byte, amount, locked *big.Int) *types.Event {
	return types.NewEvent(EventTypeEmergencyWithdraw).
		With("recipient", encodeAddr(recipient)).
		With("amount", cloneBigInt(amount).String()).
		With("locked", cloneBigInt(locked).String())
}

func NewAirdropEvent(result *AirdropResult) *types.Event {
	evt := types.NewEvent(EventTypeAirdrop)
	if result == nil {
		return evt
	}
	return evt.
		With("accepted", strconv.Itoa(result.Accepted)).
		With("skipped", strconv.Itoa(result.Skipped)).
		With("transferred", cloneBigInt(result.Transferred).String()).
		With("locked", cloneBigInt(result.Locked).String()).
		With("surplus", result.Surplus().String())
}

func NewAirdropSkippedEvent(outcome EntryOutcome) *types.Event {
	evt := types.NewEvent(EventTypeAirdropSkipped).
		With("index", strconv.Itoa(outcome.Index)).
		With("beneficiary", encodeAddr(outcome.Recipient)).
		With("amount", cloneBigInt(outcome.Amount).String())
	if outcome.Reason != nil {
		evt.With("reason", outcome.Reason.Error())
	}
	return evt
}

func recordEvent(eventType string, rec *Record) *types.Event {
	evt := types.NewEvent(eventType)
	if rec == nil {
		return evt
	}
	return evt.
		With("beneficiary", encodeAddr(rec.Beneficiary)).
		With("amount", cloneBigInt(rec.Amount).String()).
		With("unlockHeight", strconv.FormatUint(rec.UnlockHeight, 10)).
		With("createdAt", strconv.FormatUint(rec.CreatedAt, 10))
}

func encodeAddr(addr [20]byte) string {
	return crypto.FromRaw(addr).String()
}
