package vesting

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the engine wraps exactly one of these
// so callers can classify failures with errors.Is.
var (
	ErrUnauthorized    = errors.New("vesting: unauthorized")
	ErrConflict        = errors.New("vesting: conflict")
	ErrNotFound        = errors.New("vesting: not found")
	ErrPolicyViolation = errors.New("vesting: policy violation")
	ErrInvalidInput    = errors.New("vesting: invalid input")
	ErrBindingMismatch = errors.New("vesting: token binding mismatch")
	ErrTransferFailed  = errors.New("vesting: transfer failed")
)

var (
	ErrNotAdmin = fmt.Errorf("%w: caller is not admin", ErrUnauthorized)

	ErrAlreadyBeneficiary = fmt.Errorf("%w: beneficiary already exists", ErrConflict)
	ErrTokenAlreadySet    = fmt.Errorf("%w: token contract already set", ErrConflict)
	ErrAdminUnchanged     = fmt.Errorf("%w: new admin equals current admin", ErrConflict)

	ErrNoVesting = fmt.Errorf("%w: no vesting record", ErrNotFound)

	ErrTokensLocked   = fmt.Errorf("%w: tokens locked", ErrPolicyViolation)
	ErrAlreadyClaimed = fmt.Errorf("%w: already claimed", ErrPolicyViolation)

	ErrInvalidAmount       = fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	ErrInvalidUnlockHeight = fmt.Errorf("%w: unlock height must be in the future", ErrInvalidInput)
	ErrInvalidRecipient    = fmt.Errorf("%w: invalid recipient", ErrInvalidInput)
	ErrBatchTooLarge       = fmt.Errorf("%w: airdrop batch exceeds %d entries", ErrInvalidInput, MaxAirdropEntries)

	ErrTokenNotSet   = fmt.Errorf("%w: token contract not set", ErrBindingMismatch)
	ErrTokenMismatch = fmt.Errorf("%w: token does not match bound contract", ErrBindingMismatch)
)

var (
	errNilState       = errors.New("vesting engine: state not configured")
	errAdminUnset     = errors.New("vesting engine: admin not initialised")
	errAlreadyGenesis = errors.New("vesting engine: admin already initialised")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrUnauthorized, "unauthorized"},
	{ErrConflict, "conflict"},
	{ErrNotFound, "not_found"},
	{ErrPolicyViolation, "policy_violation"},
	{ErrInvalidInput, "invalid_input"},
	{ErrBindingMismatch, "binding_mismatch"},
	{ErrTransferFailed, "transfer_failed"},
}

// Kind returns a stable label for the error kind wrapped by err: "ok" for a
// nil error and "internal" for errors outside the taxonomy.
func Kind(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}

func transferError(err error) error {
	return fmt.Errorf("%w: %w", ErrTransferFailed, err)
}
