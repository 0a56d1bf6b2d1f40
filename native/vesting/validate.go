package vesting

import "math/big"

func isAdmin(caller, admin [20]byte) bool {
	return caller == admin
}

// isValidRecipient rejects the ledger's own identity and the zero identity.
func isValidRecipient(recipient, self [20]byte) bool {
	return recipient != self && recipient != ([20]byte{})
}

func isPositiveAmount(amount *big.Int) bool {
	return amount != nil && amount.Sign() > 0
}

func isFutureHeight(unlock, current uint64) bool {
	return unlock > current
}

// validateGrant runs the per-grant checks shared by AddBeneficiary and every
// airdrop entry. The first failing check wins.
func validateGrant(st *stage, self [20]byte, height uint64, recipient [20]byte, amount *big.Int, unlock uint64) error {
	if !isValidRecipient(recipient, self) {
		return ErrInvalidRecipient
	}
	if !isPositiveAmount(amount) {
		return ErrInvalidAmount
	}
	if !isFutureHeight(unlock, height) {
		return ErrInvalidUnlockHeight
	}
	_, exists, err := st.Record(recipient)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyBeneficiary
	}
	return nil
}
