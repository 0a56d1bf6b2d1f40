package vesting

import (
	"fmt"
	"math/big"
)

// VestingInfo returns the record for beneficiary. Revoked grants report
// absent; claimed grants remain visible with Claimed set.
func (e *Engine) VestingInfo(beneficiary [20]byte) (*Record, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, false, errNilState
	}
	return e.state.VestingRecord(beneficiary)
}

// Admin returns the current admin identity.
func (e *Engine) Admin() ([20]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return [20]byte{}, errNilState
	}
	admin, ok, err := e.state.VestingAdmin()
	if err != nil {
		return admin, err
	}
	if !ok {
		return admin, errAdminUnset
	}
	return admin, nil
}

// IsBeneficiary reports whether a live record exists for beneficiary.
func (e *Engine) IsBeneficiary(beneficiary [20]byte) (bool, error) {
	_, ok, err := e.VestingInfo(beneficiary)
	return ok, err
}

// TotalBeneficiaries returns the number of grants ever created.
func (e *Engine) TotalBeneficiaries() (uint64, error) {
	totals, err := e.totals()
	if err != nil {
		return 0, err
	}
	return totals.Beneficiaries, nil
}

// TotalLocked returns the sum of unclaimed live grants.
func (e *Engine) TotalLocked() (*big.Int, error) {
	totals, err := e.totals()
	if err != nil {
		return nil, err
	}
	return cloneBigInt(totals.Locked), nil
}

// BeneficiaryAt returns the identity logged at seq in the beneficiary index.
func (e *Engine) BeneficiaryAt(seq uint64) ([20]byte, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return [20]byte{}, false, errNilState
	}
	return e.state.VestingBeneficiaryAt(seq)
}

// BeneficiarySeq returns the latest sequence number logged for beneficiary.
func (e *Engine) BeneficiarySeq(beneficiary [20]byte) (uint64, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return 0, false, errNilState
	}
	return e.state.VestingBeneficiarySeq(beneficiary)
}

// TokenContract returns the bound token identity, if set.
func (e *Engine) TokenContract() ([20]byte, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return [20]byte{}, false, errNilState
	}
	return e.state.VestingTokenBinding()
}

// Height returns the current ledger height.
func (e *Engine) Height() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.height()
}

func (e *Engine) totals() (*Totals, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, errNilState
	}
	totals, err := e.state.VestingTotals()
	if err != nil {
		return nil, err
	}
	return totals.Clone(), nil
}

// LogEntry is one position of the beneficiary log together with the record
// it resolves to now. Record is nil once the grant was revoked. Superseded
// marks positions whose beneficiary was granted again later in the log.
type LogEntry struct {
	Seq         uint64
	Beneficiary [20]byte
	Record      *Record
	Superseded  bool
}

// Snapshot is a consistent view of the ledger at one height.
type Snapshot struct {
	Height uint64
	Totals *Totals
	// Custody is the vault balance reported by the balance source, nil when
	// none was supplied.
	Custody *big.Int
	Log     []LogEntry
}

// Snapshot walks the whole beneficiary log and reads the aggregates under a
// single lock. When balance is non-nil it is asked for the vault's balance
// inside the same lock, so custody and locked can be compared directly.
func (e *Engine) Snapshot(balance func(holder [20]byte) (*big.Int, error)) (*Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, errNilState
	}
	totals, err := e.state.VestingTotals()
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Height: e.height(),
		Totals: totals.Clone(),
		Log:    make([]LogEntry, 0, totals.Beneficiaries),
	}
	for seq := uint64(0); seq < totals.Beneficiaries; seq++ {
		addr, ok, err := e.state.VestingBeneficiaryAt(seq)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("vesting engine: beneficiary log missing seq %d", seq)
		}
		entry := LogEntry{Seq: seq, Beneficiary: addr}
		latest, _, err := e.state.VestingBeneficiarySeq(addr)
		if err != nil {
			return nil, err
		}
		if latest != seq {
			entry.Superseded = true
		} else {
			rec, ok, err := e.state.VestingRecord(addr)
			if err != nil {
				return nil, err
			}
			if ok {
				entry.Record = rec
			}
		}
		snap.Log = append(snap.Log, entry)
	}
	if balance != nil {
		custody, err := balance(e.self)
		if err != nil {
			return nil, fmt.Errorf("vesting engine: custody balance: %w", err)
		}
		snap.Custody = cloneBigInt(custody)
	}
	return snap, nil
}
