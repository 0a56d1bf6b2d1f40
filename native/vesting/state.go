package vesting

import (
	"fmt"
	"math/big"
)

// State is the ledger store the engine runs against. Reads return copies;
// the only mutation path is VestingApply, which must commit the whole change
// set atomically.
type State interface {
	VestingAdmin() ([20]byte, bool, error)
	VestingTokenBinding() ([20]byte, bool, error)
	VestingRecord(beneficiary [20]byte) (*Record, bool, error)
	VestingBeneficiaryAt(seq uint64) ([20]byte, bool, error)
	VestingBeneficiarySeq(beneficiary [20]byte) (uint64, bool, error)
	VestingTotals() (*Totals, error)
	VestingApply(*ChangeSet) error
}

// stage overlays pending mutations on top of a State. Reads see staged
// writes first so later steps of the same operation (airdrop entries in
// particular) observe earlier ones. Nothing reaches the base state until the
// engine commits the resulting ChangeSet.
type stage struct {
	base State

	admin   *[20]byte
	binding *[20]byte
	records map[[20]byte]*Record
	order   [][20]byte
	deleted map[[20]byte]struct{}
	appends []IndexEntry
	totals  *Totals
}

func newStage(base State) *stage {
	return &stage{
		base:    base,
		records: make(map[[20]byte]*Record),
		deleted: make(map[[20]byte]struct{}),
	}
}

func (s *stage) Admin() ([20]byte, bool, error) {
	if s.admin != nil {
		return *s.admin, true, nil
	}
	return s.base.VestingAdmin()
}

func (s *stage) TokenBinding() ([20]byte, bool, error) {
	if s.binding != nil {
		return *s.binding, true, nil
	}
	return s.base.VestingTokenBinding()
}

func (s *stage) Record(beneficiary [20]byte) (*Record, bool, error) {
	if _, gone := s.deleted[beneficiary]; gone {
		return nil, false, nil
	}
	if rec, ok := s.records[beneficiary]; ok {
		return rec.Clone(), true, nil
	}
	return s.base.VestingRecord(beneficiary)
}

func (s *stage) Totals() (*Totals, error) {
	if s.totals == nil {
		totals, err := s.base.VestingTotals()
		if err != nil {
			return nil, err
		}
		s.totals = totals.Clone()
	}
	return s.totals, nil
}

func (s *stage) setAdmin(addr [20]byte) {
	s.admin = &addr
}

func (s *stage) setBinding(addr [20]byte) {
	s.binding = &addr
}

func (s *stage) putRecord(rec *Record) {
	if _, seen := s.records[rec.Beneficiary]; !seen {
		s.order = append(s.order, rec.Beneficiary)
	}
	delete(s.deleted, rec.Beneficiary)
	s.records[rec.Beneficiary] = rec.Clone()
}

func (s *stage) deleteRecord(beneficiary [20]byte) {
	if _, staged := s.records[beneficiary]; staged {
		delete(s.records, beneficiary)
		for i, addr := range s.order {
			if addr == beneficiary {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.deleted[beneficiary] = struct{}{}
}

// appendBeneficiary logs a new grant at the next sequence number and bumps
// the historical counter.
func (s *stage) appendBeneficiary(beneficiary [20]byte) error {
	totals, err := s.Totals()
	if err != nil {
		return err
	}
	s.appends = append(s.appends, IndexEntry{Seq: totals.Beneficiaries, Beneficiary: beneficiary})
	totals.Beneficiaries++
	return nil
}

func (s *stage) addLocked(amount *big.Int) error {
	totals, err := s.Totals()
	if err != nil {
		return err
	}
	totals.Locked = new(big.Int).Add(cloneBigInt(totals.Locked), amount)
	return nil
}

func (s *stage) subLocked(amount *big.Int) error {
	totals, err := s.Totals()
	if err != nil {
		return err
	}
	next := new(big.Int).Sub(cloneBigInt(totals.Locked), amount)
	if next.Sign() < 0 {
		return fmt.Errorf("vesting engine: locked total underflow (%s - %s)", totals.Locked, amount)
	}
	totals.Locked = next
	return nil
}

func (s *stage) changeSet() *ChangeSet {
	cs := &ChangeSet{
		Admin:        s.admin,
		TokenBinding: s.binding,
		Appended:     append([]IndexEntry(nil), s.appends...),
	}
	for _, addr := range s.order {
		cs.Records = append(cs.Records, s.records[addr].Clone())
	}
	for addr := range s.deleted {
		if _, staged := s.records[addr]; !staged {
			cs.Deleted = append(cs.Deleted, addr)
		}
	}
	if s.totals != nil {
		cs.Totals = s.totals.Clone()
	}
	return cs
}
