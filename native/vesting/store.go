package vesting

import (
	"fmt"
	"math/big"
	"sync"
)

// MemStore is an in-memory State. It is the ledger store used when the
// engine is embedded without persistence and the reference the persistent
// store is tested against.
type MemStore struct {
	mu sync.RWMutex

	admin    *[20]byte
	binding  *[20]byte
	records  map[[20]byte]*Record
	index    [][20]byte
	reverse  map[[20]byte]uint64
	totalCnt uint64
	locked   *big.Int
}

// NewMemStore returns an empty store. The admin is set through
// Engine.Initialize.
func NewMemStore() *MemStore {
	return &MemStore{
		records: make(map[[20]byte]*Record),
		reverse: make(map[[20]byte]uint64),
		locked:  big.NewInt(0),
	}
}

func (m *MemStore) VestingAdmin() ([20]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.admin == nil {
		return [20]byte{}, false, nil
	}
	return *m.admin, true, nil
}

func (m *MemStore) VestingTokenBinding() ([20]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.binding == nil {
		return [20]byte{}, false, nil
	}
	return *m.binding, true, nil
}

func (m *MemStore) VestingRecord(beneficiary [20]byte) (*Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[beneficiary]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (m *MemStore) VestingBeneficiaryAt(seq uint64) ([20]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if seq >= uint64(len(m.index)) {
		return [20]byte{}, false, nil
	}
	return m.index[seq], true, nil
}

func (m *MemStore) VestingBeneficiarySeq(beneficiary [20]byte) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seq, ok := m.reverse[beneficiary]
	return seq, ok, nil
}

func (m *MemStore) VestingTotals() (*Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Totals{Beneficiaries: m.totalCnt, Locked: cloneBigInt(m.locked)}, nil
}

// VestingApply validates the change set against the current contents and then
// applies it. A rejected change set leaves the store untouched.
func (m *MemStore) VestingApply(cs *ChangeSet) error {
	if cs.Empty() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next := uint64(len(m.index))
	for _, entry := range cs.Appended {
		if entry.Seq != next {
			return fmt.Errorf("vesting store: index append at %d, expected %d", entry.Seq, next)
		}
		next++
	}
	if cs.Totals != nil && cs.Totals.Beneficiaries != next {
		return fmt.Errorf("vesting store: beneficiary total %d does not match index length %d", cs.Totals.Beneficiaries, next)
	}
	for _, rec := range cs.Records {
		if rec == nil {
			return fmt.Errorf("vesting store: nil record in change set")
		}
	}

	if cs.Admin != nil {
		admin := *cs.Admin
		m.admin = &admin
	}
	if cs.TokenBinding != nil {
		binding := *cs.TokenBinding
		m.binding = &binding
	}
	for _, rec := range cs.Records {
		m.records[rec.Beneficiary] = rec.Clone()
	}
	for _, addr := range cs.Deleted {
		delete(m.records, addr)
	}
	for _, entry := range cs.Appended {
		m.index = append(m.index, entry.Beneficiary)
		m.reverse[entry.Beneficiary] = entry.Seq
	}
	if cs.Totals != nil {
		m.totalCnt = cs.Totals.Beneficiaries
		m.locked = cloneBigInt(cs.Totals.Locked)
	}
	return nil
}
