package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/jayteemoney/stacksvestor/native/vesting"
)

var (
	vestingAdminKey      = []byte("vesting/admin")
	vestingTokenKey      = []byte("vesting/token")
	vestingTotalsKey     = []byte("vesting/totals")
	vestingRecordPrefix  = []byte("vesting/record/")
	vestingIndexPrefix   = []byte("vesting/index/")
	vestingReversePrefix = []byte("vesting/reverse/")
)

var _ vesting.State = (*Manager)(nil)

func vestingRecordKey(addr [20]byte) []byte {
	return append(append([]byte(nil), vestingRecordPrefix...), addr[:]...)
}

func vestingIndexKey(seq uint64) []byte {
	buf := make([]byte, len(vestingIndexPrefix)+8)
	copy(buf, vestingIndexPrefix)
	binary.BigEndian.PutUint64(buf[len(vestingIndexPrefix):], seq)
	return buf
}

func vestingReverseKey(addr [20]byte) []byte {
	return append(append([]byte(nil), vestingReversePrefix...), addr[:]...)
}

type storedVestingRecord struct {
	Beneficiary  [20]byte
	Amount       *big.Int
	Claimed      bool
	UnlockHeight uint64
	CreatedAt    uint64
}

func newStoredVestingRecord(rec *vesting.Record) *storedVestingRecord {
	amount := big.NewInt(0)
	if rec.Amount != nil {
		amount = new(big.Int).Set(rec.Amount)
	}
	return &storedVestingRecord{
		Beneficiary:  rec.Beneficiary,
		Amount:       amount,
		Claimed:      rec.Claimed,
		UnlockHeight: rec.UnlockHeight,
		CreatedAt:    rec.CreatedAt,
	}
}

func (s *storedVestingRecord) toRecord() *vesting.Record {
	rec := &vesting.Record{
		Beneficiary:  s.Beneficiary,
		Amount:       big.NewInt(0),
		Claimed:      s.Claimed,
		UnlockHeight: s.UnlockHeight,
		CreatedAt:    s.CreatedAt,
	}
	if s.Amount != nil {
		rec.Amount.Set(s.Amount)
	}
	return rec
}

type storedVestingTotals struct {
	Beneficiaries uint64
	Locked        *big.Int
}

func (m *Manager) kvAddress(key []byte) ([20]byte, bool, error) {
	var addr [20]byte
	ok, err := m.KVGet(key, &addr)
	return addr, ok, err
}

// VestingAdmin returns the stored admin identity.
func (m *Manager) VestingAdmin() ([20]byte, bool, error) {
	return m.kvAddress(vestingAdminKey)
}

// VestingTokenBinding returns the token identity the ledger is bound to.
func (m *Manager) VestingTokenBinding() ([20]byte, bool, error) {
	return m.kvAddress(vestingTokenKey)
}

func (m *Manager) VestingRecord(beneficiary [20]byte) (*vesting.Record, bool, error) {
	stored := new(storedVestingRecord)
	ok, err := m.KVGet(vestingRecordKey(beneficiary), stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return stored.toRecord(), true, nil
}

func (m *Manager) VestingBeneficiaryAt(seq uint64) ([20]byte, bool, error) {
	return m.kvAddress(vestingIndexKey(seq))
}

func (m *Manager) VestingBeneficiarySeq(beneficiary [20]byte) (uint64, bool, error) {
	var seq uint64
	ok, err := m.KVGet(vestingReverseKey(beneficiary), &seq)
	return seq, ok, err
}

func (m *Manager) VestingTotals() (*vesting.Totals, error) {
	stored := new(storedVestingTotals)
	ok, err := m.KVGet(vestingTotalsKey, stored)
	if err != nil {
		return nil, err
	}
	totals := &vesting.Totals{Locked: big.NewInt(0)}
	if !ok {
		return totals, nil
	}
	totals.Beneficiaries = stored.Beneficiaries
	if stored.Locked != nil {
		totals.Locked.Set(stored.Locked)
	}
	return totals, nil
}

// VestingApply writes the change set in a single database batch. The index
// appends are checked against the stored counter first so a stale change set
// is rejected without touching the database.
func (m *Manager) VestingApply(cs *vesting.ChangeSet) error {
	if cs.Empty() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.VestingTotals()
	if err != nil {
		return err
	}
	next := current.Beneficiaries
	for _, entry := range cs.Appended {
		if entry.Seq != next {
			return fmt.Errorf("state: vesting index append at %d, expected %d", entry.Seq, next)
		}
		next++
	}
	if cs.Totals != nil && cs.Totals.Beneficiaries != next {
		return fmt.Errorf("state: vesting total %d does not match index length %d", cs.Totals.Beneficiaries, next)
	}

	batch := m.db.NewBatch()
	if cs.Admin != nil {
		if err := putRLP(batch, kvKey(vestingAdminKey), *cs.Admin); err != nil {
			return err
		}
	}
	if cs.TokenBinding != nil {
		if err := putRLP(batch, kvKey(vestingTokenKey), *cs.TokenBinding); err != nil {
			return err
		}
	}
	for _, rec := range cs.Records {
		if rec == nil {
			return fmt.Errorf("state: nil vesting record in change set")
		}
		if err := putRLP(batch, kvKey(vestingRecordKey(rec.Beneficiary)), newStoredVestingRecord(rec)); err != nil {
			return err
		}
	}
	for _, addr := range cs.Deleted {
		batch.Delete(kvKey(vestingRecordKey(addr)))
	}
	for _, entry := range cs.Appended {
		if err := putRLP(batch, kvKey(vestingIndexKey(entry.Seq)), entry.Beneficiary); err != nil {
			return err
		}
		if err := putRLP(batch, kvKey(vestingReverseKey(entry.Beneficiary)), entry.Seq); err != nil {
			return err
		}
	}
	if cs.Totals != nil {
		locked := big.NewInt(0)
		if cs.Totals.Locked != nil {
			locked.Set(cs.Totals.Locked)
		}
		if locked.Sign() < 0 {
			return fmt.Errorf("state: negative vesting locked total")
		}
		stored := &storedVestingTotals{Beneficiaries: cs.Totals.Beneficiaries, Locked: locked}
		if err := putRLP(batch, kvKey(vestingTotalsKey), stored); err != nil {
			return err
		}
	}
	return batch.Write()
}
