package vesting

import (
	"context"
	"math/big"
)

// MaxAirdropEntries bounds the number of candidates accepted by a single
// airdrop call.
const MaxAirdropEntries = 200

// Token is the handle to the external value-transfer service the ledger is
// bound to. Transfer must either move the full amount or fail without side
// effects.
type Token interface {
	Address() [20]byte
	Transfer(ctx context.Context, amount *big.Int, from, to [20]byte) error
}

// Record tracks one beneficiary's lump-sum grant.
type Record struct {
	Beneficiary  [20]byte
	Amount       *big.Int
	Claimed      bool
	UnlockHeight uint64
	CreatedAt    uint64
}

// Clone returns a deep copy so callers can mutate the result freely.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Amount = cloneBigInt(r.Amount)
	return &clone
}

// Unlocked reports whether the grant may be claimed at height.
func (r *Record) Unlocked(height uint64) bool {
	return r != nil && height >= r.UnlockHeight
}

// Totals holds the running aggregates. Beneficiaries counts every grant ever
// created; Locked sums the amounts of live, unclaimed records.
type Totals struct {
	Beneficiaries uint64
	Locked        *big.Int
}

func (t *Totals) Clone() *Totals {
	if t == nil {
		return &Totals{Locked: big.NewInt(0)}
	}
	return &Totals{Beneficiaries: t.Beneficiaries, Locked: cloneBigInt(t.Locked)}
}

// IndexEntry is one append to the beneficiary log.
type IndexEntry struct {
	Seq         uint64
	Beneficiary [20]byte
}

// ChangeSet is the complete set of mutations produced by one operation. A
// State applies it all at once or not at all.
type ChangeSet struct {
	Admin        *[20]byte
	TokenBinding *[20]byte
	Records      []*Record
	Deleted      [][20]byte
	Appended     []IndexEntry
	Totals       *Totals
}

// Empty reports whether the change set carries no mutation.
func (c *ChangeSet) Empty() bool {
	return c == nil || (c.Admin == nil && c.TokenBinding == nil && len(c.Records) == 0 &&
		len(c.Deleted) == 0 && len(c.Appended) == 0 && c.Totals == nil)
}

// AirdropEntry is one candidate grant inside an airdrop batch.
type AirdropEntry struct {
	Recipient    [20]byte
	Amount       *big.Int
	UnlockHeight uint64
}

// EntryStatus is the fold outcome for a single airdrop entry.
type EntryStatus uint8

const (
	EntryAccepted EntryStatus = iota
	EntrySkipped
)

func (s EntryStatus) String() string {
	switch s {
	case EntryAccepted:
		return "accepted"
	case EntrySkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// EntryOutcome records what happened to one airdrop entry. Reason is nil for
// accepted entries.
type EntryOutcome struct {
	Index     int
	Recipient [20]byte
	Amount    *big.Int
	Status    EntryStatus
	Reason    error
}

// AirdropResult summarises an airdrop call. Transferred is the amount pulled
// from the admin up front (the sum over every entry); Locked is the part of
// it that became tracked grants.
type AirdropResult struct {
	Accepted    int
	Skipped     int
	Transferred *big.Int
	Locked      *big.Int
	Outcomes    []EntryOutcome
}

// Surplus is the value moved into custody by the batch that no record tracks.
// It is non-zero whenever a skipped entry carried a positive amount and can
// only leave custody through EmergencyWithdraw.
func (r *AirdropResult) Surplus() *big.Int {
	if r == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Sub(cloneBigInt(r.Transferred), cloneBigInt(r.Locked))
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
