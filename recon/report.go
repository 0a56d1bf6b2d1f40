// Package recon turns a ledger snapshot into a reconciliation report that
// compares the vault's custody balance against the grants it backs, and
// writes it out as CSV and Parquet for offline review.
package recon

import (
	"math/big"

	"github.com/jayteemoney/stacksvestor/crypto"
	"github.com/jayteemoney/stacksvestor/native/vesting"
)

const (
	StatusLocked    = "locked"
	StatusClaimable = "claimable"
	StatusClaimed   = "claimed"
	StatusRevoked   = "revoked"
)

// Row is one position of the beneficiary log. Amount and heights are empty
// for revoked grants, whose records no longer exist.
type Row struct {
	Seq          uint64 `json:"seq"`
	Beneficiary  string `json:"beneficiary"`
	Status       string `json:"status"`
	Amount       string `json:"amount,omitempty"`
	UnlockHeight uint64 `json:"unlockHeight,omitempty"`
	CreatedAt    uint64 `json:"createdAt,omitempty"`
}

// Report summarises custody against outstanding grants at one height.
//
// Locked is the ledger's running aggregate and Outstanding the sum recomputed
// from the rows; Consistent reports whether they agree. Surplus is custody
// minus locked: airdrop skips push it up and emergency withdrawals can drive
// it negative, in which case Backed is false.
type Report struct {
	Height        uint64 `json:"height"`
	Vault         string `json:"vault"`
	Beneficiaries uint64 `json:"beneficiaries"`
	Locked        string `json:"locked"`
	Outstanding   string `json:"outstanding"`
	Custody       string `json:"custody"`
	Surplus       string `json:"surplus"`
	Consistent    bool   `json:"consistent"`
	Backed        bool   `json:"backed"`
	Rows          []Row  `json:"rows"`
}

// Build derives the report from snap. A snapshot taken without a balance
// source is treated as holding zero custody.
func Build(snap *vesting.Snapshot, vault [20]byte) *Report {
	locked := big.NewInt(0)
	if snap.Totals != nil && snap.Totals.Locked != nil {
		locked.Set(snap.Totals.Locked)
	}
	custody := big.NewInt(0)
	if snap.Custody != nil {
		custody.Set(snap.Custody)
	}
	outstanding := big.NewInt(0)
	report := &Report{
		Height: snap.Height,
		Vault:  crypto.FromRaw(vault).String(),
		Rows:   make([]Row, 0, len(snap.Log)),
	}
	if snap.Totals != nil {
		report.Beneficiaries = snap.Totals.Beneficiaries
	}
	for _, entry := range snap.Log {
		row := Row{
			Seq:         entry.Seq,
			Beneficiary: crypto.FromRaw(entry.Beneficiary).String(),
			Status:      StatusRevoked,
		}
		if rec := entry.Record; rec != nil && !entry.Superseded {
			row.Amount = rec.Amount.String()
			row.UnlockHeight = rec.UnlockHeight
			row.CreatedAt = rec.CreatedAt
			switch {
			case rec.Claimed:
				row.Status = StatusClaimed
			case rec.Unlocked(snap.Height):
				row.Status = StatusClaimable
				outstanding.Add(outstanding, rec.Amount)
			default:
				row.Status = StatusLocked
				outstanding.Add(outstanding, rec.Amount)
			}
		}
		report.Rows = append(report.Rows, row)
	}
	surplus := new(big.Int).Sub(custody, locked)
	report.Locked = locked.String()
	report.Outstanding = outstanding.String()
	report.Custody = custody.String()
	report.Surplus = surplus.String()
	report.Consistent = outstanding.Cmp(locked) == 0
	report.Backed = surplus.Sign() >= 0
	return report
}
