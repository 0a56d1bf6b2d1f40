package vesting

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"go.opentelemetry.io/otel/attribute"
)

// AirdropTokens grants a batch of up to MaxAirdropEntries entries. The sum of
// every entry amount is pulled from the admin in one transfer; entries that
// fail validation are skipped rather than aborting the batch. Skipped amounts
// stay in custody untracked (see AirdropResult.Surplus). A nil or negative
// amount rejects the whole batch, since it would shrink the transfer below
// what the accepted entries lock.
func (e *Engine) AirdropTokens(ctx context.Context, caller [20]byte, token Token, entries []AirdropEntry) (result *AirdropResult, err error) {
	ctx, span := e.startSpan(ctx, opAirdrop, attribute.Int("entries", len(entries)))
	defer func() { e.finish(span, opAirdrop, err) }()

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
	if len(entries) > MaxAirdropEntries {
		return nil, ErrBatchTooLarge
	}
	total := big.NewInt(0)
	for i, entry := range entries {
		if entry.Amount == nil || entry.Amount.Sign() < 0 {
			return nil, fmt.Errorf("%w (entry %d)", ErrInvalidAmount, i)
		}
		total.Add(total, entry.Amount)
	}
	if err := e.requireBinding(st, token); err != nil {
		return nil, err
	}

	height := e.height()
	result = &AirdropResult{
		Transferred: total,
		Locked:      big.NewInt(0),
		Outcomes:    make([]EntryOutcome, 0, len(entries)),
	}
	type accepted struct {
		rec *Record
		seq uint64
	}
	granted := make([]accepted, 0, len(entries))
	for i, entry := range entries {
		outcome := EntryOutcome{
			Index:     i,
			Recipient: entry.Recipient,
			Amount:    cloneBigInt(entry.Amount),
		}
		reason := validateGrant(st, e.self, height, entry.Recipient, entry.Amount, entry.UnlockHeight)
		if reason != nil && !isSkippable(reason) {
			return nil, reason
		}
		if reason != nil {
			outcome.Status = EntrySkipped
			outcome.Reason = reason
			result.Skipped++
			result.Outcomes = append(result.Outcomes, outcome)
			continue
		}
		rec, seq, err := e.grant(st, entry.Recipient, entry.Amount, entry.UnlockHeight, height)
		if err != nil {
			return nil, err
		}
		outcome.Status = EntryAccepted
		result.Accepted++
		result.Locked.Add(result.Locked, rec.Amount)
		result.Outcomes = append(result.Outcomes, outcome)
		granted = append(granted, accepted{rec: rec, seq: seq})
	}

	if err := e.settle(ctx, token, st, total, admin, e.self); err != nil {
		return nil, err
	}
	e.metrics.ObserveAirdrop(result.Accepted, result.Skipped)
	for _, g := range granted {
		e.emit(NewBeneficiaryAddedEvent(g.rec, g.seq, "airdrop"))
	}
	for _, outcome := range result.Outcomes {
		if outcome.Status == EntrySkipped {
			e.emit(NewAirdropSkippedEvent(outcome))
		}
	}
	e.emit(NewAirdropEvent(result))
	return result, nil
}

// isSkippable separates per-entry validation failures from store read errors,
// which abort the batch.
func isSkippable(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrConflict)
}
