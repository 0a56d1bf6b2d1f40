package vesting

import (
	"context"
	"errors"
	"math/big"
	"testing"
)

func entry(recipient [20]byte, amount int64, unlock uint64) AirdropEntry {
	return AirdropEntry{Recipient: recipient, Amount: big.NewInt(amount), UnlockHeight: unlock}
}

func TestAirdropSkipsInvalidEntries(t *testing.T) {
	h := newHarness(t)
	result, err := h.engine.AirdropTokens(context.Background(), testAdmin, h.token, []AirdropEntry{
		entry(testAlice, 100, h.height+5),
		entry(testBob, 0, h.height+5),
	})
	if err != nil {
		t.Fatalf("airdrop: %v", err)
	}
	if result.Accepted != 1 || result.Skipped != 1 {
		t.Fatalf("accepted=%d skipped=%d", result.Accepted, result.Skipped)
	}
	if result.Transferred.Int64() != 100 || result.Locked.Int64() != 100 || result.Surplus().Sign() != 0 {
		t.Fatalf("unexpected amounts %+v", result)
	}
	if ok, _ := h.engine.IsBeneficiary(testBob); ok {
		t.Fatalf("zero-amount entry produced a record")
	}
	if h.beneficiaries(t) != 1 || h.locked(t) != 100 {
		t.Fatalf("totals beneficiaries=%d locked=%d", h.beneficiaries(t), h.locked(t))
	}
	skipped := result.Outcomes[1]
	if skipped.Status != EntrySkipped || !errors.Is(skipped.Reason, ErrInvalidAmount) {
		t.Fatalf("unexpected outcome %+v", skipped)
	}
	if len(h.token.calls) != 1 {
		t.Fatalf("expected a single transfer, got %d", len(h.token.calls))
	}
	types := h.recorder.Types()
	want := []string{EventTypeBeneficiaryAdded, EventTypeAirdropSkipped, EventTypeAirdrop}
	if len(types) != len(want) {
		t.Fatalf("events %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events %v, want %v", types, want)
		}
	}
}

func TestAirdropSurplusFromExistingBeneficiary(t *testing.T) {
	h := newHarness(t)
	h.add(t, testAlice, 50, 200)
	custody := h.token.balance(testSelf).Int64()

	result, err := h.engine.AirdropTokens(context.Background(), testAdmin, h.token, []AirdropEntry{
		entry(testAlice, 100, 300),
		entry(testCarol, 200, 300),
	})
	if err != nil {
		t.Fatalf("airdrop: %v", err)
	}
	if result.Transferred.Int64() != 300 || result.Locked.Int64() != 200 || result.Surplus().Int64() != 100 {
		t.Fatalf("transferred=%s locked=%s surplus=%s", result.Transferred, result.Locked, result.Surplus())
	}
	if !errors.Is(result.Outcomes[0].Reason, ErrAlreadyBeneficiary) {
		t.Fatalf("expected duplicate skip, got %v", result.Outcomes[0].Reason)
	}
	if h.token.balance(testSelf).Int64()-custody != 300 {
		t.Fatalf("custody grew by %d", h.token.balance(testSelf).Int64()-custody)
	}
	if h.locked(t) != 250 {
		t.Fatalf("locked = %d, want 250", h.locked(t))
	}
	rec, _, _ := h.engine.VestingInfo(testAlice)
	if rec.Amount.Int64() != 50 || rec.UnlockHeight != 200 {
		t.Fatalf("existing grant overwritten: %+v", rec)
	}
}

func TestAirdropDuplicateWithinBatch(t *testing.T) {
	h := newHarness(t)
	result, err := h.engine.AirdropTokens(context.Background(), testAdmin, h.token, []AirdropEntry{
		entry(testAlice, 10, 200),
		entry(testAlice, 20, 300),
	})
	if err != nil {
		t.Fatalf("airdrop: %v", err)
	}
	if result.Accepted != 1 || result.Skipped != 1 {
		t.Fatalf("accepted=%d skipped=%d", result.Accepted, result.Skipped)
	}
	rec, _, _ := h.engine.VestingInfo(testAlice)
	if rec.Amount.Int64() != 10 {
		t.Fatalf("second entry won: %+v", rec)
	}
	if h.beneficiaries(t) != 1 {
		t.Fatalf("beneficiaries = %d", h.beneficiaries(t))
	}
}

func TestAirdropAssignsSequentialIndices(t *testing.T) {
	h := newHarness(t)
	h.add(t, testAlice, 1, 200)
	_, err := h.engine.AirdropTokens(context.Background(), testAdmin, h.token, []AirdropEntry{
		entry(testBob, 10, 200),
		entry(testSelf, 10, 200),
		entry(testCarol, 10, 200),
	})
	if err != nil {
		t.Fatalf("airdrop: %v", err)
	}
	for seq, want := range [][20]byte{testAlice, testBob, testCarol} {
		got, ok, err := h.engine.BeneficiaryAt(uint64(seq))
		if err != nil || !ok || got != want {
			t.Fatalf("index %d = %x ok=%v err=%v", seq, got, ok, err)
		}
	}
	if _, ok, _ := h.engine.BeneficiaryAt(3); ok {
		t.Fatalf("unexpected index entry 3")
	}
}

func TestAirdropBatchLimit(t *testing.T) {
	h := newHarness(t)
	entries := make([]AirdropEntry, MaxAirdropEntries+1)
	for i := range entries {
		var addr [20]byte
		addr[0] = 0x50
		addr[18] = byte(i >> 8)
		addr[19] = byte(i)
		entries[i] = entry(addr, 1, 200)
	}
	if _, err := h.engine.AirdropTokens(context.Background(), testAdmin, h.token, entries); !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}
	if len(h.token.calls) != 0 {
		t.Fatalf("transfer invoked for oversized batch")
	}

	result, err := h.engine.AirdropTokens(context.Background(), testAdmin, h.token, entries[:MaxAirdropEntries])
	if err != nil {
		t.Fatalf("airdrop at limit: %v", err)
	}
	if result.Accepted != MaxAirdropEntries || h.beneficiaries(t) != MaxAirdropEntries {
		t.Fatalf("accepted=%d total=%d", result.Accepted, h.beneficiaries(t))
	}
}

func TestAirdropRequiresAdminAndBinding(t *testing.T) {
	h := newHarness(t)
	batch := []AirdropEntry{entry(testAlice, 10, 200)}
	if _, err := h.engine.AirdropTokens(context.Background(), testBob, h.token, batch); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
	if _, err := h.engine.AirdropTokens(context.Background(), testAdmin, newFakeToken(testCarol), batch); !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("expected ErrTokenMismatch, got %v", err)
	}
	if len(h.token.calls) != 0 {
		t.Fatalf("transfer invoked on failed precondition")
	}
}

func TestAirdropTransferFailure(t *testing.T) {
	h := newHarness(t)
	h.token.fail = errors.New("bank paused")
	_, err := h.engine.AirdropTokens(context.Background(), testAdmin, h.token, []AirdropEntry{
		entry(testAlice, 10, 200),
		entry(testBob, 20, 200),
	})
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if h.beneficiaries(t) != 0 || h.locked(t) != 0 || len(h.recorder.Events) != 0 {
		t.Fatalf("airdrop mutated state despite failed transfer")
	}
}

func TestAirdropEmptyBatchStillTransfers(t *testing.T) {
	h := newHarness(t)
	result, err := h.engine.AirdropTokens(context.Background(), testAdmin, h.token, nil)
	if err != nil {
		t.Fatalf("empty airdrop: %v", err)
	}
	if result.Accepted != 0 || result.Transferred.Sign() != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(h.token.calls) != 1 || h.token.calls[0].amount.Sign() != 0 {
		t.Fatalf("expected one zero-value transfer, got %+v", h.token.calls)
	}
}

func TestAirdropRejectsNegativeAmount(t *testing.T) {
	h := newHarness(t)
	batches := map[string][]AirdropEntry{
		"negative": {entry(testAlice, 100, h.height+5), entry(testBob, -60, h.height+5)},
		"nil":      {entry(testAlice, 100, h.height+5), {Recipient: testBob, UnlockHeight: h.height + 5}},
	}
	for name, batch := range batches {
		t.Run(name, func(t *testing.T) {
			if _, err := h.engine.AirdropTokens(context.Background(), testAdmin, h.token, batch); !errors.Is(err, ErrInvalidAmount) {
				t.Fatalf("expected ErrInvalidAmount, got %v", err)
			}
			if len(h.token.calls) != 0 {
				t.Fatalf("transfer invoked for rejected batch: %+v", h.token.calls)
			}
			if h.beneficiaries(t) != 0 || h.locked(t) != 0 {
				t.Fatalf("rejected batch mutated state")
			}
		})
	}
}

func TestAirdropChecksAdminBeforeBatchSize(t *testing.T) {
	h := newHarness(t)
	entries := make([]AirdropEntry, MaxAirdropEntries+1)
	for i := range entries {
		entries[i] = entry(testAlice, 1, 200)
	}
	if _, err := h.engine.AirdropTokens(context.Background(), testBob, h.token, entries); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
}

func TestAirdropCommitFailureReversesTransfer(t *testing.T) {
	h := newHarness(t)
	h.store.armed = true
	_, err := h.engine.AirdropTokens(context.Background(), testAdmin, h.token, []AirdropEntry{
		entry(testAlice, 10, h.height+5),
		entry(testBob, 0, h.height+5),
	})
	if err == nil || Kind(err) != "internal" {
		t.Fatalf("expected internal commit error, got %v", err)
	}
	h.store.armed = false
	h.custodyMatches(t)
	if h.beneficiaries(t) != 0 || len(h.recorder.Events) != 0 {
		t.Fatalf("failed airdrop left state or events behind")
	}
}
