package vesting

import (
	"context"
	"math/big"
	"math/rand"
	"testing"
)

// checkAggregates recomputes the locked total from the live records reachable
// through the beneficiary index.
func checkAggregates(t *testing.T, h *harness) {
	t.Helper()
	total := h.beneficiaries(t)
	sum := big.NewInt(0)
	seen := make(map[[20]byte]bool)
	for seq := uint64(0); seq < total; seq++ {
		addr, ok, err := h.engine.BeneficiaryAt(seq)
		if err != nil || !ok {
			t.Fatalf("index %d missing: ok=%v err=%v", seq, ok, err)
		}
		if seen[addr] {
			continue
		}
		seen[addr] = true
		rec, ok, err := h.engine.VestingInfo(addr)
		if err != nil {
			t.Fatalf("vesting info: %v", err)
		}
		if ok && !rec.Claimed {
			sum.Add(sum, rec.Amount)
		}
	}
	if got := h.locked(t); got != sum.Int64() {
		t.Fatalf("locked total %d does not match live records %s", got, sum)
	}
}

func TestRandomOperationsPreserveAggregates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	pool := make([][20]byte, 8)
	for i := range pool {
		pool[i] = newTestAddress(byte(0x20 + i))
	}

	prevTotal := uint64(0)
	for step := 0; step < 400; step++ {
		who := pool[rng.Intn(len(pool))]
		// amounts range below zero so rejected inputs are exercised too
		switch rng.Intn(5) {
		case 0, 1:
			_ = h.engine.AddBeneficiary(ctx, testAdmin, h.token, who, big.NewInt(int64(rng.Intn(60)-10)), h.height+uint64(rng.Intn(4)))
		case 2:
			_, _ = h.engine.ClaimTokens(ctx, who, h.token)
		case 3:
			_, _ = h.engine.RevokeBeneficiary(ctx, testAdmin, h.token, who)
		case 4:
			batch := make([]AirdropEntry, rng.Intn(4))
			for i := range batch {
				batch[i] = entry(pool[rng.Intn(len(pool))], int64(rng.Intn(40)-10), h.height+uint64(rng.Intn(3)))
			}
			_, _ = h.engine.AirdropTokens(ctx, testAdmin, h.token, batch)
		}
		if rng.Intn(3) == 0 {
			h.height++
		}

		checkAggregates(t, h)
		total := h.beneficiaries(t)
		if total < prevTotal {
			t.Fatalf("step %d: beneficiary count decreased from %d to %d", step, prevTotal, total)
		}
		prevTotal = total

		// custody always covers the tracked grants since nothing here withdraws
		if h.token.balance(testSelf).Int64() < h.locked(t) {
			t.Fatalf("step %d: custody %s below locked %d", step, h.token.balance(testSelf), h.locked(t))
		}
	}
	if prevTotal == 0 {
		t.Fatalf("random run never created a grant")
	}
}
