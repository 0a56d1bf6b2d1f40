package state

import (
	"errors"
	"math/big"
	"testing"

	"github.com/holiman/uint256"

	"github.com/jayteemoney/stacksvestor/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	return NewManager(db)
}

func addr(fill byte) [20]byte {
	var out [20]byte
	for i := range out {
		out[i] = fill
	}
	return out
}

func TestRegisterToken(t *testing.T) {
	mgr := newTestManager(t)
	meta, err := mgr.RegisterToken(" vest ", "Vest Token", 6)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if meta.Symbol != "VEST" || meta.Address != TokenAddress("VEST") {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if _, err := mgr.RegisterToken("VEST", "Again", 6); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	if _, err := mgr.RegisterToken("", "Nameless", 0); err == nil {
		t.Fatalf("expected empty symbol to fail")
	}

	byAddr, err := mgr.TokenByAddress(meta.Address)
	if err != nil || byAddr == nil || byAddr.Symbol != "VEST" || byAddr.Decimals != 6 {
		t.Fatalf("token by address: %+v err=%v", byAddr, err)
	}
	if missing, err := mgr.TokenByAddress(addr(0x01)); err != nil || missing != nil {
		t.Fatalf("expected unknown address to resolve to nil, got %+v err=%v", missing, err)
	}
	list, err := mgr.TokenList()
	if err != nil || len(list) != 1 || list[0] != "VEST" {
		t.Fatalf("token list %v err=%v", list, err)
	}
	if !mgr.TokenExists("vest") || mgr.TokenExists("OTHER") {
		t.Fatalf("unexpected TokenExists results")
	}
}

func TestBalances(t *testing.T) {
	mgr := newTestManager(t)
	if _, err := mgr.RegisterToken("VEST", "Vest", 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	alice := addr(0x0A)
	if bal, err := mgr.Balance(alice, "VEST"); err != nil || bal.Sign() != 0 {
		t.Fatalf("expected zero balance, got %v err=%v", bal, err)
	}
	if err := mgr.SetBalance(alice, "vest", big.NewInt(42)); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	bal, err := mgr.Balance(alice, "VEST")
	if err != nil || bal.Int64() != 42 {
		t.Fatalf("balance %v err=%v", bal, err)
	}
	if err := mgr.SetBalance(alice, "VEST", big.NewInt(-1)); err == nil {
		t.Fatalf("expected negative balance to fail")
	}
	if err := mgr.SetBalance(alice, "NOPE", big.NewInt(1)); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
}

func TestTransferBalance(t *testing.T) {
	mgr := newTestManager(t)
	if _, err := mgr.RegisterToken("VEST", "Vest", 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	alice, bob := addr(0x0A), addr(0x0B)
	if err := mgr.SetBalance(alice, "VEST", big.NewInt(100)); err != nil {
		t.Fatalf("set balance: %v", err)
	}

	if err := mgr.TransferBalance("VEST", alice, bob, big.NewInt(60)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	a, _ := mgr.Balance(alice, "VEST")
	b, _ := mgr.Balance(bob, "VEST")
	if a.Int64() != 40 || b.Int64() != 60 {
		t.Fatalf("balances alice=%s bob=%s", a, b)
	}

	if err := mgr.TransferBalance("VEST", alice, bob, big.NewInt(41)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := mgr.TransferBalance("VEST", alice, bob, big.NewInt(-1)); err == nil {
		t.Fatalf("expected negative transfer to fail")
	}
	if err := mgr.TransferBalance("OTHER", alice, bob, big.NewInt(1)); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
	if err := mgr.TransferBalance("VEST", alice, alice, big.NewInt(40)); err != nil {
		t.Fatalf("self transfer: %v", err)
	}
	if a, _ := mgr.Balance(alice, "VEST"); a.Int64() != 40 {
		t.Fatalf("self transfer changed balance to %s", a)
	}
}

func TestTransferBalanceOverflow(t *testing.T) {
	mgr := newTestManager(t)
	if _, err := mgr.RegisterToken("VEST", "Vest", 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	alice, bob := addr(0x0A), addr(0x0B)
	ceiling := new(uint256.Int).SetAllOne().ToBig()
	if err := mgr.SetBalance(alice, "VEST", big.NewInt(1)); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	if err := mgr.SetBalance(bob, "VEST", ceiling); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	if err := mgr.TransferBalance("VEST", alice, bob, big.NewInt(1)); !errors.Is(err, ErrBalanceOverflow) {
		t.Fatalf("expected ErrBalanceOverflow, got %v", err)
	}
	tooBig := new(big.Int).Lsh(big.NewInt(1), 256)
	if err := mgr.TransferBalance("VEST", alice, bob, tooBig); !errors.Is(err, ErrBalanceOverflow) {
		t.Fatalf("expected ErrBalanceOverflow for 2^256, got %v", err)
	}
	if a, _ := mgr.Balance(alice, "VEST"); a.Int64() != 1 {
		t.Fatalf("failed transfer debited sender: %s", a)
	}
}

func TestKVReadWrite(t *testing.T) {
	mgr := newTestManager(t)
	if err := mgr.KVPut([]byte("answer"), uint64(42)); err != nil {
		t.Fatalf("kv put: %v", err)
	}
	var out uint64
	ok, err := mgr.KVGet([]byte("answer"), &out)
	if err != nil || !ok || out != 42 {
		t.Fatalf("kv get = %d ok=%v err=%v", out, ok, err)
	}
	if err := mgr.KVDelete([]byte("answer")); err != nil {
		t.Fatalf("kv delete: %v", err)
	}
	if ok, err := mgr.KVGet([]byte("answer"), &out); err != nil || ok {
		t.Fatalf("expected deleted key to be absent, ok=%v err=%v", ok, err)
	}
	if _, err := mgr.KVGet(nil, &out); err == nil {
		t.Fatalf("expected empty key to fail")
	}
}
