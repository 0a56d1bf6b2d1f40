package genesis

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jayteemoney/stacksvestor/core/state"
	"github.com/jayteemoney/stacksvestor/crypto"
	"github.com/jayteemoney/stacksvestor/native/vesting"
	"github.com/jayteemoney/stacksvestor/storage"
)

func writeSpec(t *testing.T, spec any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "genesis.json")
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		t.Fatalf("marshal spec: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	return path
}

func TestLoadGenesisSpecAndApply(t *testing.T) {
	admin := crypto.MustNewAddress(crypto.VestPrefix, bytes.Repeat([]byte{0x01}, 20))
	holder := crypto.MustNewAddress(crypto.VestPrefix, bytes.Repeat([]byte{0x02}, 20))

	path := writeSpec(t, GenesisSpec{
		GenesisTime: "2024-01-01T00:00:00Z",
		Admin:       admin.String(),
		Token:       TokenSpec{Symbol: "vest", Name: "Vest Token", Decimals: 6},
		Alloc: map[string]string{
			admin.String():  "1000000",
			holder.String(): "25",
		},
		BindToken: true,
	})

	loaded, err := LoadGenesisSpec(path)
	if err != nil {
		t.Fatalf("LoadGenesisSpec: %v", err)
	}
	expected, _ := time.Parse(time.RFC3339, "2024-01-01T00:00:00Z")
	if !loaded.GenesisTimestamp().Equal(expected) {
		t.Fatalf("genesis timestamp mismatch: got %v want %v", loaded.GenesisTimestamp(), expected)
	}
	if loaded.AdminAddress() != admin.Raw() {
		t.Fatalf("admin mismatch: %x", loaded.AdminAddress())
	}

	db := storage.NewMemDB()
	defer db.Close()
	manager := state.NewManager(db)
	engine := vesting.NewEngine(crypto.ModuleAddress("vesting"))
	engine.SetState(manager)

	result, err := Apply(context.Background(), loaded, manager, engine)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !result.Applied || !result.Bound || result.Token.Symbol != "VEST" {
		t.Fatalf("unexpected result %+v", result)
	}
	bal, err := manager.Balance(admin.Raw(), "VEST")
	if err != nil || bal.Int64() != 1_000_000 {
		t.Fatalf("admin balance %v err=%v", bal, err)
	}
	gotAdmin, err := engine.Admin()
	if err != nil || gotAdmin != admin.Raw() {
		t.Fatalf("engine admin %x err=%v", gotAdmin, err)
	}
	bound, ok, err := engine.TokenContract()
	if err != nil || !ok || bound != state.TokenAddress("VEST") {
		t.Fatalf("binding %x ok=%v err=%v", bound, ok, err)
	}

	again, err := Apply(context.Background(), loaded, manager, engine)
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if again.Applied || !again.Bound || again.Admin != admin.Raw() {
		t.Fatalf("second Apply should be a no-op, got %+v", again)
	}
}

func TestLoadGenesisSpecRejectsInvalid(t *testing.T) {
	admin := crypto.MustNewAddress(crypto.VestPrefix, bytes.Repeat([]byte{0x01}, 20)).String()
	cases := map[string]map[string]any{
		"missing time": {
			"admin": admin,
			"token": map[string]any{"symbol": "VEST", "name": "Vest"},
		},
		"foreign prefix": {
			"genesisTime": "2024-01-01T00:00:00Z",
			"admin":       "nhb1qyqszqgpqyqszqgpqyqszqgpqyqszqgp9ej7dd",
			"token":       map[string]any{"symbol": "VEST", "name": "Vest"},
		},
		"negative alloc": {
			"genesisTime": "2024-01-01T00:00:00Z",
			"admin":       admin,
			"token":       map[string]any{"symbol": "VEST", "name": "Vest"},
			"alloc":       map[string]string{admin: "-1"},
		},
		"unknown field": {
			"genesisTime": "2024-01-01T00:00:00Z",
			"admin":       admin,
			"token":       map[string]any{"symbol": "VEST", "name": "Vest"},
			"validators":  []string{},
		},
		"too many decimals": {
			"genesisTime": "2024-01-01T00:00:00Z",
			"admin":       admin,
			"token":       map[string]any{"symbol": "VEST", "name": "Vest", "decimals": 19},
		},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadGenesisSpec(writeSpec(t, spec)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
