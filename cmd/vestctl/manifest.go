package main

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jayteemoney/stacksvestor/crypto"
	"github.com/jayteemoney/stacksvestor/native/vesting"
)

// manifest is the YAML layout accepted by the airdrop command. Entries
// without an unlock height inherit DefaultUnlockHeight.
type manifest struct {
	DefaultUnlockHeight uint64          `yaml:"defaultUnlockHeight"`
	Entries             []manifestEntry `yaml:"entries"`
}

type manifestEntry struct {
	Recipient    string `yaml:"recipient"`
	Amount       string `yaml:"amount"`
	UnlockHeight uint64 `yaml:"unlockHeight"`
}

type airdropEntryParams struct {
	Recipient    string `json:"recipient"`
	Amount       string `json:"amount"`
	UnlockHeight uint64 `json:"unlockHeight"`
}

type airdropParams struct {
	Entries []airdropEntryParams `json:"entries"`
}

func loadManifest(path string) (*manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return parseManifest(raw)
}

// parseManifest checks syntax only. Business rules such as positive amounts
// or future unlock heights are applied by the ledger, which skips offending
// entries instead of failing the batch.
func parseManifest(raw []byte) (*manifest, error) {
	var m manifest
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Entries) > vesting.MaxAirdropEntries {
		return nil, fmt.Errorf("manifest has %d entries; at most %d are allowed per batch", len(m.Entries), vesting.MaxAirdropEntries)
	}
	for i := range m.Entries {
		entry := &m.Entries[i]
		entry.Recipient = strings.TrimSpace(entry.Recipient)
		if _, err := crypto.DecodeAddress(entry.Recipient); err != nil {
			return nil, fmt.Errorf("entry %d: invalid recipient %q: %w", i, entry.Recipient, err)
		}
		entry.Amount = strings.TrimSpace(entry.Amount)
		if _, ok := new(big.Int).SetString(entry.Amount, 10); !ok {
			return nil, fmt.Errorf("entry %d: invalid amount %q", i, entry.Amount)
		}
		if entry.UnlockHeight == 0 {
			entry.UnlockHeight = m.DefaultUnlockHeight
		}
	}
	return &m, nil
}

func (m *manifest) params() airdropParams {
	out := airdropParams{Entries: make([]airdropEntryParams, 0, len(m.Entries))}
	for _, entry := range m.Entries {
		out.Entries = append(out.Entries, airdropEntryParams{
			Recipient:    entry.Recipient,
			Amount:       entry.Amount,
			UnlockHeight: entry.UnlockHeight,
		})
	}
	return out
}
