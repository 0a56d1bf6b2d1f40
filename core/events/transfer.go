package events

import (
	"math/big"
	"strings"

	"github.com/jayteemoney/stacksvestor/core/types"
	"github.com/jayteemoney/stacksvestor/crypto"
)

const (
	// TypeTransfer is emitted for native token balance movements.
	TypeTransfer = "transfer.native"
)

type Transfer struct {
	Asset  string
	From   [20]byte
	To     [20]byte
	Amount *big.Int
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	return types.NewEvent(TypeTransfer).
		With("asset", normalizeAsset(e.Asset)).
		With("from", crypto.FromRaw(e.From).String()).
		With("to", crypto.FromRaw(e.To).String()).
		With("amount", formatAmount(e.Amount))
}

func normalizeAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return ""
	}
	return strings.ToUpper(trimmed)
}

func formatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}
