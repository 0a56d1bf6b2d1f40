package state

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"github.com/jayteemoney/stacksvestor/crypto"
	"github.com/jayteemoney/stacksvestor/storage"
)

var (
	ErrUnknownToken        = errors.New("state: token not registered")
	ErrInsufficientBalance = errors.New("state: insufficient balance")
	ErrBalanceOverflow     = errors.New("state: balance overflow")
)

// Manager provides typed access to ledger state persisted in a key-value
// database. Keys are keccak256 hashed and values RLP encoded.
type Manager struct {
	db storage.Database

	// mu serialises read-modify-write sequences spanning several keys.
	mu sync.Mutex
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

type TokenMetadata struct {
	Symbol   string
	Name     string
	Decimals uint8
	Address  [20]byte
}

var (
	tokenPrefix     = []byte("token:")
	tokenAddrPrefix = []byte("token-addr:")
	tokenListKey    = ethcrypto.Keccak256([]byte("token-list"))
	balancePrefix   = []byte("balance:")
)

func prefixedKey(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, part := range parts {
		size += len(part)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	for _, part := range parts {
		buf = append(buf, part...)
	}
	return ethcrypto.Keccak256(buf)
}

func tokenMetadataKey(symbol string) []byte {
	return prefixedKey(tokenPrefix, []byte(symbol))
}

func tokenAddressKey(addr [20]byte) []byte {
	return prefixedKey(tokenAddrPrefix, addr[:])
}

func balanceKey(addr [20]byte, symbol string) []byte {
	return prefixedKey(balancePrefix, []byte(symbol), []byte{':'}, addr[:])
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// TokenAddress returns the identity a token symbol is registered under.
func TokenAddress(symbol string) [20]byte {
	return crypto.ModuleAddress("token:" + normalizeSymbol(symbol))
}

func (m *Manager) get(key []byte) ([]byte, error) {
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (m *Manager) getRLP(key []byte, out interface{}) (bool, error) {
	data, err := m.get(key)
	if err != nil || len(data) == 0 {
		return false, err
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func putRLP(batch storage.Batch, key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	batch.Put(key, encoded)
	return nil
}

func (m *Manager) loadTokenList() ([]string, error) {
	var list []string
	if _, err := m.getRLP(tokenListKey, &list); err != nil {
		return nil, err
	}
	if list == nil {
		list = []string{}
	}
	return list, nil
}

func (m *Manager) loadTokenMetadata(symbol string) (*TokenMetadata, error) {
	meta := new(TokenMetadata)
	ok, err := m.getRLP(tokenMetadataKey(symbol), meta)
	if err != nil || !ok {
		return nil, err
	}
	return meta, nil
}

// RegisterToken stores the metadata for a native token, records it in the
// token index and returns the registered entry.
func (m *Manager) RegisterToken(symbol, name string, decimals uint8) (*TokenMetadata, error) {
	normalized := normalizeSymbol(symbol)
	if normalized == "" {
		return nil, fmt.Errorf("token symbol must not be empty")
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("token %s: name must not be empty", normalized)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, err := m.loadTokenMetadata(normalized); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("token %s already registered", normalized)
	}
	list, err := m.loadTokenList()
	if err != nil {
		return nil, err
	}
	list = append(list, normalized)
	sort.Strings(list)

	meta := &TokenMetadata{
		Symbol:   normalized,
		Name:     strings.TrimSpace(name),
		Decimals: decimals,
		Address:  TokenAddress(normalized),
	}
	batch := m.db.NewBatch()
	if err := putRLP(batch, tokenListKey, list); err != nil {
		return nil, err
	}
	if err := putRLP(batch, tokenMetadataKey(normalized), meta); err != nil {
		return nil, err
	}
	if err := putRLP(batch, tokenAddressKey(meta.Address), normalized); err != nil {
		return nil, err
	}
	if err := batch.Write(); err != nil {
		return nil, err
	}
	return meta, nil
}

// Token retrieves metadata for a registered token. A nil result means the
// symbol is unknown.
func (m *Manager) Token(symbol string) (*TokenMetadata, error) {
	return m.loadTokenMetadata(normalizeSymbol(symbol))
}

// TokenByAddress resolves a token identity back to its metadata.
func (m *Manager) TokenByAddress(addr [20]byte) (*TokenMetadata, error) {
	var symbol string
	ok, err := m.getRLP(tokenAddressKey(addr), &symbol)
	if err != nil || !ok {
		return nil, err
	}
	return m.loadTokenMetadata(symbol)
}

// TokenList returns all registered token symbols in sorted order.
func (m *Manager) TokenList() ([]string, error) {
	return m.loadTokenList()
}

// TokenExists reports whether the provided token symbol is registered.
func (m *Manager) TokenExists(symbol string) bool {
	meta, err := m.Token(symbol)
	return err == nil && meta != nil
}

// SetBalance overwrites an account balance for the provided token.
func (m *Manager) SetBalance(addr [20]byte, symbol string, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative balance not allowed")
	}
	normalized := normalizeSymbol(symbol)
	if !m.TokenExists(normalized) {
		return fmt.Errorf("%w: %s", ErrUnknownToken, normalized)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.db.NewBatch()
	if err := putRLP(batch, balanceKey(addr, normalized), amount); err != nil {
		return err
	}
	return batch.Write()
}

// Balance retrieves a token balance for the provided account and token.
func (m *Manager) Balance(addr [20]byte, symbol string) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := m.getRLP(balanceKey(addr, normalizeSymbol(symbol)), amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

// TransferBalance moves amount of symbol from one account to another. Both
// balances are written in a single batch so a failed write leaves neither
// changed.
func (m *Manager) TransferBalance(symbol string, from, to [20]byte, amount *big.Int) error {
	normalized := normalizeSymbol(symbol)
	if !m.TokenExists(normalized) {
		return fmt.Errorf("%w: %s", ErrUnknownToken, normalized)
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: transfer amount must not be negative")
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return ErrBalanceOverflow
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fromBal, err := m.balance256(from, normalized)
	if err != nil {
		return err
	}
	if fromBal.Lt(value) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, fromBal.Dec(), value.Dec())
	}
	if from == to {
		return nil
	}
	toBal, err := m.balance256(to, normalized)
	if err != nil {
		return err
	}
	nextTo, overflow := new(uint256.Int).AddOverflow(toBal, value)
	if overflow {
		return ErrBalanceOverflow
	}
	nextFrom := new(uint256.Int).Sub(fromBal, value)

	batch := m.db.NewBatch()
	if err := putRLP(batch, balanceKey(from, normalized), nextFrom.ToBig()); err != nil {
		return err
	}
	if err := putRLP(batch, balanceKey(to, normalized), nextTo.ToBig()); err != nil {
		return err
	}
	return batch.Write()
}

func (m *Manager) balance256(addr [20]byte, symbol string) (*uint256.Int, error) {
	bal, err := m.Balance(addr, symbol)
	if err != nil {
		return nil, err
	}
	value, overflow := uint256.FromBig(bal)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return value, nil
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256 before it reaches the database.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	batch := m.db.NewBatch()
	if err := putRLP(batch, kvKey(key), value); err != nil {
		return err
	}
	return batch.Write()
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.get(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the value stored under key.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.db.Delete(kvKey(key))
}
