package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"streamchain/core/types"
	"streamchain/native/stream"
	"streamchain/storage"
)

var (
	// ErrInsufficientBalance is returned when a debit would drive an account
	// negative. It matches stream.ErrInsufficientFunds so callers classify it
	// as a resource failure.
	ErrInsufficientBalance = fmt.Errorf("state: insufficient balance: %w", stream.ErrInsufficientFunds)
	ErrBalanceOverflow     = fmt.Errorf("state: balance overflow: %w", stream.ErrOverflow)
	ErrModuleAccount       = errors.New("state: module-owned account cannot be debited directly")
	ErrModuleRecipient     = fmt.Errorf("state: module-owned account cannot receive withdrawals: %w", stream.ErrPayeeIsVault)
	ErrVaultExists         = errors.New("state: vault account already exists")
	ErrNotVault            = errors.New("state: account is not a vault of the capability's module")
	ErrCapabilityRequired  = errors.New("state: vault capability required")
	ErrCapabilityIssued    = errors.New("state: vault capability already issued")
	ErrTxClosed            = errors.New("state: transaction already closed")
)

// Manager owns the ledger database. Reads go straight to storage; writes are
// staged in a Tx and land in one atomic batch on Commit.
type Manager struct {
	db       storage.Database
	commitMu sync.Mutex

	capMu  sync.Mutex
	issued map[string]*VaultCapability
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, issued: make(map[string]*VaultCapability)}
}

// Begin opens a transaction without vault rights.
func (m *Manager) Begin() (*Tx, error) {
	return m.begin(nil)
}

func (m *Manager) begin(capability *VaultCapability) (*Tx, error) {
	if m == nil || m.db == nil {
		return nil, fmt.Errorf("state: manager not initialised")
	}
	return newTx(m, capability), nil
}

// Account returns the committed account stored under addr. Missing accounts
// are returned as zero-valued accounts.
func (m *Manager) Account(addr [20]byte) (*types.Account, error) {
	stored, _, err := m.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	return stored.toAccount(), nil
}

// Balance returns the committed balance of addr.
func (m *Manager) Balance(addr [20]byte) (uint64, error) {
	stored, _, err := m.loadAccount(addr)
	if err != nil {
		return 0, err
	}
	return stored.Balance, nil
}

func (m *Manager) get(key []byte, out interface{}) (bool, error) {
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

func encode(value interface{}) ([]byte, error) {
	return rlp.EncodeToBytes(value)
}
