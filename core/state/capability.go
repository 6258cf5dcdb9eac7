package state

import (
	"fmt"
	"strings"

	"streamchain/native/stream"
)

// ModuleStream names the stream module as the owner of its vault accounts.
const ModuleStream = "stream"

// VaultCapability grants debit rights over the vault accounts owned by one
// module. Each module's capability can be issued exactly once per manager.
type VaultCapability struct {
	module  string
	manager *Manager
}

// Module returns the module the capability was issued to.
func (c *VaultCapability) Module() string {
	if c == nil {
		return ""
	}
	return c.module
}

// IssueVaultCapability hands out the vault capability for module. Later
// requests for the same module fail.
func (m *Manager) IssueVaultCapability(module string) (*VaultCapability, error) {
	normalized := strings.TrimSpace(module)
	if normalized == "" {
		return nil, fmt.Errorf("state: module name required")
	}
	m.capMu.Lock()
	defer m.capMu.Unlock()
	if _, ok := m.issued[normalized]; ok {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityIssued, normalized)
	}
	capability := &VaultCapability{module: normalized, manager: m}
	m.issued[normalized] = capability
	return capability, nil
}

func (m *Manager) checkCapability(c *VaultCapability) error {
	if c == nil {
		return ErrCapabilityRequired
	}
	m.capMu.Lock()
	defer m.capMu.Unlock()
	if c.manager != m || m.issued[c.module] != c {
		return fmt.Errorf("state: capability not issued by this manager")
	}
	return nil
}

// BeginWithCapability opens a transaction that may open and debit the vaults
// of the capability's module.
func (m *Manager) BeginWithCapability(c *VaultCapability) (*Tx, error) {
	if err := m.checkCapability(c); err != nil {
		return nil, err
	}
	return m.begin(c)
}

type streamLedger struct {
	manager    *Manager
	capability *VaultCapability
}

// StreamLedger adapts the manager into the ledger the stream engine runs on.
func (m *Manager) StreamLedger(c *VaultCapability) (stream.Ledger, error) {
	if err := m.checkCapability(c); err != nil {
		return nil, err
	}
	if c.module != ModuleStream {
		return nil, fmt.Errorf("state: capability for %q cannot back the stream ledger", c.module)
	}
	return &streamLedger{manager: m, capability: c}, nil
}

func (l *streamLedger) Begin() (stream.Tx, error) {
	tx, err := l.manager.begin(l.capability)
	if err != nil {
		return nil, err
	}
	return tx, nil
}
