package types

// Account is a single-asset ledger balance. Module is non-empty for accounts
// owned by a native module (escrow vaults); such accounts can only be debited
// through the owning module's capability.
type Account struct {
	Nonce   uint64 `json:"nonce"`
	Balance uint64 `json:"balance"`
	Module  string `json:"module,omitempty"`
}

// Clone returns a copy of the account, or a zero account when a is nil.
func (a *Account) Clone() *Account {
	if a == nil {
		return &Account{}
	}
	clone := *a
	return &clone
}

// ModuleOwned reports whether the account belongs to a native module.
func (a *Account) ModuleOwned() bool {
	return a != nil && a.Module != ""
}
