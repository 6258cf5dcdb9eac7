package stream

// Ledger opens isolated transactions over stream records and account
// balances. Nothing a Tx stages is visible to other transactions until Commit
// succeeds.
type Ledger interface {
	Begin() (Tx, error)
}

// Tx is a single atomic unit of work. Vault debits go through Withdraw, which
// is only available to holders of the vault capability the ledger was bound
// with; Transfer refuses to debit module-owned accounts. Withdrawals never
// credit a module-owned account.
type Tx interface {
	StreamGet(id [32]byte) (*Stream, bool, error)
	StreamPut(s *Stream) error
	ActiveStreamIDs(after [32]byte, limit int) ([][32]byte, error)

	Balance(addr [20]byte) (uint64, error)
	IsModuleAccount(addr [20]byte) (bool, error)
	Transfer(from, to [20]byte, amount uint64) error
	OpenVault(vault [20]byte) error
	Withdraw(vault, to [20]byte, amount uint64) error

	Stats() (Stats, error)
	RecordStats(streamsCreated, volume uint64) error

	Commit() error
	Discard()
}
