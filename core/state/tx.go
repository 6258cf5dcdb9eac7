package state

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"streamchain/native/stream"
	"streamchain/storage"
)

// Tx stages reads and writes against the ledger. Reads see the transaction's
// own writes layered over committed state. A Tx must end with exactly one of
// Commit or Discard.
type Tx struct {
	m          *Manager
	capability *VaultCapability
	writes     map[string][]byte
	accounts   map[[20]byte]*accountDelta
	newStreams uint64
	volume     *uint256.Int
	closed     bool
}

func newTx(m *Manager, capability *VaultCapability) *Tx {
	return &Tx{
		m:          m,
		capability: capability,
		writes:     make(map[string][]byte),
		accounts:   make(map[[20]byte]*accountDelta),
		volume:     new(uint256.Int),
	}
}

func (tx *Tx) ensureOpen() error {
	if tx == nil || tx.closed {
		return ErrTxClosed
	}
	return nil
}

func (tx *Tx) delta(addr [20]byte) *accountDelta {
	d, ok := tx.accounts[addr]
	if !ok {
		d = &accountDelta{}
		tx.accounts[addr] = d
	}
	return d
}

// account returns the committed account with this transaction's deltas
// applied.
func (tx *Tx) account(addr [20]byte) (*storedAccount, bool, error) {
	base, exists, err := tx.m.loadAccount(addr)
	if err != nil {
		return nil, false, err
	}
	d := tx.accounts[addr]
	view, err := applyDelta(base, d)
	if err != nil {
		return nil, false, err
	}
	return view, exists || (d != nil && d.opened), nil
}

// Balance returns the balance of addr as seen by this transaction.
func (tx *Tx) Balance(addr [20]byte) (uint64, error) {
	if err := tx.ensureOpen(); err != nil {
		return 0, err
	}
	acc, _, err := tx.account(addr)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

func (tx *Tx) move(from, to [20]byte, amount, balance uint64) error {
	if balance < amount {
		return ErrInsufficientBalance
	}
	src := tx.delta(from)
	debit := src.debit + amount
	if debit < src.debit {
		return ErrBalanceOverflow
	}
	dst := tx.delta(to)
	credit := dst.credit + amount
	if credit < dst.credit {
		return ErrBalanceOverflow
	}
	src.debit = debit
	dst.credit = credit
	return nil
}

// Transfer moves amount out of an ordinary account. Module-owned accounts can
// only receive funds from a transaction holding that module's capability.
func (tx *Tx) Transfer(from, to [20]byte, amount uint64) error {
	if err := tx.ensureOpen(); err != nil {
		return err
	}
	if amount == 0 {
		return nil
	}
	acc, _, err := tx.account(from)
	if err != nil {
		return err
	}
	if acc.Module != "" {
		return ErrModuleAccount
	}
	recipient, _, err := tx.account(to)
	if err != nil {
		return err
	}
	if recipient.Module != "" && (tx.capability == nil || recipient.Module != tx.capability.module) {
		return ErrNotVault
	}
	return tx.move(from, to, amount, acc.Balance)
}

// OpenVault registers a fresh module-owned account for the capability's
// module. The address must not have been used before.
func (tx *Tx) OpenVault(vault [20]byte) error {
	if err := tx.ensureOpen(); err != nil {
		return err
	}
	if tx.capability == nil {
		return ErrCapabilityRequired
	}
	_, exists, err := tx.account(vault)
	if err != nil {
		return err
	}
	if exists {
		return ErrVaultExists
	}
	d := tx.delta(vault)
	d.opened = true
	d.module = tx.capability.module
	return nil
}

// IsModuleAccount reports whether addr is owned by a module, as seen by this
// transaction.
func (tx *Tx) IsModuleAccount(addr [20]byte) (bool, error) {
	if err := tx.ensureOpen(); err != nil {
		return false, err
	}
	acc, _, err := tx.account(addr)
	if err != nil {
		return false, err
	}
	return acc.Module != "", nil
}

// Withdraw debits a vault owned by the capability's module. The recipient
// must not be module-owned.
func (tx *Tx) Withdraw(vault, to [20]byte, amount uint64) error {
	if err := tx.ensureOpen(); err != nil {
		return err
	}
	if tx.capability == nil {
		return ErrCapabilityRequired
	}
	acc, _, err := tx.account(vault)
	if err != nil {
		return err
	}
	if acc.Module != tx.capability.module {
		return ErrNotVault
	}
	if amount == 0 {
		return nil
	}
	recipient, _, err := tx.account(to)
	if err != nil {
		return err
	}
	if recipient.Module != "" {
		return ErrModuleRecipient
	}
	return tx.move(vault, to, amount, acc.Balance)
}

// Credit mints amount into addr. It is used for genesis style seeding and by
// tests; stream operations never mint.
func (tx *Tx) Credit(addr [20]byte, amount uint64) error {
	if err := tx.ensureOpen(); err != nil {
		return err
	}
	d := tx.delta(addr)
	credit := d.credit + amount
	if credit < d.credit {
		return ErrBalanceOverflow
	}
	d.credit = credit
	return nil
}

func (tx *Tx) read(key []byte, out interface{}) (bool, error) {
	if staged, ok := tx.writes[string(key)]; ok {
		if staged == nil {
			return false, nil
		}
		if err := rlp.DecodeBytes(staged, out); err != nil {
			return false, err
		}
		return true, nil
	}
	return tx.m.get(key, out)
}

func (tx *Tx) stage(key []byte, value interface{}) error {
	encoded, err := encode(value)
	if err != nil {
		return err
	}
	tx.writes[string(key)] = encoded
	return nil
}

func (tx *Tx) remove(key []byte) {
	tx.writes[string(key)] = nil
}

// StreamGet loads a stream record.
func (tx *Tx) StreamGet(id [32]byte) (*stream.Stream, bool, error) {
	if err := tx.ensureOpen(); err != nil {
		return nil, false, err
	}
	var stored storedStream
	ok, err := tx.read(streamRecordKey(id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	s, err := stored.toStream()
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// StreamPut stages a stream record and keeps the active index in step with
// its status.
func (tx *Tx) StreamPut(s *stream.Stream) error {
	if err := tx.ensureOpen(); err != nil {
		return err
	}
	sanitized, err := stream.SanitizeStream(s)
	if err != nil {
		return err
	}
	stored, err := newStoredStream(sanitized)
	if err != nil {
		return err
	}
	if err := tx.stage(streamRecordKey(sanitized.ID), stored); err != nil {
		return err
	}
	if sanitized.Status == stream.StreamActive {
		tx.writes[string(streamActiveKey(sanitized.ID))] = []byte{0x01}
	} else {
		tx.remove(streamActiveKey(sanitized.ID))
	}
	return nil
}

// ActiveStreamIDs lists active streams with ids after the cursor in key
// order, merging staged index changes over the committed index.
func (tx *Tx) ActiveStreamIDs(after [32]byte, limit int) ([][32]byte, error) {
	if err := tx.ensureOpen(); err != nil {
		return nil, err
	}
	set := make(map[[32]byte]struct{})
	err := tx.m.db.Iterate(streamActivePrefix, func(key, _ []byte) bool {
		var id [32]byte
		copy(id[:], key[len(streamActivePrefix):])
		set[id] = struct{}{}
		return true
	})
	if err != nil {
		return nil, err
	}
	for key, value := range tx.writes {
		raw := []byte(key)
		if !bytes.HasPrefix(raw, streamActivePrefix) {
			continue
		}
		var id [32]byte
		copy(id[:], raw[len(streamActivePrefix):])
		if value == nil {
			delete(set, id)
		} else {
			set[id] = struct{}{}
		}
	}
	ids := make([][32]byte, 0, len(set))
	for id := range set {
		if bytes.Compare(id[:], after[:]) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// Stats returns the committed program counters plus this transaction's
// increments.
func (tx *Tx) Stats() (stream.Stats, error) {
	if err := tx.ensureOpen(); err != nil {
		return stream.Stats{}, err
	}
	stats, err := tx.m.loadStats()
	if err != nil {
		return stream.Stats{}, err
	}
	stats.TotalStreams += tx.newStreams
	stats.TotalVolume.Add(stats.TotalVolume, tx.volume)
	return stats, nil
}

// RecordStats increments the program counters on commit.
func (tx *Tx) RecordStats(streamsCreated, volume uint64) error {
	if err := tx.ensureOpen(); err != nil {
		return err
	}
	tx.newStreams += streamsCreated
	tx.volume.Add(tx.volume, uint256.NewInt(volume))
	return nil
}

// Commit applies every staged change in one storage batch. On error nothing
// is written and the transaction is closed.
func (tx *Tx) Commit() error {
	if err := tx.ensureOpen(); err != nil {
		return err
	}
	defer tx.Discard()

	m := tx.m
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	batch := storage.NewBatch()
	for key, value := range tx.writes {
		if value == nil {
			batch.Delete([]byte(key))
			continue
		}
		batch.Put([]byte(key), value)
	}
	for addr, d := range tx.accounts {
		base, _, err := m.loadAccount(addr)
		if err != nil {
			return err
		}
		if d.opened && base.Module != "" {
			return ErrVaultExists
		}
		updated, err := applyDelta(base, d)
		if err != nil {
			return fmt.Errorf("commit account %x: %w", addr, err)
		}
		encoded, err := encode(updated)
		if err != nil {
			return err
		}
		batch.Put(accountKey(addr), encoded)
	}
	if tx.newStreams > 0 || !tx.volume.IsZero() {
		stats, err := m.loadStats()
		if err != nil {
			return err
		}
		stats.TotalStreams += tx.newStreams
		stats.TotalVolume.Add(stats.TotalVolume, tx.volume)
		encoded, err := encode(newStoredStats(stats))
		if err != nil {
			return err
		}
		batch.Put(streamStatsKey, encoded)
	}
	if err := m.db.Write(batch); err != nil {
		return errors.Join(errors.New("state: commit failed"), err)
	}
	return nil
}

// Discard drops every staged change. It is safe to call more than once.
func (tx *Tx) Discard() {
	if tx == nil {
		return
	}
	tx.closed = true
	tx.writes = nil
	tx.accounts = nil
}
