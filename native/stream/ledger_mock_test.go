package stream

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/holiman/uint256"

	"streamchain/core/events"
)

type mockLedger struct {
	mu         sync.Mutex
	streams    map[[32]byte]*Stream
	balances   map[[20]byte]uint64
	vaults     map[[20]byte]bool
	stats      Stats
	failCommit error
	commits    int
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		streams:  make(map[[32]byte]*Stream),
		balances: make(map[[20]byte]uint64),
		vaults:   make(map[[20]byte]bool),
		stats:    Stats{TotalVolume: new(uint256.Int)},
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func (m *mockLedger) credit(addr [20]byte, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[addr] += amount
}

func (m *mockLedger) balance(addr [20]byte) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[addr]
}

func (m *mockLedger) Begin() (Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &mockTx{
		ledger:   m,
		streams:  make(map[[32]byte]*Stream, len(m.streams)),
		balances: make(map[[20]byte]uint64, len(m.balances)),
		vaults:   make(map[[20]byte]bool, len(m.vaults)),
		stats:    m.stats.Clone(),
	}
	for id, s := range m.streams {
		tx.streams[id] = s.Clone()
	}
	for addr, bal := range m.balances {
		tx.balances[addr] = bal
	}
	for addr := range m.vaults {
		tx.vaults[addr] = true
	}
	return tx, nil
}

type mockTx struct {
	ledger   *mockLedger
	streams  map[[32]byte]*Stream
	balances map[[20]byte]uint64
	vaults   map[[20]byte]bool
	stats    Stats
	done     bool
}

var errTxClosed = errors.New("mock: transaction closed")

func (tx *mockTx) StreamGet(id [32]byte) (*Stream, bool, error) {
	s, ok := tx.streams[id]
	if !ok {
		return nil, false, nil
	}
	return s.Clone(), true, nil
}

func (tx *mockTx) StreamPut(s *Stream) error {
	sanitized, err := SanitizeStream(s)
	if err != nil {
		return err
	}
	tx.streams[sanitized.ID] = sanitized
	return nil
}

func (tx *mockTx) ActiveStreamIDs(after [32]byte, limit int) ([][32]byte, error) {
	ids := make([][32]byte, 0)
	for id, s := range tx.streams {
		if s.Status == StreamActive && bytes.Compare(id[:], after[:]) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (tx *mockTx) Balance(addr [20]byte) (uint64, error) {
	return tx.balances[addr], nil
}

func (tx *mockTx) IsModuleAccount(addr [20]byte) (bool, error) {
	return tx.vaults[addr], nil
}

func (tx *mockTx) move(from, to [20]byte, amount uint64) error {
	if tx.balances[from] < amount {
		return fmt.Errorf("mock: insufficient balance")
	}
	tx.balances[from] -= amount
	tx.balances[to] += amount
	return nil
}

func (tx *mockTx) Transfer(from, to [20]byte, amount uint64) error {
	if tx.vaults[from] {
		return fmt.Errorf("mock: vault debit requires capability")
	}
	return tx.move(from, to, amount)
}

func (tx *mockTx) OpenVault(vault [20]byte) error {
	if tx.vaults[vault] {
		return fmt.Errorf("mock: vault already open")
	}
	tx.vaults[vault] = true
	return nil
}

func (tx *mockTx) Withdraw(vault, to [20]byte, amount uint64) error {
	if !tx.vaults[vault] {
		return fmt.Errorf("mock: not a vault")
	}
	if tx.vaults[to] {
		return fmt.Errorf("mock: withdrawal into a vault")
	}
	return tx.move(vault, to, amount)
}

func (tx *mockTx) Stats() (Stats, error) {
	return tx.stats.Clone(), nil
}

func (tx *mockTx) RecordStats(streamsCreated, volume uint64) error {
	tx.stats.TotalStreams += streamsCreated
	tx.stats.TotalVolume.Add(tx.stats.TotalVolume, uint256.NewInt(volume))
	return nil
}

func (tx *mockTx) Commit() error {
	if tx.done {
		return errTxClosed
	}
	m := tx.ledger
	m.mu.Lock()
	defer m.mu.Unlock()
	tx.done = true
	if m.failCommit != nil {
		return m.failCommit
	}
	m.streams = tx.streams
	m.balances = tx.balances
	m.vaults = tx.vaults
	m.stats = tx.stats
	m.commits++
	return nil
}

func (tx *mockTx) Discard() { tx.done = true }

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) types() []string {
	out := make([]string, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.EventType()
	}
	return out
}

func (r *recordingEmitter) last() events.Event {
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}
