package state

import (
	"fmt"

	"streamchain/storage"
)

// Allocation seeds an account balance at first start.
type Allocation struct {
	Address [20]byte
	Balance uint64
}

// ApplyGenesis credits the allocations once. Subsequent calls are no-ops and
// report false.
func (m *Manager) ApplyGenesis(allocs []Allocation) (bool, error) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	applied, err := m.db.Has(genesisMarkerKey)
	if err != nil {
		return false, err
	}
	if applied {
		return false, nil
	}
	totals := make(map[[20]byte]uint64, len(allocs))
	for _, alloc := range allocs {
		sum := totals[alloc.Address] + alloc.Balance
		if sum < totals[alloc.Address] {
			return false, fmt.Errorf("genesis: allocation overflow for %x", alloc.Address)
		}
		totals[alloc.Address] = sum
	}
	batch := storage.NewBatch()
	for addr, balance := range totals {
		base, _, err := m.loadAccount(addr)
		if err != nil {
			return false, err
		}
		updated, err := applyDelta(base, &accountDelta{credit: balance})
		if err != nil {
			return false, err
		}
		encoded, err := encode(updated)
		if err != nil {
			return false, err
		}
		batch.Put(accountKey(addr), encoded)
	}
	batch.Put(genesisMarkerKey, []byte{0x01})
	if err := m.db.Write(batch); err != nil {
		return false, err
	}
	return true, nil
}
