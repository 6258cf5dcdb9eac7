package state

import "streamchain/core/types"

type storedAccount struct {
	Nonce   uint64
	Balance uint64
	Module  string
}

func (s *storedAccount) toAccount() *types.Account {
	if s == nil {
		return &types.Account{}
	}
	return &types.Account{Nonce: s.Nonce, Balance: s.Balance, Module: s.Module}
}

// loadAccount reads the committed account. The boolean reports whether the
// account exists in storage.
func (m *Manager) loadAccount(addr [20]byte) (*storedAccount, bool, error) {
	var stored storedAccount
	ok, err := m.get(accountKey(addr), &stored)
	if err != nil {
		return nil, false, err
	}
	return &stored, ok, nil
}

// accountDelta accumulates the balance movements a transaction makes against
// one account. Deltas are applied to a fresh read at commit so concurrent
// transactions touching the same account never lose updates.
type accountDelta struct {
	credit uint64
	debit  uint64
	opened bool
	module string
}

func applyDelta(base *storedAccount, delta *accountDelta) (*storedAccount, error) {
	out := *base
	if delta == nil {
		return &out, nil
	}
	sum := out.Balance + delta.credit
	if sum < out.Balance {
		return nil, ErrBalanceOverflow
	}
	if sum < delta.debit {
		return nil, ErrInsufficientBalance
	}
	out.Balance = sum - delta.debit
	if delta.opened {
		out.Module = delta.module
	}
	return &out, nil
}
