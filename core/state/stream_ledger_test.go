package state

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"streamchain/native/stream"
	"streamchain/storage"
)

func newStreamEngine(t *testing.T, db storage.Database) (*Manager, *stream.Engine, *int64) {
	t.Helper()
	m := NewManager(db)
	capability, err := m.IssueVaultCapability(ModuleStream)
	if err != nil {
		t.Fatalf("issue capability: %v", err)
	}
	ledger, err := m.StreamLedger(capability)
	if err != nil {
		t.Fatalf("stream ledger: %v", err)
	}
	clock := new(int64)
	*clock = 1_700_000_000
	engine := stream.NewEngine()
	engine.SetLedger(ledger)
	engine.SetNowFunc(func() int64 { return atomic.LoadInt64(clock) })
	return m, engine, clock
}

func TestEngineConservesValueOnLedger(t *testing.T) {
	db, err := storage.NewLevelDB(t.TempDir())
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	defer db.Close()
	m, engine, clock := newStreamEngine(t, db)
	payer, payee := testAddress(0x01), testAddress(0x02)
	seed(t, m, Allocation{payer, 5_000})

	s, err := engine.Create(payer, payee, 10, 100, 0, true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.Start(s.ID, payer); err != nil {
		t.Fatalf("start: %v", err)
	}

	check := func() {
		t.Helper()
		current, err := engine.Get(s.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		vault, _ := m.Balance(current.Vault)
		if vault != current.EscrowBalance {
			t.Fatalf("vault %d != escrow %d", vault, current.EscrowBalance)
		}
		payerBal, _ := m.Balance(payer)
		payeeBal, _ := m.Balance(payee)
		if payerBal+payeeBal+vault != 5_000 {
			t.Fatalf("value not conserved: %d", payerBal+payeeBal+vault)
		}
	}
	check()

	atomic.AddInt64(clock, 25)
	if _, err := engine.Tick(s.ID, payee); err != nil {
		t.Fatalf("tick: %v", err)
	}
	check()
	if _, err := engine.TopUp(s.ID, payer, 500); err != nil {
		t.Fatalf("top up: %v", err)
	}
	check()
	atomic.AddInt64(clock, 10)
	done, err := engine.Terminate(s.ID, payer, "done")
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	check()
	if done.TotalPaid != 350 {
		t.Fatalf("expected 350 paid, got %d", done.TotalPaid)
	}
	if bal, _ := m.Balance(payee); bal != 350 {
		t.Fatalf("payee balance %d", bal)
	}
	if bal, _ := m.Balance(done.Vault); bal != 0 {
		t.Fatalf("vault not drained: %d", bal)
	}
	stats, _ := m.Stats()
	if stats.TotalStreams != 1 || stats.TotalVolume.Uint64() != 350 {
		t.Fatalf("unexpected stats: %d %s", stats.TotalStreams, stats.TotalVolume)
	}
}

func TestEngineConcurrentStreamsShareFunding(t *testing.T) {
	m, engine, clock := newStreamEngine(t, storage.NewMemDB())
	payer := testAddress(0x01)
	seed(t, m, Allocation{payer, 100_000})

	const streams = 8
	ids := make([][32]byte, 0, streams)
	for i := 0; i < streams; i++ {
		s, err := engine.Create(payer, testAddress(byte(0x10+i)), 10, 100, 0, true)
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if _, err := engine.Start(s.ID, payer); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		ids = append(ids, s.ID)
	}
	atomic.AddInt64(clock, 10)

	var wg sync.WaitGroup
	errs := make(chan error, streams*2)
	for _, id := range ids {
		wg.Add(2)
		go func(id [32]byte) {
			defer wg.Done()
			_, err := engine.Tick(id, payer)
			errs <- err
		}(id)
		go func(id [32]byte) {
			defer wg.Done()
			_, err := engine.TopUp(id, payer, 100)
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent operation failed: %v", err)
		}
	}

	var escrow, paid uint64
	for i, id := range ids {
		s, err := engine.Get(id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		vault, _ := m.Balance(s.Vault)
		if vault != s.EscrowBalance {
			t.Fatalf("stream %d vault %d != escrow %d", i, vault, s.EscrowBalance)
		}
		escrow += s.EscrowBalance
		bal, _ := m.Balance(testAddress(byte(0x10 + i)))
		paid += bal
	}
	payerBal, _ := m.Balance(payer)
	if payerBal+escrow+paid != 100_000 {
		t.Fatalf("value not conserved under concurrency: %d", payerBal+escrow+paid)
	}
	if paid != streams*100 {
		t.Fatalf("expected %d paid, got %d", streams*100, paid)
	}

	active, err := engine.ActiveStreams([32]byte{}, 3)
	if err != nil || len(active) != 3 {
		t.Fatalf("expected limited active listing, got %d %v", len(active), err)
	}
	seen := make(map[[32]byte]bool)
	var cursor [32]byte
	for {
		page, err := engine.ActiveStreams(cursor, 3)
		if err != nil {
			t.Fatalf("page after %x: %v", cursor, err)
		}
		for _, s := range page {
			if seen[s.ID] {
				t.Fatalf("stream %x listed twice", s.ID)
			}
			seen[s.ID] = true
		}
		if len(page) < 3 {
			break
		}
		cursor = page[len(page)-1].ID
	}
	if len(seen) != streams {
		t.Fatalf("paging reached %d of %d streams", len(seen), streams)
	}
}

func TestPayeeCannotTargetAnotherStreamsVault(t *testing.T) {
	m, engine, clock := newStreamEngine(t, storage.NewMemDB())
	victim, attacker := testAddress(0x01), testAddress(0x03)
	seed(t, m, Allocation{victim, 1_000}, Allocation{attacker, 500})

	target, err := engine.Create(victim, testAddress(0x02), 10, 100, 0, true)
	if err != nil {
		t.Fatalf("victim create: %v", err)
	}
	if _, err := engine.Create(attacker, target.Vault, 1, 100, 0, true); !errors.Is(err, stream.ErrPayeeIsVault) {
		t.Fatalf("expected ErrPayeeIsVault, got %v", err)
	}
	if bal, _ := m.Balance(attacker); bal != 500 {
		t.Fatalf("rejected create moved funds: attacker has %d", bal)
	}

	tx, err := m.BeginWithCapability(m.issued[ModuleStream])
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Withdraw(target.Vault, target.Vault, 1); !errors.Is(err, ErrModuleRecipient) {
		t.Fatalf("expected ErrModuleRecipient, got %v", err)
	}
	tx.Discard()

	plain, _ := m.Begin()
	if err := plain.Transfer(attacker, target.Vault, 1); !errors.Is(err, ErrNotVault) {
		t.Fatalf("plain transfer into a vault: expected ErrNotVault, got %v", err)
	}
	plain.Discard()

	atomic.AddInt64(clock, 1)
	cancelled, err := engine.Cancel(target.ID, victim)
	if err != nil {
		t.Fatalf("victim cancel: %v", err)
	}
	if cancelled.EscrowBalance != 0 {
		t.Fatalf("escrow not refunded: %+v", cancelled)
	}
	if bal, _ := m.Balance(victim); bal != 1_000 {
		t.Fatalf("victim balance %d after cancel", bal)
	}
}
