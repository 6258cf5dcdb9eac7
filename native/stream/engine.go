package stream

import (
	"fmt"
	"time"

	"streamchain/core/events"
)

// Engine is the settlement controller for payment streams. It owns the
// lifecycle state machine and is the only component able to debit stream
// vaults, through the capability-bound Ledger it is configured with.
type Engine struct {
	ledger  Ledger
	emitter events.Emitter
	params  Params
	locks   *keyedMutex
	nowFn   func() int64
}

// NewEngine creates a stream engine with default policy bounds and a no-op
// emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		params:  DefaultParams(),
		locks:   newKeyedMutex(),
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetLedger configures the transactional state backend.
func (e *Engine) SetLedger(ledger Ledger) { e.ledger = ledger }

// SetParams replaces the policy bounds after validating them.
func (e *Engine) SetParams(params Params) error {
	if err := params.Validate(); err != nil {
		return err
	}
	e.params = params
	return nil
}

// Params returns the active policy bounds.
func (e *Engine) Params() Params { return e.params }

// SetNowFunc overrides the clock. Tests use it to drive ticks
// deterministically.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evts []events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	for _, evt := range evts {
		if evt != nil {
			e.emitter.Emit(evt)
		}
	}
}

type operation func(tx Tx, s *Stream, now int64) ([]events.Event, error)

// apply runs op against the stream under its lock inside one ledger
// transaction. Events are only emitted once the transaction has committed.
func (e *Engine) apply(id [32]byte, op operation) (*Stream, error) {
	if e == nil || e.ledger == nil {
		return nil, errNilLedger
	}
	unlock := e.locks.Lock(id)
	defer unlock()

	tx, err := e.ledger.Begin()
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Discard()
		}
	}()

	s, ok, err := tx.StreamGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrStreamNotFound
	}
	from := s.Status
	emitted, err := op(tx, s, e.now())
	if err != nil {
		return nil, err
	}
	if !CanTransition(from, s.Status) {
		return nil, fmt.Errorf("stream engine: illegal transition %s -> %s", from, s.Status)
	}
	if err := finalize(tx, s); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	e.emit(emitted)
	return s.Clone(), nil
}

func finalize(tx Tx, s *Stream) error {
	balance, err := tx.Balance(s.Vault)
	if err != nil {
		return err
	}
	if balance != s.EscrowBalance {
		return fmt.Errorf("%w: vault %d, escrow %d", errVaultMismatch, balance, s.EscrowBalance)
	}
	return tx.StreamPut(s)
}

// payout moves amount from the vault to the payee and advances the paid
// counters.
func payout(tx Tx, s *Stream, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if amount > s.EscrowBalance {
		return ErrInsufficientEscrow
	}
	total, err := addUint64(s.TotalPaid, amount)
	if err != nil {
		return err
	}
	if err := requirePlainPayee(tx, s.Payee); err != nil {
		return err
	}
	if err := tx.Withdraw(s.Vault, s.Payee, amount); err != nil {
		return err
	}
	if err := tx.RecordStats(0, amount); err != nil {
		return err
	}
	s.TotalPaid = total
	s.EscrowBalance -= amount
	return nil
}

// requirePlainPayee rejects payees that are vaults or other module-owned
// accounts. Crediting one would move value into an escrow outside its
// stream's accounting.
func requirePlainPayee(tx Tx, payee [20]byte) error {
	module, err := tx.IsModuleAccount(payee)
	if err != nil {
		return err
	}
	if module {
		return ErrPayeeIsVault
	}
	return nil
}

// refundRemaining drains the vault back to the payer.
func refundRemaining(tx Tx, s *Stream) (uint64, error) {
	amount := s.EscrowBalance
	if amount == 0 {
		return 0, nil
	}
	if err := tx.Withdraw(s.Vault, s.Payer, amount); err != nil {
		return 0, err
	}
	s.EscrowBalance = 0
	return amount, nil
}

func (e *Engine) validateTerms(payee [20]byte, rate uint64, maxDuration, gracePeriod int64) (uint64, error) {
	if payee == zeroAddress {
		return 0, ErrInvalidPayee
	}
	if rate == 0 {
		return 0, ErrInvalidRate
	}
	if maxDuration < e.params.MinDuration || maxDuration > e.params.MaxDuration {
		return 0, ErrInvalidDuration
	}
	if gracePeriod < 0 || gracePeriod > e.params.MaxGracePeriod {
		return 0, ErrInvalidGracePeriod
	}
	return mulUint64(rate, uint64(maxDuration))
}

// Create escrows rate*maxDuration from the payer into a fresh vault and
// records a pending stream. The grace period is stored but not consulted.
func (e *Engine) Create(payer, payee [20]byte, rate uint64, maxDuration, gracePeriod int64, autoTerminate bool) (*Stream, error) {
	if e == nil || e.ledger == nil {
		return nil, errNilLedger
	}
	if err := requireAuthenticated(payer); err != nil {
		return nil, err
	}
	required, err := e.validateTerms(payee, rate, maxDuration, gracePeriod)
	if err != nil {
		return nil, err
	}
	now := e.now()
	id := DeriveStreamID(payer, payee, now)

	unlock := e.locks.Lock(id)
	defer unlock()

	tx, err := e.ledger.Begin()
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Discard()
		}
	}()

	if _, exists, err := tx.StreamGet(id); err != nil {
		return nil, err
	} else if exists {
		return nil, ErrStreamExists
	}
	if err := requirePlainPayee(tx, payee); err != nil {
		return nil, err
	}
	balance, err := tx.Balance(payer)
	if err != nil {
		return nil, err
	}
	if balance < required {
		return nil, ErrInsufficientFunds
	}
	vault := VaultAddress(id)
	if err := tx.OpenVault(vault); err != nil {
		return nil, err
	}
	if err := tx.Transfer(payer, vault, required); err != nil {
		return nil, err
	}
	s := &Stream{
		ID:            id,
		Payer:         payer,
		Payee:         payee,
		Vault:         vault,
		RatePerSecond: rate,
		MaxDuration:   maxDuration,
		GracePeriod:   gracePeriod,
		AutoTerminate: autoTerminate,
		Status:        StreamPending,
		CreatedAt:     now,
		EscrowBalance: required,
	}
	if err := tx.RecordStats(1, 0); err != nil {
		return nil, err
	}
	if err := finalize(tx, s); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	e.emit([]events.Event{events.StreamCreated{
		StreamID:      s.ID,
		Payer:         s.Payer,
		Payee:         s.Payee,
		Vault:         s.Vault,
		RatePerSecond: s.RatePerSecond,
		EscrowAmount:  required,
		MaxDuration:   s.MaxDuration,
		AutoTerminate: s.AutoTerminate,
		Timestamp:     now,
	}})
	return s.Clone(), nil
}

// Start activates a pending stream. Billing begins at the start time.
func (e *Engine) Start(id [32]byte, caller [20]byte) (*Stream, error) {
	return e.apply(id, func(tx Tx, s *Stream, now int64) ([]events.Event, error) {
		if err := requirePayer(s, caller); err != nil {
			return nil, err
		}
		if s.Status != StreamPending {
			return nil, ErrNotPending
		}
		s.Status = StreamActive
		s.StartedAt = now
		s.LastTickAt = now
		return []events.Event{events.StreamStarted{StreamID: s.ID, StartedAt: now}}, nil
	})
}

// Pause halts billing without moving funds.
func (e *Engine) Pause(id [32]byte, caller [20]byte) (*Stream, error) {
	return e.apply(id, func(tx Tx, s *Stream, now int64) ([]events.Event, error) {
		if err := requirePayer(s, caller); err != nil {
			return nil, err
		}
		if s.Status != StreamActive {
			return nil, ErrNotActive
		}
		s.Status = StreamPaused
		return []events.Event{events.StreamPaused{StreamID: s.ID, Timestamp: now}}, nil
	})
}

// Resume reactivates a paused stream and restarts the billing clock so the
// paused interval is never charged.
func (e *Engine) Resume(id [32]byte, caller [20]byte) (*Stream, error) {
	return e.apply(id, func(tx Tx, s *Stream, now int64) ([]events.Event, error) {
		if err := requirePayer(s, caller); err != nil {
			return nil, err
		}
		if s.Status != StreamPaused {
			return nil, ErrNotPaused
		}
		s.Status = StreamActive
		s.LastTickAt = now
		return []events.Event{events.StreamResumed{StreamID: s.ID, Timestamp: now}}, nil
	})
}

// Terminate settles any accrued time, refunds the remainder to the payer and
// completes the stream. The final settlement is capped at the escrow balance
// and never fails for insufficiency.
func (e *Engine) Terminate(id [32]byte, caller [20]byte, reason string) (*Stream, error) {
	reason = normalizeText(reason)
	if reason == "" {
		reason = ReasonTerminated
	}
	return e.apply(id, func(tx Tx, s *Stream, now int64) ([]events.Event, error) {
		if err := requireParticipant(s, caller); err != nil {
			return nil, err
		}
		switch s.Status {
		case StreamCompleted, StreamCancelled:
			return nil, ErrAlreadyTerminated
		case StreamDisputed:
			return nil, ErrDisputed
		}
		var final uint64
		if s.Status == StreamActive && now > s.LastTickAt {
			due, err := mulUint64(s.RatePerSecond, uint64(now-s.LastTickAt))
			if err != nil {
				due = s.EscrowBalance
			}
			final = minUint64(due, s.EscrowBalance)
			if err := payout(tx, s, final); err != nil {
				return nil, err
			}
			s.LastTickAt = now
		}
		refunded, err := refundRemaining(tx, s)
		if err != nil {
			return nil, err
		}
		s.Status = StreamCompleted
		return []events.Event{events.StreamTerminated{
			StreamID:     s.ID,
			Reason:       reason,
			TotalPaid:    s.TotalPaid,
			FinalPayment: final,
			Refunded:     refunded,
			Timestamp:    now,
		}}, nil
	})
}

// TopUp adds amount from the payer to the stream's vault.
func (e *Engine) TopUp(id [32]byte, caller [20]byte, amount uint64) (*Stream, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	return e.apply(id, func(tx Tx, s *Stream, now int64) ([]events.Event, error) {
		if err := requirePayer(s, caller); err != nil {
			return nil, err
		}
		switch s.Status {
		case StreamCompleted, StreamCancelled:
			return nil, ErrAlreadyTerminated
		case StreamDisputed:
			return nil, ErrDisputed
		}
		newBalance, err := addUint64(s.EscrowBalance, amount)
		if err != nil {
			return nil, err
		}
		available, err := tx.Balance(s.Payer)
		if err != nil {
			return nil, err
		}
		if available < amount {
			return nil, ErrInsufficientFunds
		}
		if err := tx.Transfer(s.Payer, s.Vault, amount); err != nil {
			return nil, err
		}
		s.EscrowBalance = newBalance
		return []events.Event{events.EscrowToppedUp{
			StreamID:   s.ID,
			Amount:     amount,
			NewBalance: newBalance,
			Timestamp:  now,
		}}, nil
	})
}

// Cancel refunds the full escrow of a stream that never started.
func (e *Engine) Cancel(id [32]byte, caller [20]byte) (*Stream, error) {
	return e.apply(id, func(tx Tx, s *Stream, now int64) ([]events.Event, error) {
		if err := requirePayer(s, caller); err != nil {
			return nil, err
		}
		if s.Status.Terminal() {
			return nil, ErrAlreadyTerminated
		}
		if s.Status != StreamPending {
			return nil, ErrNotPending
		}
		refunded, err := refundRemaining(tx, s)
		if err != nil {
			return nil, err
		}
		s.Status = StreamCancelled
		return []events.Event{events.StreamCancelled{StreamID: s.ID, Refunded: refunded, Timestamp: now}}, nil
	})
}

// LinkTask attaches an external task identifier. The link can be set once.
func (e *Engine) LinkTask(id [32]byte, caller [20]byte, taskID [32]byte) (*Stream, error) {
	if taskID == ([32]byte{}) {
		return nil, ErrInvalidTask
	}
	return e.apply(id, func(tx Tx, s *Stream, now int64) ([]events.Event, error) {
		if err := requireCollaborator(e.params.TaskMarket, caller); err != nil {
			return nil, err
		}
		if s.Linked() {
			return nil, ErrAlreadyLinked
		}
		task := taskID
		s.LinkedTask = &task
		return []events.Event{events.StreamLinked{StreamID: s.ID, TaskID: taskID, Timestamp: now}}, nil
	})
}

// Get loads a stream by id.
func (e *Engine) Get(id [32]byte) (*Stream, error) {
	if e == nil || e.ledger == nil {
		return nil, errNilLedger
	}
	tx, err := e.ledger.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Discard()
	s, ok, err := tx.StreamGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrStreamNotFound
	}
	return s, nil
}

// ActiveStreams returns up to limit streams currently accruing whose id sorts
// after the cursor, in id order. A zero cursor starts at the beginning and a
// non-positive limit returns every remaining active stream.
func (e *Engine) ActiveStreams(after [32]byte, limit int) ([]*Stream, error) {
	if e == nil || e.ledger == nil {
		return nil, errNilLedger
	}
	tx, err := e.ledger.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Discard()
	ids, err := tx.ActiveStreamIDs(after, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Stream, 0, len(ids))
	for _, id := range ids {
		s, ok, err := tx.StreamGet(id)
		if err != nil {
			return nil, err
		}
		if !ok || s.Status != StreamActive {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Stats returns the program-wide counters.
func (e *Engine) Stats() (Stats, error) {
	if e == nil || e.ledger == nil {
		return Stats{}, errNilLedger
	}
	tx, err := e.ledger.Begin()
	if err != nil {
		return Stats{}, err
	}
	defer tx.Discard()
	return tx.Stats()
}
