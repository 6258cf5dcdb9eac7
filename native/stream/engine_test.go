package stream

import (
	"errors"
	"math"
	"testing"

	"streamchain/core/events"
)

type testHarness struct {
	engine  *Engine
	ledger  *mockLedger
	emitter *recordingEmitter
	clock   int64
	payer   [20]byte
	payee   [20]byte
}

func newHarness(t *testing.T, payerFunds uint64) *testHarness {
	t.Helper()
	h := &testHarness{
		engine:  NewEngine(),
		ledger:  newMockLedger(),
		emitter: &recordingEmitter{},
		clock:   1_700_000_000,
		payer:   newTestAddress(0x01),
		payee:   newTestAddress(0x02),
	}
	h.engine.SetLedger(h.ledger)
	h.engine.SetEmitter(h.emitter)
	h.engine.SetNowFunc(func() int64 { return h.clock })
	h.ledger.credit(h.payer, payerFunds)
	return h
}

func (h *testHarness) advance(seconds int64) { h.clock += seconds }

func (h *testHarness) create(t *testing.T, rate uint64, duration int64, autoTerminate bool) *Stream {
	t.Helper()
	s, err := h.engine.Create(h.payer, h.payee, rate, duration, 0, autoTerminate)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return s
}

func (h *testHarness) createAndStart(t *testing.T, rate uint64, duration int64, autoTerminate bool) *Stream {
	t.Helper()
	s := h.create(t, rate, duration, autoTerminate)
	started, err := h.engine.Start(s.ID, h.payer)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return started
}

// assertConserved checks the vault mirrors the escrow balance and no value
// leaked out of the payer/payee/vault triangle.
func (h *testHarness) assertConserved(t *testing.T, id [32]byte, total uint64) {
	t.Helper()
	s, err := h.engine.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	vault := h.ledger.balance(s.Vault)
	if vault != s.EscrowBalance {
		t.Fatalf("vault balance %d != escrow balance %d", vault, s.EscrowBalance)
	}
	sum := h.ledger.balance(h.payer) + h.ledger.balance(h.payee) + vault
	if sum != total {
		t.Fatalf("value not conserved: got %d want %d", sum, total)
	}
	if s.Status.Terminal() && vault != 0 {
		t.Fatalf("terminal stream retains %d in vault", vault)
	}
}

func TestScenarioATickWithinEscrow(t *testing.T) {
	h := newHarness(t, 5_000)
	s := h.createAndStart(t, 10, 100, true)
	if s.EscrowBalance != 1_000 {
		t.Fatalf("expected escrow 1000, got %d", s.EscrowBalance)
	}

	h.advance(50)
	s, err := h.engine.Tick(s.ID, h.payee)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if s.TotalPaid != 500 || s.EscrowBalance != 500 || s.TotalTicks != 1 {
		t.Fatalf("unexpected stream after tick: %+v", s)
	}
	if s.Status != StreamActive {
		t.Fatalf("expected active, got %s", s.Status)
	}
	if got := h.ledger.balance(h.payee); got != 500 {
		t.Fatalf("payee balance %d", got)
	}
	tick, ok := h.emitter.last().(events.StreamTicked)
	if !ok {
		t.Fatalf("expected tick event, got %T", h.emitter.last())
	}
	if tick.TickNumber != 1 || tick.Amount != 500 || tick.TotalPaid != 500 || tick.EscrowRemaining != 500 {
		t.Fatalf("unexpected tick event: %+v", tick)
	}
	h.assertConserved(t, s.ID, 5_000)
}

func TestScenarioBDepletionAutoTerminates(t *testing.T) {
	h := newHarness(t, 1_000)
	s := h.createAndStart(t, 10, 100, true)
	h.advance(50)
	if _, err := h.engine.Tick(s.ID, h.payee); err != nil {
		t.Fatalf("tick: %v", err)
	}

	h.advance(60)
	s, err := h.engine.Tick(s.ID, h.payee)
	if err != nil {
		t.Fatalf("depleting tick: %v", err)
	}
	if s.Status != StreamCompleted || s.TotalPaid != 1_000 || s.EscrowBalance != 0 {
		t.Fatalf("unexpected stream after depletion: %+v", s)
	}
	if s.TotalTicks != 1 {
		t.Fatalf("depletion must not count as a regular tick, got %d", s.TotalTicks)
	}
	term, ok := h.emitter.last().(events.StreamTerminated)
	if !ok {
		t.Fatalf("expected terminated event, got %T", h.emitter.last())
	}
	if term.Reason != ReasonEscrowDepleted || term.TotalPaid != 1_000 || term.FinalPayment != 500 {
		t.Fatalf("unexpected terminated event: %+v", term)
	}
	h.assertConserved(t, s.ID, 1_000)

	h.advance(10)
	if _, err := h.engine.Tick(s.ID, h.payee); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive after completion, got %v", err)
	}
}

func TestScenarioCDepletionWithoutAutoTerminateRejects(t *testing.T) {
	h := newHarness(t, 1_000)
	s := h.createAndStart(t, 10, 100, false)
	h.advance(50)
	if _, err := h.engine.Tick(s.ID, h.payee); err != nil {
		t.Fatalf("tick: %v", err)
	}
	emitted := len(h.emitter.events)

	h.advance(60)
	if _, err := h.engine.Tick(s.ID, h.payee); !errors.Is(err, ErrInsufficientEscrow) {
		t.Fatalf("expected ErrInsufficientEscrow, got %v", err)
	}
	got, err := h.engine.Get(s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StreamActive || got.EscrowBalance != 500 || got.TotalPaid != 500 || got.TotalTicks != 1 {
		t.Fatalf("state changed on rejected tick: %+v", got)
	}
	if len(h.emitter.events) != emitted {
		t.Fatalf("rejected tick emitted an event")
	}

	// Topping up lets the stalled tick through.
	if _, err := h.engine.TopUp(s.ID, h.payer, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := h.engine.TopUp(s.ID, h.payer, 1); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	h.ledger.credit(h.payer, 200)
	topped, err := h.engine.TopUp(s.ID, h.payer, 200)
	if err != nil {
		t.Fatalf("top up: %v", err)
	}
	if topped.EscrowBalance != 700 {
		t.Fatalf("expected escrow 700, got %d", topped.EscrowBalance)
	}
	ticked, err := h.engine.Tick(s.ID, h.payee)
	if err != nil {
		t.Fatalf("tick after top up: %v", err)
	}
	if ticked.EscrowBalance != 100 || ticked.TotalPaid != 1_100 {
		t.Fatalf("unexpected stream after top up tick: %+v", ticked)
	}
	h.assertConserved(t, s.ID, 1_200)
}

func TestTickDueEqualToEscrowIsRegularTick(t *testing.T) {
	for _, auto := range []bool{true, false} {
		h := newHarness(t, 1_000)
		s := h.createAndStart(t, 10, 100, auto)
		h.advance(100)
		ticked, err := h.engine.Tick(s.ID, h.payee)
		if err != nil {
			t.Fatalf("auto=%v: tick draining escrow: %v", auto, err)
		}
		if ticked.Status != StreamActive || ticked.EscrowBalance != 0 || ticked.TotalPaid != 1_000 || ticked.TotalTicks != 1 {
			t.Fatalf("auto=%v: unexpected stream: %+v", auto, ticked)
		}
		ev, ok := h.emitter.last().(events.StreamTicked)
		if !ok || ev.Amount != 1_000 || ev.EscrowRemaining != 0 {
			t.Fatalf("auto=%v: expected tick event, got %#v", auto, h.emitter.last())
		}
		h.assertConserved(t, s.ID, 1_000)

		h.advance(1)
		next, err := h.engine.Tick(s.ID, h.payee)
		if auto {
			if err != nil {
				t.Fatalf("auto=%v: follow-up tick: %v", auto, err)
			}
			if next.Status != StreamCompleted || next.TotalPaid != 1_000 {
				t.Fatalf("auto=%v: expected completion, got %+v", auto, next)
			}
			term, ok := h.emitter.last().(events.StreamTerminated)
			if !ok || term.FinalPayment != 0 || term.Reason != ReasonEscrowDepleted {
				t.Fatalf("auto=%v: unexpected terminal event %#v", auto, h.emitter.last())
			}
		} else if !errors.Is(err, ErrInsufficientEscrow) {
			t.Fatalf("auto=%v: expected ErrInsufficientEscrow, got %v", auto, err)
		}
		h.assertConserved(t, s.ID, 1_000)
	}
}

func TestPayeeCannotBeVault(t *testing.T) {
	h := newHarness(t, 5_000)
	victim := h.createAndStart(t, 10, 100, true)

	if _, err := h.engine.Create(h.payer, victim.Vault, 1, 10, 0, true); !errors.Is(err, ErrPayeeIsVault) {
		t.Fatalf("expected ErrPayeeIsVault, got %v", err)
	}
	if KindOf(ErrPayeeIsVault) != KindValidation {
		t.Fatalf("payee vault rejection must be a validation error")
	}

	// A record pointing at a vault is refused at payout time as well.
	other := h.createAndStart(t, 1, 10, true)
	h.ledger.mu.Lock()
	h.ledger.streams[other.ID].Payee = victim.Vault
	h.ledger.mu.Unlock()
	h.advance(5)
	if _, err := h.engine.Tick(other.ID, h.payee); !errors.Is(err, ErrPayeeIsVault) {
		t.Fatalf("expected ErrPayeeIsVault on payout, got %v", err)
	}
	if got := h.ledger.balance(victim.Vault); got != 1_000 {
		t.Fatalf("victim vault changed to %d", got)
	}
	if _, err := h.engine.Terminate(victim.ID, h.payer, ""); err != nil {
		t.Fatalf("victim terminate: %v", err)
	}
}

func TestScenarioDCancelPending(t *testing.T) {
	h := newHarness(t, 1_000)
	s := h.create(t, 10, 100, true)
	if got := h.ledger.balance(h.payer); got != 0 {
		t.Fatalf("payer should be fully escrowed, has %d", got)
	}

	if _, err := h.engine.Cancel(s.ID, h.payee); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for payee cancel, got %v", err)
	}
	cancelled, err := h.engine.Cancel(s.ID, h.payer)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StreamCancelled || cancelled.EscrowBalance != 0 {
		t.Fatalf("unexpected cancelled stream: %+v", cancelled)
	}
	if got := h.ledger.balance(h.payer); got != 1_000 {
		t.Fatalf("expected full refund, payer has %d", got)
	}
	evt, ok := h.emitter.last().(events.StreamCancelled)
	if !ok || evt.Refunded != 1_000 {
		t.Fatalf("unexpected cancel event: %#v", h.emitter.last())
	}

	_, err = h.engine.Cancel(s.ID, h.payer)
	if err == nil || KindOf(err) != KindState {
		t.Fatalf("expected state error on second cancel, got %v", err)
	}
	h.assertConserved(t, s.ID, 1_000)
}

func TestScenarioEPauseResumeNeverBillsPausedTime(t *testing.T) {
	h := newHarness(t, 1_000)
	s := h.createAndStart(t, 10, 100, true)

	h.advance(10)
	if _, err := h.engine.Pause(s.ID, h.payee); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for payee pause, got %v", err)
	}
	paused, err := h.engine.Pause(s.ID, h.payer)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.EscrowBalance != 1_000 || paused.TotalPaid != 0 {
		t.Fatalf("pause moved funds: %+v", paused)
	}
	if _, err := h.engine.Tick(s.ID, h.payee); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive while paused, got %v", err)
	}
	if _, err := h.engine.Pause(s.ID, h.payer); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive on double pause, got %v", err)
	}

	h.advance(40)
	resumed, err := h.engine.Resume(s.ID, h.payer)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.EscrowBalance != 1_000 || resumed.LastTickAt != h.clock {
		t.Fatalf("unexpected resumed stream: %+v", resumed)
	}
	if _, err := h.engine.Resume(s.ID, h.payer); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("expected ErrNotPaused, got %v", err)
	}

	if _, err := h.engine.Tick(s.ID, h.payee); !errors.Is(err, ErrNoTimeElapsed) {
		t.Fatalf("expected ErrNoTimeElapsed immediately after resume, got %v", err)
	}

	h.advance(5)
	ticked, err := h.engine.Tick(s.ID, h.payee)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if ticked.TotalPaid != 50 {
		t.Fatalf("expected only 5s billed after resume, paid %d", ticked.TotalPaid)
	}
	h.assertConserved(t, s.ID, 1_000)
}

func TestSecondTickAtSameTimestampFails(t *testing.T) {
	h := newHarness(t, 1_000)
	s := h.createAndStart(t, 1, 100, true)
	h.advance(3)
	if _, err := h.engine.Tick(s.ID, h.payee); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, err := h.engine.Tick(s.ID, h.payee); !errors.Is(err, ErrNoTimeElapsed) {
		t.Fatalf("expected ErrNoTimeElapsed, got %v", err)
	}
	h.clock -= 10
	if _, err := h.engine.Tick(s.ID, h.payee); !errors.Is(err, ErrNoTimeElapsed) {
		t.Fatalf("expected ErrNoTimeElapsed on clock regression, got %v", err)
	}
	if KindOf(ErrNoTimeElapsed) != KindTemporal {
		t.Fatalf("no-time-elapsed should be temporal")
	}
}

func TestCreateValidation(t *testing.T) {
	zero := [20]byte{}
	cases := []struct {
		name     string
		payer    [20]byte
		payee    [20]byte
		rate     uint64
		duration int64
		grace    int64
		want     error
	}{
		{"zero rate", newTestAddress(1), newTestAddress(2), 0, 100, 0, ErrInvalidRate},
		{"duration too short", newTestAddress(1), newTestAddress(2), 1, 59, 0, ErrInvalidDuration},
		{"duration too long", newTestAddress(1), newTestAddress(2), 1, DefaultMaxDuration + 1, 0, ErrInvalidDuration},
		{"negative grace", newTestAddress(1), newTestAddress(2), 1, 100, -1, ErrInvalidGracePeriod},
		{"grace too long", newTestAddress(1), newTestAddress(2), 1, 100, 301, ErrInvalidGracePeriod},
		{"overflow", newTestAddress(1), newTestAddress(2), math.MaxUint64, 100, 0, ErrOverflow},
		{"insufficient funds", newTestAddress(1), newTestAddress(2), 1_000, 100, 0, ErrInsufficientFunds},
		{"missing payee", newTestAddress(1), zero, 1, 100, 0, ErrInvalidPayee},
		{"anonymous payer", zero, newTestAddress(2), 1, 100, 0, ErrUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 10_000)
			h.payer = tc.payer
			_, err := h.engine.Create(tc.payer, tc.payee, tc.rate, tc.duration, tc.grace, true)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if len(h.emitter.events) != 0 {
				t.Fatalf("failed create emitted events")
			}
			if got := h.ledger.balance(newTestAddress(1)); got != 10_000 {
				t.Fatalf("failed create moved funds: %d", got)
			}
		})
	}
}

func TestCreateBoundaryTermsAndGraceStored(t *testing.T) {
	h := newHarness(t, 10_000)
	s, err := h.engine.Create(h.payer, h.payee, 1, DefaultMinDuration, DefaultMaxGracePeriod, false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.GracePeriod != DefaultMaxGracePeriod || s.Status != StreamPending {
		t.Fatalf("unexpected stream: %+v", s)
	}
	if s.Vault != VaultAddress(s.ID) || s.ID != DeriveStreamID(h.payer, h.payee, h.clock) {
		t.Fatalf("stream identity not derived from its terms")
	}
	if _, err := h.engine.Create(h.payer, h.payee, 1, DefaultMinDuration, 0, false); !errors.Is(err, ErrStreamExists) {
		t.Fatalf("expected ErrStreamExists within the same second, got %v", err)
	}
	created, ok := h.emitter.events[0].(events.StreamCreated)
	if !ok || created.EscrowAmount != uint64(DefaultMinDuration) {
		t.Fatalf("unexpected created event: %#v", h.emitter.events[0])
	}
	stats, err := h.engine.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalStreams != 1 {
		t.Fatalf("expected one stream counted, got %d", stats.TotalStreams)
	}
}

func TestStartRequiresPendingAndPayer(t *testing.T) {
	h := newHarness(t, 1_000)
	s := h.create(t, 1, 100, true)
	if _, err := h.engine.Start(s.ID, h.payee); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.engine.Tick(s.ID, h.payee); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive before start, got %v", err)
	}
	if _, err := h.engine.Start(s.ID, h.payer); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.engine.Start(s.ID, h.payer); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
	if _, err := h.engine.Cancel(s.ID, h.payer); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending on cancel after start, got %v", err)
	}
	if _, err := h.engine.Start([32]byte{0xFF}, h.payer); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestTickRequiresAuthenticatedCaller(t *testing.T) {
	h := newHarness(t, 1_000)
	s := h.createAndStart(t, 1, 100, true)
	h.advance(1)
	if _, err := h.engine.Tick(s.ID, [20]byte{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	keeper := newTestAddress(0x77)
	if _, err := h.engine.Tick(s.ID, keeper); err != nil {
		t.Fatalf("third-party tick: %v", err)
	}
}

func TestTerminateSettlesAndRefunds(t *testing.T) {
	h := newHarness(t, 1_000)
	s := h.createAndStart(t, 10, 100, false)
	h.advance(30)

	outsider := newTestAddress(0x33)
	if _, err := h.engine.Terminate(s.ID, outsider, "nope"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	done, err := h.engine.Terminate(s.ID, h.payee, "  job finished ")
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if done.Status != StreamCompleted || done.TotalPaid != 300 || done.EscrowBalance != 0 {
		t.Fatalf("unexpected terminated stream: %+v", done)
	}
	if got := h.ledger.balance(h.payer); got != 700 {
		t.Fatalf("expected refund of 700, payer has %d", got)
	}
	evt, ok := h.emitter.last().(events.StreamTerminated)
	if !ok || evt.Reason != "job finished" || evt.FinalPayment != 300 || evt.Refunded != 700 {
		t.Fatalf("unexpected terminated event: %#v", h.emitter.last())
	}
	h.assertConserved(t, s.ID, 1_000)

	if _, err := h.engine.Terminate(s.ID, h.payer, ""); !errors.Is(err, ErrAlreadyTerminated) {
		t.Fatalf("expected ErrAlreadyTerminated, got %v", err)
	}
	if _, err := h.engine.TopUp(s.ID, h.payer, 1); !errors.Is(err, ErrAlreadyTerminated) {
		t.Fatalf("expected ErrAlreadyTerminated on top up, got %v", err)
	}
}

func TestTerminateCapsFinalPaymentAtEscrow(t *testing.T) {
	h := newHarness(t, 1_000)
	s := h.createAndStart(t, 10, 100, false)
	h.advance(500)
	done, err := h.engine.Terminate(s.ID, h.payer, "")
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if done.TotalPaid != 1_000 || h.ledger.balance(h.payer) != 0 {
		t.Fatalf("expected escrow paid out in full: %+v", done)
	}
	evt := h.emitter.last().(events.StreamTerminated)
	if evt.Reason != ReasonTerminated || evt.Refunded != 0 {
		t.Fatalf("unexpected terminated event: %+v", evt)
	}
	h.assertConserved(t, s.ID, 1_000)
}

func TestTerminatePausedAndPendingRefundOnly(t *testing.T) {
	h := newHarness(t, 2_000)
	pending := h.create(t, 10, 100, true)
	h.advance(1)
	paused := h.createAndStart(t, 10, 100, true)
	h.advance(20)
	if _, err := h.engine.Pause(paused.ID, h.payer); err != nil {
		t.Fatalf("pause: %v", err)
	}
	h.advance(50)

	for _, id := range [][32]byte{pending.ID, paused.ID} {
		done, err := h.engine.Terminate(id, h.payer, "stop")
		if err != nil {
			t.Fatalf("terminate: %v", err)
		}
		if done.TotalPaid != 0 || done.Status != StreamCompleted {
			t.Fatalf("non-active terminate must not bill: %+v", done)
		}
	}
	if got := h.ledger.balance(h.payer); got != 2_000 {
		t.Fatalf("expected full refunds, payer has %d", got)
	}
}

func TestTickOverflowLeavesStateUntouched(t *testing.T) {
	rate := uint64(math.MaxUint64 / 60)
	h := newHarness(t, math.MaxUint64)
	s := h.createAndStart(t, rate, 60, true)
	h.advance(61)
	if _, err := h.engine.Tick(s.ID, h.payee); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	got, err := h.engine.Get(s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TotalPaid != 0 || got.LastTickAt != s.LastTickAt || got.Status != StreamActive {
		t.Fatalf("overflowing tick changed state: %+v", got)
	}

	// Terminate never fails on the same overflow; it caps at the escrow.
	done, err := h.engine.Terminate(s.ID, h.payer, "")
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if done.TotalPaid != s.EscrowBalance {
		t.Fatalf("expected capped final payment of %d, got %d", s.EscrowBalance, done.TotalPaid)
	}
}

func TestTopUpOverflow(t *testing.T) {
	h := newHarness(t, math.MaxUint64)
	s := h.create(t, math.MaxUint64/100, 100, true)
	if _, err := h.engine.TopUp(s.ID, h.payer, math.MaxUint64); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if _, err := h.engine.TopUp(s.ID, h.payee, 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for payee top up, got %v", err)
	}
}

func TestLinkTaskSingleAssignment(t *testing.T) {
	h := newHarness(t, 1_000)
	s := h.create(t, 1, 100, true)
	market := newTestAddress(0x44)
	task := [32]byte{0x01, 0x02}

	if _, err := h.engine.LinkTask(s.ID, market, task); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized without a configured market, got %v", err)
	}
	params := DefaultParams()
	params.TaskMarket = market
	if err := h.engine.SetParams(params); err != nil {
		t.Fatalf("set params: %v", err)
	}
	if _, err := h.engine.LinkTask(s.ID, h.payer, task); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for payer, got %v", err)
	}
	if _, err := h.engine.LinkTask(s.ID, market, [32]byte{}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected ErrInvalidTask, got %v", err)
	}
	linked, err := h.engine.LinkTask(s.ID, market, task)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if !linked.Linked() || *linked.LinkedTask != task {
		t.Fatalf("task not linked: %+v", linked)
	}
	if _, err := h.engine.LinkTask(s.ID, market, [32]byte{0x09}); !errors.Is(err, ErrAlreadyLinked) {
		t.Fatalf("expected ErrAlreadyLinked, got %v", err)
	}
	got, _ := h.engine.Get(s.ID)
	if *got.LinkedTask != task {
		t.Fatalf("link overwritten")
	}
}

func TestFreeTextInputsAreNormalized(t *testing.T) {
	h := newHarness(t, 2_000)
	s := h.createAndStart(t, 10, 100, true)
	h.advance(5)
	if _, err := h.engine.Terminate(s.ID, h.payer, " ｄｏｎｅ "); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	term, ok := h.emitter.last().(events.StreamTerminated)
	if !ok || term.Reason != "done" {
		t.Fatalf("expected normalized reason, got %#v", h.emitter.last())
	}

	authority := newTestAddress(0x55)
	params := DefaultParams()
	params.DisputeAuthority = authority
	if err := h.engine.SetParams(params); err != nil {
		t.Fatalf("set params: %v", err)
	}
	other := h.createAndStart(t, 10, 100, true)
	if _, err := h.engine.Dispute(other.ID, authority); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	resolved, err := h.engine.ResolveDispute(other.ID, authority, "  ＲＥＦＵＮＤ")
	if err != nil {
		t.Fatalf("resolve full-width outcome: %v", err)
	}
	if resolved.Status != StreamCompleted || resolved.TotalPaid != 0 {
		t.Fatalf("expected refunded stream, got %+v", resolved)
	}
}

func TestDisputeFreezesAndResolves(t *testing.T) {
	for _, outcome := range []string{OutcomeRelease, OutcomeRefund} {
		t.Run(outcome, func(t *testing.T) {
			h := newHarness(t, 1_000)
			authority := newTestAddress(0x55)
			params := DefaultParams()
			params.DisputeAuthority = authority
			if err := h.engine.SetParams(params); err != nil {
				t.Fatalf("set params: %v", err)
			}
			s := h.createAndStart(t, 10, 100, true)
			h.advance(10)
			if _, err := h.engine.Tick(s.ID, h.payee); err != nil {
				t.Fatalf("tick: %v", err)
			}

			if _, err := h.engine.Dispute(s.ID, h.payer); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
			if _, err := h.engine.ResolveDispute(s.ID, authority, outcome); !errors.Is(err, ErrNotDisputed) {
				t.Fatalf("expected ErrNotDisputed, got %v", err)
			}
			disputed, err := h.engine.Dispute(s.ID, authority)
			if err != nil {
				t.Fatalf("dispute: %v", err)
			}
			if disputed.Status != StreamDisputed {
				t.Fatalf("expected disputed, got %s", disputed.Status)
			}
			h.advance(10)
			if _, err := h.engine.Tick(s.ID, h.payee); !errors.Is(err, ErrNotActive) {
				t.Fatalf("expected frozen stream to reject ticks, got %v", err)
			}
			if _, err := h.engine.TopUp(s.ID, h.payer, 1); !errors.Is(err, ErrDisputed) {
				t.Fatalf("expected ErrDisputed on top up, got %v", err)
			}
			if _, err := h.engine.Terminate(s.ID, h.payer, ""); !errors.Is(err, ErrDisputed) {
				t.Fatalf("expected ErrDisputed on terminate, got %v", err)
			}
			if _, err := h.engine.ResolveDispute(s.ID, authority, "split"); !errors.Is(err, ErrInvalidOutcome) {
				t.Fatalf("expected ErrInvalidOutcome, got %v", err)
			}

			resolved, err := h.engine.ResolveDispute(s.ID, authority, outcome)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if resolved.Status != StreamCompleted || resolved.EscrowBalance != 0 {
				t.Fatalf("unexpected resolved stream: %+v", resolved)
			}
			wantPayee := uint64(100)
			if outcome == OutcomeRelease {
				wantPayee = 1_000
			}
			if got := h.ledger.balance(h.payee); got != wantPayee {
				t.Fatalf("payee balance %d, want %d", got, wantPayee)
			}
			h.assertConserved(t, s.ID, 1_000)
			if _, err := h.engine.ResolveDispute(s.ID, authority, outcome); !errors.Is(err, ErrAlreadyTerminated) {
				t.Fatalf("expected ErrAlreadyTerminated, got %v", err)
			}
		})
	}
}

func TestCommitFailureHasNoEffect(t *testing.T) {
	h := newHarness(t, 1_000)
	s := h.createAndStart(t, 10, 100, true)
	emitted := len(h.emitter.events)
	h.ledger.failCommit = errors.New("disk full")
	h.advance(10)
	if _, err := h.engine.Tick(s.ID, h.payee); err == nil || KindOf(err) != KindInternal {
		t.Fatalf("expected internal commit error, got %v", err)
	}
	if len(h.emitter.events) != emitted {
		t.Fatalf("events must not be emitted for uncommitted operations")
	}
	h.ledger.failCommit = nil
	got, _ := h.engine.Get(s.ID)
	if got.TotalPaid != 0 || h.ledger.balance(h.payee) != 0 {
		t.Fatalf("failed commit leaked state: %+v", got)
	}
}

func TestActiveStreamsAndVolume(t *testing.T) {
	h := newHarness(t, 3_000)
	a := h.createAndStart(t, 1, 100, true)
	h.advance(1)
	b := h.createAndStart(t, 1, 100, true)
	h.advance(1)
	h.create(t, 1, 100, true)
	h.advance(9)
	if _, err := h.engine.Pause(b.ID, h.payer); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := h.engine.Tick(a.ID, h.payee); err != nil {
		t.Fatalf("tick: %v", err)
	}

	active, err := h.engine.ActiveStreams([32]byte{}, 0)
	if err != nil {
		t.Fatalf("active streams: %v", err)
	}
	if len(active) != 1 || active[0].ID != a.ID {
		t.Fatalf("expected only stream a active, got %d", len(active))
	}
	if _, err := h.engine.Resume(b.ID, h.payer); err != nil {
		t.Fatalf("resume: %v", err)
	}
	first, err := h.engine.ActiveStreams([32]byte{}, 1)
	if err != nil || len(first) != 1 {
		t.Fatalf("first page: %d %v", len(first), err)
	}
	rest, err := h.engine.ActiveStreams(first[0].ID, 0)
	if err != nil || len(rest) != 1 || rest[0].ID == first[0].ID {
		t.Fatalf("cursor page: %d %v", len(rest), err)
	}

	stats, err := h.engine.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalStreams != 3 || stats.TotalVolume.Uint64() != 11 {
		t.Fatalf("unexpected stats: streams=%d volume=%s", stats.TotalStreams, stats.TotalVolume)
	}
}

func TestEventSequenceForLifecycle(t *testing.T) {
	h := newHarness(t, 1_000)
	s := h.createAndStart(t, 10, 100, true)
	h.advance(5)
	h.engine.Tick(s.ID, h.payee)
	h.engine.Pause(s.ID, h.payer)
	h.engine.Resume(s.ID, h.payer)
	h.engine.TopUp(s.ID, h.payer, 0)
	h.engine.Terminate(s.ID, h.payer, "")
	want := []string{
		events.TypeStreamCreated,
		events.TypeStreamStarted,
		events.TypeStreamTicked,
		events.TypeStreamPaused,
		events.TypeStreamResumed,
		events.TypeStreamTerminated,
	}
	got := h.emitter.types()
	if len(got) != len(want) {
		t.Fatalf("unexpected events: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %s want %s", i, got[i], want[i])
		}
	}
}

func TestStatusTransitions(t *testing.T) {
	legal := map[[2]StreamStatus]bool{
		{StreamPending, StreamActive}:     true,
		{StreamPending, StreamCancelled}:  true,
		{StreamPending, StreamCompleted}:  true,
		{StreamActive, StreamPaused}:      true,
		{StreamActive, StreamCompleted}:   true,
		{StreamActive, StreamDisputed}:    true,
		{StreamPaused, StreamActive}:      true,
		{StreamPaused, StreamCompleted}:   true,
		{StreamPaused, StreamDisputed}:    true,
		{StreamDisputed, StreamCompleted}: true,
	}
	all := []StreamStatus{StreamPending, StreamActive, StreamPaused, StreamCompleted, StreamCancelled, StreamDisputed}
	for _, from := range all {
		for _, to := range all {
			want := legal[[2]StreamStatus{from, to}] || (from == to && !from.Terminal())
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestKindOf(t *testing.T) {
	cases := map[error]Kind{
		ErrInvalidRate:        KindValidation,
		ErrOverflow:           KindValidation,
		ErrUnauthorized:       KindAuthorization,
		ErrAlreadyTerminated:  KindState,
		ErrStreamNotFound:     KindNotFound,
		ErrInsufficientEscrow: KindResource,
		ErrNoTimeElapsed:      KindTemporal,
		errors.New("boom"):    KindInternal,
	}
	for err, want := range cases {
		if got := KindOf(err); got != want {
			t.Fatalf("KindOf(%v) = %s, want %s", err, got, want)
		}
	}
	wrapped := errors.Join(errors.New("context"), ErrNotPaused)
	if KindOf(wrapped) != KindState {
		t.Fatalf("wrapped errors must keep their kind")
	}
}

func TestParseStatus(t *testing.T) {
	status, err := ParseStatus(" Active ")
	if err != nil || status != StreamActive {
		t.Fatalf("parse active: %v %v", status, err)
	}
	if _, err := ParseStatus("gone"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	locks := newKeyedMutex()
	unlockA := locks.Lock([32]byte{1})
	unlockB := locks.Lock([32]byte{2})
	if locks.size() != 2 {
		t.Fatalf("expected two entries")
	}
	unlockA()
	unlockB()
	if locks.size() != 0 {
		t.Fatalf("expected entries released, have %d", locks.size())
	}
}

func TestDeriveIdentifiers(t *testing.T) {
	payer, payee := newTestAddress(1), newTestAddress(2)
	a := DeriveStreamID(payer, payee, 100)
	if a != DeriveStreamID(payer, payee, 100) {
		t.Fatalf("stream id not deterministic")
	}
	if a == DeriveStreamID(payer, payee, 101) || a == DeriveStreamID(payee, payer, 100) {
		t.Fatalf("stream id collision")
	}
	if VaultAddress(a) == VaultAddress(DeriveStreamID(payer, payee, 101)) {
		t.Fatalf("vault collision")
	}
}
