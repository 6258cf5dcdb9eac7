package events

import (
	"strconv"

	"streamchain/core/types"
)

const (
	TypeStreamCreated    = "stream.created"
	TypeStreamStarted    = "stream.started"
	TypeStreamTicked     = "stream.tick"
	TypeStreamPaused     = "stream.paused"
	TypeStreamResumed    = "stream.resumed"
	TypeStreamTerminated = "stream.terminated"
	TypeStreamCancelled  = "stream.cancelled"
	TypeEscrowToppedUp   = "stream.topped_up"
	TypeStreamLinked     = "stream.linked"
	TypeStreamDisputed   = "stream.disputed"
	TypeStreamResolved   = "stream.resolved"
)

// StreamCreated is emitted once a stream and its vault have been funded.
type StreamCreated struct {
	StreamID      [32]byte
	Payer         [20]byte
	Payee         [20]byte
	Vault         [20]byte
	RatePerSecond uint64
	EscrowAmount  uint64
	MaxDuration   int64
	AutoTerminate bool
	Timestamp     int64
}

func (StreamCreated) EventType() string { return TypeStreamCreated }

func (e StreamCreated) Event() *types.Event {
	return &types.Event{
		Type: TypeStreamCreated,
		Attributes: map[string]string{
			"stream":        formatID(e.StreamID),
			"payer":         formatAddress(e.Payer),
			"payee":         formatAddress(e.Payee),
			"vault":         formatAddress(e.Vault),
			"ratePerSecond": formatAmount(e.RatePerSecond),
			"escrowAmount":  formatAmount(e.EscrowAmount),
			"maxDuration":   intToString(e.MaxDuration),
			"autoTerminate": strconv.FormatBool(e.AutoTerminate),
			"timestamp":     intToString(e.Timestamp),
		},
	}
}

type StreamStarted struct {
	StreamID  [32]byte
	StartedAt int64
}

func (StreamStarted) EventType() string { return TypeStreamStarted }

func (e StreamStarted) Event() *types.Event {
	return &types.Event{
		Type: TypeStreamStarted,
		Attributes: map[string]string{
			"stream":    formatID(e.StreamID),
			"startedAt": intToString(e.StartedAt),
			"timestamp": intToString(e.StartedAt),
		},
	}
}

// StreamTicked records one incremental payout to the payee.
type StreamTicked struct {
	StreamID        [32]byte
	TickNumber      uint64
	Amount          uint64
	TotalPaid       uint64
	EscrowRemaining uint64
	Timestamp       int64
}

func (StreamTicked) EventType() string { return TypeStreamTicked }

func (e StreamTicked) Event() *types.Event {
	return &types.Event{
		Type: TypeStreamTicked,
		Attributes: map[string]string{
			"stream":          formatID(e.StreamID),
			"tickNumber":      formatAmount(e.TickNumber),
			"amount":          formatAmount(e.Amount),
			"totalPaid":       formatAmount(e.TotalPaid),
			"escrowRemaining": formatAmount(e.EscrowRemaining),
			"timestamp":       intToString(e.Timestamp),
		},
	}
}

type StreamPaused struct {
	StreamID  [32]byte
	Timestamp int64
}

func (StreamPaused) EventType() string { return TypeStreamPaused }

func (e StreamPaused) Event() *types.Event {
	return &types.Event{
		Type: TypeStreamPaused,
		Attributes: map[string]string{
			"stream":    formatID(e.StreamID),
			"timestamp": intToString(e.Timestamp),
		},
	}
}

type StreamResumed struct {
	StreamID  [32]byte
	Timestamp int64
}

func (StreamResumed) EventType() string { return TypeStreamResumed }

func (e StreamResumed) Event() *types.Event {
	return &types.Event{
		Type: TypeStreamResumed,
		Attributes: map[string]string{
			"stream":    formatID(e.StreamID),
			"timestamp": intToString(e.Timestamp),
		},
	}
}

// StreamTerminated is emitted for explicit terminations and for automatic
// completion when escrow is depleted. FinalPayment is the amount settled to
// the payee by the terminating operation and Refunded the amount returned to
// the payer.
type StreamTerminated struct {
	StreamID     [32]byte
	Reason       string
	TotalPaid    uint64
	FinalPayment uint64
	Refunded     uint64
	Timestamp    int64
}

func (StreamTerminated) EventType() string { return TypeStreamTerminated }

func (e StreamTerminated) Event() *types.Event {
	return &types.Event{
		Type: TypeStreamTerminated,
		Attributes: map[string]string{
			"stream":       formatID(e.StreamID),
			"reason":       trimmed(e.Reason),
			"totalPaid":    formatAmount(e.TotalPaid),
			"finalPayment": formatAmount(e.FinalPayment),
			"refunded":     formatAmount(e.Refunded),
			"timestamp":    intToString(e.Timestamp),
		},
	}
}

type StreamCancelled struct {
	StreamID  [32]byte
	Refunded  uint64
	Timestamp int64
}

func (StreamCancelled) EventType() string { return TypeStreamCancelled }

func (e StreamCancelled) Event() *types.Event {
	return &types.Event{
		Type: TypeStreamCancelled,
		Attributes: map[string]string{
			"stream":    formatID(e.StreamID),
			"refunded":  formatAmount(e.Refunded),
			"timestamp": intToString(e.Timestamp),
		},
	}
}

type EscrowToppedUp struct {
	StreamID   [32]byte
	Amount     uint64
	NewBalance uint64
	Timestamp  int64
}

func (EscrowToppedUp) EventType() string { return TypeEscrowToppedUp }

func (e EscrowToppedUp) Event() *types.Event {
	return &types.Event{
		Type: TypeEscrowToppedUp,
		Attributes: map[string]string{
			"stream":     formatID(e.StreamID),
			"amount":     formatAmount(e.Amount),
			"newBalance": formatAmount(e.NewBalance),
			"timestamp":  intToString(e.Timestamp),
		},
	}
}

type StreamLinked struct {
	StreamID  [32]byte
	TaskID    [32]byte
	Timestamp int64
}

func (StreamLinked) EventType() string { return TypeStreamLinked }

func (e StreamLinked) Event() *types.Event {
	return &types.Event{
		Type: TypeStreamLinked,
		Attributes: map[string]string{
			"stream":    formatID(e.StreamID),
			"task":      formatID(e.TaskID),
			"timestamp": intToString(e.Timestamp),
		},
	}
}

type StreamDisputed struct {
	StreamID  [32]byte
	Authority [20]byte
	Timestamp int64
}

func (StreamDisputed) EventType() string { return TypeStreamDisputed }

func (e StreamDisputed) Event() *types.Event {
	return &types.Event{
		Type: TypeStreamDisputed,
		Attributes: map[string]string{
			"stream":    formatID(e.StreamID),
			"authority": formatAddress(e.Authority),
			"timestamp": intToString(e.Timestamp),
		},
	}
}

// StreamResolved closes a dispute. Outcome is "release" or "refund" and Amount
// is the escrow drained to the winning side.
type StreamResolved struct {
	StreamID  [32]byte
	Outcome   string
	Amount    uint64
	TotalPaid uint64
	Timestamp int64
}

func (StreamResolved) EventType() string { return TypeStreamResolved }

func (e StreamResolved) Event() *types.Event {
	return &types.Event{
		Type: TypeStreamResolved,
		Attributes: map[string]string{
			"stream":    formatID(e.StreamID),
			"outcome":   trimmed(e.Outcome),
			"amount":    formatAmount(e.Amount),
			"totalPaid": formatAmount(e.TotalPaid),
			"timestamp": intToString(e.Timestamp),
		},
	}
}
