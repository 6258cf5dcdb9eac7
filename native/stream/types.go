package stream

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// StreamStatus enumerates the lifecycle states of a payment stream.
type StreamStatus uint8

const (
	StreamPending StreamStatus = iota
	StreamActive
	StreamPaused
	StreamCompleted
	StreamCancelled
	StreamDisputed
)

var statusNames = map[StreamStatus]string{
	StreamPending:   "pending",
	StreamActive:    "active",
	StreamPaused:    "paused",
	StreamCompleted: "completed",
	StreamCancelled: "cancelled",
	StreamDisputed:  "disputed",
}

func (s StreamStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// Valid reports whether the status value is within the supported range.
func (s StreamStatus) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether no further transitions are possible.
func (s StreamStatus) Terminal() bool {
	return s == StreamCompleted || s == StreamCancelled
}

// ParseStatus converts a case-insensitive status name into its value.
func ParseStatus(name string) (StreamStatus, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for status, label := range statusNames {
		if label == normalized {
			return status, nil
		}
	}
	return 0, fmt.Errorf("stream: unknown status %q", name)
}

// transitions lists every edge of the lifecycle graph. Completed and
// Cancelled have no outgoing edges.
var transitions = map[StreamStatus][]StreamStatus{
	StreamPending:  {StreamActive, StreamCompleted, StreamCancelled},
	StreamActive:   {StreamPaused, StreamCompleted, StreamDisputed},
	StreamPaused:   {StreamActive, StreamCompleted, StreamDisputed},
	StreamDisputed: {StreamCompleted},
}

// CanTransition reports whether moving from -> to is a legal lifecycle edge.
// Staying in the same non-terminal status is always permitted.
func CanTransition(from, to StreamStatus) bool {
	if from == to {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Stream is the persisted ledger entry for a single payment stream.
// Timestamps are unix seconds and amounts are in the ledger's base unit.
type Stream struct {
	ID            [32]byte
	Payer         [20]byte
	Payee         [20]byte
	Vault         [20]byte
	RatePerSecond uint64
	MaxDuration   int64
	GracePeriod   int64
	AutoTerminate bool
	Status        StreamStatus
	CreatedAt     int64
	StartedAt     int64
	LastTickAt    int64
	TotalPaid     uint64
	TotalTicks    uint64
	EscrowBalance uint64
	LinkedTask    *[32]byte
}

// Clone returns a deep copy of the stream.
func (s *Stream) Clone() *Stream {
	if s == nil {
		return nil
	}
	clone := *s
	if s.LinkedTask != nil {
		task := *s.LinkedTask
		clone.LinkedTask = &task
	}
	return &clone
}

// Linked reports whether a task has been attached to the stream.
func (s *Stream) Linked() bool {
	return s != nil && s.LinkedTask != nil
}

// SanitizeStream validates a decoded record and returns a copy.
func SanitizeStream(s *Stream) (*Stream, error) {
	if s == nil {
		return nil, fmt.Errorf("nil stream")
	}
	if !s.Status.Valid() {
		return nil, fmt.Errorf("invalid stream status: %d", s.Status)
	}
	if s.RatePerSecond == 0 {
		return nil, ErrInvalidRate
	}
	if s.Status.Terminal() && s.EscrowBalance != 0 {
		return nil, fmt.Errorf("terminal stream holds %d in escrow", s.EscrowBalance)
	}
	return s.Clone(), nil
}

// Stats aggregates program-wide counters.
type Stats struct {
	TotalStreams uint64
	TotalVolume  *uint256.Int
}

// Clone returns a copy with an independent volume counter.
func (s Stats) Clone() Stats {
	out := Stats{TotalStreams: s.TotalStreams, TotalVolume: new(uint256.Int)}
	if s.TotalVolume != nil {
		out.TotalVolume.Set(s.TotalVolume)
	}
	return out
}
