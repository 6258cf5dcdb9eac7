package state

import (
	"fmt"

	"streamchain/native/stream"
)

// storedStream is the RLP layout of a stream record. RLP has no signed
// integers or optional values, so durations and timestamps are stored
// unsigned and the task link as a flag plus fixed-size id.
type storedStream struct {
	ID            [32]byte
	Payer         [20]byte
	Payee         [20]byte
	Vault         [20]byte
	RatePerSecond uint64
	MaxDuration   uint64
	GracePeriod   uint64
	AutoTerminate bool
	Status        uint8
	CreatedAt     uint64
	StartedAt     uint64
	LastTickAt    uint64
	TotalPaid     uint64
	TotalTicks    uint64
	EscrowBalance uint64
	HasTask       bool
	TaskID        [32]byte
}

func nonNegative(field string, v int64) (uint64, error) {
	if v < 0 {
		return 0, fmt.Errorf("state: stream %s must be non-negative, got %d", field, v)
	}
	return uint64(v), nil
}

func newStoredStream(s *stream.Stream) (*storedStream, error) {
	out := &storedStream{
		ID:            s.ID,
		Payer:         s.Payer,
		Payee:         s.Payee,
		Vault:         s.Vault,
		RatePerSecond: s.RatePerSecond,
		AutoTerminate: s.AutoTerminate,
		Status:        uint8(s.Status),
		TotalPaid:     s.TotalPaid,
		TotalTicks:    s.TotalTicks,
		EscrowBalance: s.EscrowBalance,
	}
	var err error
	fields := []struct {
		name string
		src  int64
		dst  *uint64
	}{
		{"max duration", s.MaxDuration, &out.MaxDuration},
		{"grace period", s.GracePeriod, &out.GracePeriod},
		{"created at", s.CreatedAt, &out.CreatedAt},
		{"started at", s.StartedAt, &out.StartedAt},
		{"last tick at", s.LastTickAt, &out.LastTickAt},
	}
	for _, f := range fields {
		if *f.dst, err = nonNegative(f.name, f.src); err != nil {
			return nil, err
		}
	}
	if s.LinkedTask != nil {
		out.HasTask = true
		out.TaskID = *s.LinkedTask
	}
	return out, nil
}

func (s *storedStream) toStream() (*stream.Stream, error) {
	out := &stream.Stream{
		ID:            s.ID,
		Payer:         s.Payer,
		Payee:         s.Payee,
		Vault:         s.Vault,
		RatePerSecond: s.RatePerSecond,
		MaxDuration:   int64(s.MaxDuration),
		GracePeriod:   int64(s.GracePeriod),
		AutoTerminate: s.AutoTerminate,
		Status:        stream.StreamStatus(s.Status),
		CreatedAt:     int64(s.CreatedAt),
		StartedAt:     int64(s.StartedAt),
		LastTickAt:    int64(s.LastTickAt),
		TotalPaid:     s.TotalPaid,
		TotalTicks:    s.TotalTicks,
		EscrowBalance: s.EscrowBalance,
	}
	if s.HasTask {
		task := s.TaskID
		out.LinkedTask = &task
	}
	return stream.SanitizeStream(out)
}
