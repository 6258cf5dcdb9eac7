package stream

import "streamchain/core/events"

const (
	// ReasonEscrowDepleted is recorded when a tick exhausts the vault of an
	// auto-terminating stream.
	ReasonEscrowDepleted = "escrow depleted"
	// ReasonTerminated is the default reason recorded when a party ends a
	// stream without supplying one.
	ReasonTerminated     = "terminated"
)

// Tick settles the time accrued since the last tick. Any authenticated caller
// may tick; the amount is fully determined by the stream's rate and the clock.
//
// When the amount due exceeds the escrow, auto-terminating streams pay out the
// remainder and complete, while other streams reject the tick unchanged.
func (e *Engine) Tick(id [32]byte, caller [20]byte) (*Stream, error) {
	if err := requireAuthenticated(caller); err != nil {
		return nil, err
	}
	return e.apply(id, func(tx Tx, s *Stream, now int64) ([]events.Event, error) {
		if s.Status != StreamActive {
			return nil, ErrNotActive
		}
		elapsed, err := elapsedSince(s.LastTickAt, now)
		if err != nil {
			return nil, err
		}
		due, err := mulUint64(s.RatePerSecond, elapsed)
		if err != nil {
			return nil, err
		}
		if due > s.EscrowBalance {
			if !s.AutoTerminate {
				return nil, ErrInsufficientEscrow
			}
			return depleteEscrow(tx, s, now)
		}
		if err := payout(tx, s, due); err != nil {
			return nil, err
		}
		s.LastTickAt = now
		s.TotalTicks++
		return []events.Event{events.StreamTicked{
			StreamID:        s.ID,
			TickNumber:      s.TotalTicks,
			Amount:          due,
			TotalPaid:       s.TotalPaid,
			EscrowRemaining: s.EscrowBalance,
			Timestamp:       now,
		}}, nil
	})
}

func depleteEscrow(tx Tx, s *Stream, now int64) ([]events.Event, error) {
	remaining := s.EscrowBalance
	if err := payout(tx, s, remaining); err != nil {
		return nil, err
	}
	s.LastTickAt = now
	s.Status = StreamCompleted
	return []events.Event{events.StreamTerminated{
		StreamID:     s.ID,
		Reason:       ReasonEscrowDepleted,
		TotalPaid:    s.TotalPaid,
		FinalPayment: remaining,
		Timestamp:    now,
	}}, nil
}
