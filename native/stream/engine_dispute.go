package stream

import (
	"strings"

	"streamchain/core/events"
)

// Dispute resolution outcomes. Release pays the escrow out to the payee and
// refund returns it to the payer; either way the stream ends.
const (
	OutcomeRelease = "release"
	OutcomeRefund  = "refund"
)

// Dispute freezes an active or paused stream on behalf of the dispute
// authority. Frozen streams accept neither ticks nor top-ups until resolved.
func (e *Engine) Dispute(id [32]byte, caller [20]byte) (*Stream, error) {
	return e.apply(id, func(tx Tx, s *Stream, now int64) ([]events.Event, error) {
		if err := requireCollaborator(e.params.DisputeAuthority, caller); err != nil {
			return nil, err
		}
		switch s.Status {
		case StreamActive, StreamPaused:
		case StreamCompleted, StreamCancelled:
			return nil, ErrAlreadyTerminated
		case StreamDisputed:
			return nil, ErrDisputed
		default:
			return nil, ErrNotActive
		}
		s.Status = StreamDisputed
		return []events.Event{events.StreamDisputed{StreamID: s.ID, Authority: caller, Timestamp: now}}, nil
	})
}

// ResolveDispute drains a disputed stream's vault to the payee ("release") or
// the payer ("refund") and completes it.
func (e *Engine) ResolveDispute(id [32]byte, caller [20]byte, outcome string) (*Stream, error) {
	normalized := normalizeText(strings.ToLower(outcome))
	if normalized != OutcomeRelease && normalized != OutcomeRefund {
		return nil, ErrInvalidOutcome
	}
	return e.apply(id, func(tx Tx, s *Stream, now int64) ([]events.Event, error) {
		if err := requireCollaborator(e.params.DisputeAuthority, caller); err != nil {
			return nil, err
		}
		if s.Status.Terminal() {
			return nil, ErrAlreadyTerminated
		}
		if s.Status != StreamDisputed {
			return nil, ErrNotDisputed
		}
		amount := s.EscrowBalance
		switch normalized {
		case OutcomeRelease:
			if err := payout(tx, s, amount); err != nil {
				return nil, err
			}
		case OutcomeRefund:
			if _, err := refundRemaining(tx, s); err != nil {
				return nil, err
			}
		}
		s.Status = StreamCompleted
		return []events.Event{events.StreamResolved{
			StreamID:  s.ID,
			Outcome:   normalized,
			Amount:    amount,
			TotalPaid: s.TotalPaid,
			Timestamp: now,
		}}, nil
	})
}
