// Package exports renders journaled stream activity into settlement
// reports for finance and audit tooling.
package exports

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"streamchain/core/events"
	"streamchain/integrations/journal"
)

// Kind classifies a value movement.
type Kind string

const (
	KindDeposit Kind = "deposit"
	KindPayout  Kind = "payout"
	KindRefund  Kind = "refund"
)

// Settlement is one value movement derived from a journal entry.
type Settlement struct {
	Sequence  uint64
	StreamID  string
	Kind      Kind
	Amount    uint64
	EventType string
	Timestamp int64
	EntryHash string
}

// Summary aggregates settlements by kind. Totals span many streams, so they
// are kept at 256 bits.
type Summary struct {
	Streams  int
	Deposits *uint256.Int
	Payouts  *uint256.Int
	Refunds  *uint256.Int
}

func (s Summary) totals() (deposits, payouts, refunds *uint256.Int) {
	orZero := func(v *uint256.Int) *uint256.Int {
		if v == nil {
			return new(uint256.Int)
		}
		return v
	}
	return orZero(s.Deposits), orZero(s.Payouts), orZero(s.Refunds)
}

// Outstanding is the value still held in stream vaults.
func (s Summary) Outstanding() (*uint256.Int, error) {
	deposits, payouts, refunds := s.totals()
	spent, overflow := new(uint256.Int).AddOverflow(payouts, refunds)
	if overflow || spent.Gt(deposits) {
		return nil, fmt.Errorf("exports: payouts %s and refunds %s exceed deposits %s", payouts.Dec(), refunds.Dec(), deposits.Dec())
	}
	return new(uint256.Int).Sub(deposits, spent), nil
}

// Settlements extracts value movements from journal entries in order.
// Entries that move no value are skipped.
func Settlements(entries []journal.Entry) ([]Settlement, error) {
	var out []Settlement
	for _, entry := range entries {
		attrs, err := entry.Attributes()
		if err != nil {
			return nil, err
		}
		add := func(kind Kind, key string) error {
			amount, err := parseAmount(attrs[key])
			if err != nil {
				return fmt.Errorf("exports: entry %d %s: %w", entry.Sequence, key, err)
			}
			if amount == 0 {
				return nil
			}
			out = append(out, Settlement{
				Sequence:  entry.Sequence,
				StreamID:  entry.StreamID,
				Kind:      kind,
				Amount:    amount,
				EventType: entry.Type,
				Timestamp: entry.Timestamp,
				EntryHash: entry.Hash,
			})
			return nil
		}
		switch entry.Type {
		case events.TypeStreamCreated:
			err = add(KindDeposit, "escrowAmount")
		case events.TypeEscrowToppedUp:
			err = add(KindDeposit, "amount")
		case events.TypeStreamTicked:
			err = add(KindPayout, "amount")
		case events.TypeStreamTerminated:
			if err = add(KindPayout, "finalPayment"); err == nil {
				err = add(KindRefund, "refunded")
			}
		case events.TypeStreamCancelled:
			err = add(KindRefund, "refunded")
		case events.TypeStreamResolved:
			kind := KindPayout
			if strings.EqualFold(attrs["outcome"], "refund") {
				kind = KindRefund
			}
			err = add(kind, "amount")
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Summarize totals rows by kind and counts distinct streams.
func Summarize(rows []Settlement) Summary {
	sum := Summary{Deposits: new(uint256.Int), Payouts: new(uint256.Int), Refunds: new(uint256.Int)}
	streams := make(map[string]struct{})
	for _, row := range rows {
		streams[row.StreamID] = struct{}{}
		amount := uint256.NewInt(row.Amount)
		switch row.Kind {
		case KindDeposit:
			sum.Deposits.Add(sum.Deposits, amount)
		case KindPayout:
			sum.Payouts.Add(sum.Payouts, amount)
		case KindRefund:
			sum.Refunds.Add(sum.Refunds, amount)
		}
	}
	sum.Streams = len(streams)
	return sum
}

func parseAmount(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
