package rpc

import (
	"encoding/hex"
	"fmt"
	"strings"

	"streamchain/core/types"
	"streamchain/crypto"
	"streamchain/native/stream"
)

// StreamView is the JSON form of a stream record. Addresses are bech32 and
// identifiers are 0x-prefixed hex.
type StreamView struct {
	ID            string `json:"id"`
	Payer         string `json:"payer"`
	Payee         string `json:"payee"`
	Vault         string `json:"vault"`
	RatePerSecond uint64 `json:"ratePerSecond"`
	MaxDuration   int64  `json:"maxDuration"`
	GracePeriod   int64  `json:"gracePeriod"`
	AutoTerminate bool   `json:"autoTerminate"`
	Status        string `json:"status"`
	CreatedAt     int64  `json:"createdAt"`
	StartedAt     int64  `json:"startedAt"`
	LastTickAt    int64  `json:"lastTickAt"`
	TotalPaid     uint64 `json:"totalPaid"`
	TotalTicks    uint64 `json:"totalTicks"`
	EscrowBalance uint64 `json:"escrowBalance"`
	LinkedTask    string `json:"linkedTask,omitempty"`
}

func NewStreamView(s *stream.Stream) StreamView {
	view := StreamView{
		ID:            FormatID(s.ID),
		Payer:         crypto.FromRaw(s.Payer).String(),
		Payee:         crypto.FromRaw(s.Payee).String(),
		Vault:         crypto.FromRaw(s.Vault).String(),
		RatePerSecond: s.RatePerSecond,
		MaxDuration:   s.MaxDuration,
		GracePeriod:   s.GracePeriod,
		AutoTerminate: s.AutoTerminate,
		Status:        s.Status.String(),
		CreatedAt:     s.CreatedAt,
		StartedAt:     s.StartedAt,
		LastTickAt:    s.LastTickAt,
		TotalPaid:     s.TotalPaid,
		TotalTicks:    s.TotalTicks,
		EscrowBalance: s.EscrowBalance,
	}
	if s.LinkedTask != nil {
		view.LinkedTask = FormatID(*s.LinkedTask)
	}
	return view
}

// StreamListResponse wraps a list of streams.
type StreamListResponse struct {
	Streams []StreamView `json:"streams"`
}

// AccountView is the JSON form of a ledger account.
type AccountView struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
	Module  string `json:"module,omitempty"`
}

func newAccountView(addr [20]byte, acc *types.Account) AccountView {
	acc = acc.Clone()
	return AccountView{
		Address: crypto.FromRaw(addr).String(),
		Balance: acc.Balance,
		Nonce:   acc.Nonce,
		Module:  acc.Module,
	}
}

// StatsView reports program-wide totals. TotalVolume is a decimal string.
type StatsView struct {
	TotalStreams uint64 `json:"totalStreams"`
	TotalVolume  string `json:"totalVolume"`
}

func newStatsView(stats stream.Stats) StatsView {
	volume := "0"
	if stats.TotalVolume != nil {
		volume = stats.TotalVolume.Dec()
	}
	return StatsView{TotalStreams: stats.TotalStreams, TotalVolume: volume}
}

// CreateStreamRequest is the body of POST /v1/streams. The payer is the
// authenticated caller.
type CreateStreamRequest struct {
	Payee         string `json:"payee"`
	RatePerSecond uint64 `json:"ratePerSecond"`
	MaxDuration   int64  `json:"maxDuration"`
	GracePeriod   int64  `json:"gracePeriod"`
	AutoTerminate bool   `json:"autoTerminate"`
}

type TerminateRequest struct {
	Reason string `json:"reason,omitempty"`
}

type TopUpRequest struct {
	Amount uint64 `json:"amount"`
}

type LinkTaskRequest struct {
	TaskID string `json:"taskId"`
}

type ResolveDisputeRequest struct {
	Outcome string `json:"outcome"`
}

// ErrorResponse is written for every non-2xx response.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FormatID renders a 32-byte identifier as 0x-prefixed hex.
func FormatID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

// ParseID decodes a 0x-prefixed (or bare) 32-byte hex identifier.
func ParseID(raw string) ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, fmt.Errorf("invalid id: %w", err)
	}
	if len(decoded) != len(id) {
		return id, fmt.Errorf("invalid id: expected %d bytes, got %d", len(id), len(decoded))
	}
	copy(id[:], decoded)
	return id, nil
}
