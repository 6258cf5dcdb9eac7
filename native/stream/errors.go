package stream

import "errors"

var (
	ErrInvalidRate        = errors.New("stream: rate per second must be positive")
	ErrInvalidDuration    = errors.New("stream: max duration outside policy bounds")
	ErrInvalidGracePeriod = errors.New("stream: grace period outside policy bounds")
	ErrInvalidAmount      = errors.New("stream: amount must be positive")
	ErrInvalidOutcome     = errors.New("stream: resolution outcome must be release or refund")
	ErrInvalidPayee       = errors.New("stream: payee address required")
	ErrPayeeIsVault       = errors.New("stream: payee cannot be a module-owned account")
	ErrInvalidTask        = errors.New("stream: task identifier required")
	ErrOverflow           = errors.New("stream: arithmetic overflow")

	ErrUnauthorized = errors.New("stream: unauthorized caller")

	ErrNotPending        = errors.New("stream: stream is not pending")
	ErrNotActive         = errors.New("stream: stream is not active")
	ErrNotPaused         = errors.New("stream: stream is not paused")
	ErrNotDisputed       = errors.New("stream: stream is not disputed")
	ErrDisputed          = errors.New("stream: stream is disputed")
	ErrAlreadyTerminated = errors.New("stream: stream already terminated")
	ErrAlreadyLinked     = errors.New("stream: stream already linked to a task")
	ErrStreamExists      = errors.New("stream: stream already exists")

	ErrStreamNotFound = errors.New("stream: stream not found")

	ErrInsufficientFunds  = errors.New("stream: insufficient funds for escrow")
	ErrInsufficientEscrow = errors.New("stream: insufficient escrow balance")

	ErrNoTimeElapsed = errors.New("stream: no time elapsed since last tick")

	errNilLedger     = errors.New("stream engine: ledger not configured")
	errVaultMismatch = errors.New("stream engine: vault balance diverged from escrow balance")
)

// Kind classifies an engine error for callers that need to map failures onto
// transport status codes.
type Kind uint8

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthorization
	KindState
	KindResource
	KindTemporal
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindResource:
		return "resource"
	case KindTemporal:
		return "temporal"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

var errorKinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidRate, KindValidation},
	{ErrInvalidDuration, KindValidation},
	{ErrInvalidGracePeriod, KindValidation},
	{ErrInvalidAmount, KindValidation},
	{ErrInvalidOutcome, KindValidation},
	{ErrInvalidPayee, KindValidation},
	{ErrPayeeIsVault, KindValidation},
	{ErrInvalidTask, KindValidation},
	{ErrOverflow, KindValidation},
	{ErrUnauthorized, KindAuthorization},
	{ErrNotPending, KindState},
	{ErrNotActive, KindState},
	{ErrNotPaused, KindState},
	{ErrNotDisputed, KindState},
	{ErrDisputed, KindState},
	{ErrAlreadyTerminated, KindState},
	{ErrAlreadyLinked, KindState},
	{ErrStreamExists, KindState},
	{ErrStreamNotFound, KindNotFound},
	{ErrInsufficientFunds, KindResource},
	{ErrInsufficientEscrow, KindResource},
	{ErrNoTimeElapsed, KindTemporal},
}

// KindOf returns the classification of err. Unknown errors, including storage
// failures, are internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	for _, entry := range errorKinds {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindInternal
}
