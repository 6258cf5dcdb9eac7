package stream

import "fmt"

const (
	DefaultMinDuration    int64 = 60
	DefaultMaxDuration    int64 = 30 * 24 * 60 * 60
	DefaultMaxGracePeriod int64 = 300
)

// Params holds the policy bounds and collaborator addresses the engine
// enforces. Zero collaborator addresses disable the corresponding operation.
type Params struct {
	MinDuration      int64
	MaxDuration      int64
	MaxGracePeriod   int64
	TaskMarket       [20]byte
	DisputeAuthority [20]byte
}

// DefaultParams returns the stock policy bounds with no collaborators.
func DefaultParams() Params {
	return Params{
		MinDuration:    DefaultMinDuration,
		MaxDuration:    DefaultMaxDuration,
		MaxGracePeriod: DefaultMaxGracePeriod,
	}
}

// Validate checks the bounds are internally consistent.
func (p Params) Validate() error {
	if p.MinDuration <= 0 {
		return fmt.Errorf("stream params: min duration must be positive")
	}
	if p.MaxDuration < p.MinDuration {
		return fmt.Errorf("stream params: max duration %d below min duration %d", p.MaxDuration, p.MinDuration)
	}
	if p.MaxGracePeriod < 0 {
		return fmt.Errorf("stream params: max grace period must be non-negative")
	}
	return nil
}
