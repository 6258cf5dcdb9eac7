package stream

import "math/bits"

func mulUint64(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, ErrOverflow
	}
	return lo, nil
}

func addUint64(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// elapsedSince returns the billable seconds between last and now. A clock
// that has not advanced, or has gone backwards, yields ErrNoTimeElapsed.
func elapsedSince(last, now int64) (uint64, error) {
	if now <= last {
		return 0, ErrNoTimeElapsed
	}
	return uint64(now - last), nil
}
