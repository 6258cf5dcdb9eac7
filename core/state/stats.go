package state

import (
	"math/big"

	"github.com/holiman/uint256"

	"streamchain/native/stream"
)

type storedStats struct {
	TotalStreams uint64
	TotalVolume  *big.Int
}

func newStoredStats(stats stream.Stats) *storedStats {
	volume := new(big.Int)
	if stats.TotalVolume != nil {
		volume = stats.TotalVolume.ToBig()
	}
	return &storedStats{TotalStreams: stats.TotalStreams, TotalVolume: volume}
}

func (m *Manager) loadStats() (stream.Stats, error) {
	var stored storedStats
	ok, err := m.get(streamStatsKey, &stored)
	if err != nil {
		return stream.Stats{}, err
	}
	stats := stream.Stats{TotalVolume: new(uint256.Int)}
	if !ok {
		return stats, nil
	}
	stats.TotalStreams = stored.TotalStreams
	if stored.TotalVolume != nil {
		if overflow := stats.TotalVolume.SetFromBig(stored.TotalVolume); overflow {
			return stream.Stats{}, ErrBalanceOverflow
		}
	}
	return stats, nil
}

// Stats returns the committed program counters.
func (m *Manager) Stats() (stream.Stats, error) {
	return m.loadStats()
}
