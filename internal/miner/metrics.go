package miner

import (
	"sync/atomic"
	"time"
)

// Metrics holds the engine's monotonically increasing counters. Workers
// add to HashesTried in batches, so a reader may lag the true count by up
// to one batch per worker until the workers flush on exit.
type Metrics struct {
	hashesTried     atomic.Uint64
	blocksSubmitted atomic.Uint64
	blocksAccepted  atomic.Uint64
	startedAt       time.Time
}

// NewMetrics returns zeroed counters
func NewMetrics() *Metrics {
	return &Metrics{startedAt: time.Now()}
}

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	HashesTried     uint64
	BlocksSubmitted uint64
	BlocksAccepted  uint64
	Uptime          time.Duration
	TakenAt         time.Time
}

// Snapshot reads the counters. Each counter is read atomically but the
// three are not read as one unit.
func (m *Metrics) Snapshot() Snapshot {
	now := time.Now()
	return Snapshot{
		HashesTried:     m.hashesTried.Load(),
		BlocksSubmitted: m.blocksSubmitted.Load(),
		BlocksAccepted:  m.blocksAccepted.Load(),
		Uptime:          now.Sub(m.startedAt),
		TakenAt:         now,
	}
}

// HashesTried returns the number of nonces evaluated so far
func (m *Metrics) HashesTried() uint64 { return m.hashesTried.Load() }

// BlocksSubmitted returns the number of submissions the node answered
func (m *Metrics) BlocksSubmitted() uint64 { return m.blocksSubmitted.Load() }

// BlocksAccepted returns the number of submissions the node accepted
func (m *Metrics) BlocksAccepted() uint64 { return m.blocksAccepted.Load() }

// HashrateSince returns hashes per second between prev and s. It returns 0
// if no time has passed.
func (s Snapshot) HashrateSince(prev Snapshot) float64 {
	elapsed := s.TakenAt.Sub(prev.TakenAt).Seconds()
	if elapsed <= 0 || s.HashesTried < prev.HashesTried {
		return 0
	}
	return float64(s.HashesTried-prev.HashesTried) / elapsed
}
