// Package stats samples the miner's counters on a fixed interval and hands
// each sample to the log and to any configured sinks.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/gominer/internal/miner"
	"github.com/bardlex/gominer/pkg/log"
)

// DefaultInterval is used when NewReporter is given a non-positive interval
const DefaultInterval = 10 * time.Second

// Source is implemented by *miner.Engine
type Source interface {
	Snapshot() miner.Snapshot
	CurrentWork() *miner.Work
	Threads() int
}

var _ Source = (*miner.Engine)(nil)

// Sample is one reporting period
type Sample struct {
	miner.Snapshot

	// Hashrate is hashes per second over Interval.
	Hashrate float64
	Interval time.Duration
	Threads  int
	// WorkID and Height describe the work being mined when the sample was
	// taken. Both are zero before the first template arrives.
	WorkID uint64
	Height int64
}

// Sink receives samples. A failing sink is logged and skipped.
type Sink interface {
	RecordStats(ctx context.Context, sample Sample) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, sample Sample) error

// RecordStats implements Sink
func (f SinkFunc) RecordStats(ctx context.Context, sample Sample) error {
	return f(ctx, sample)
}

// Reporter periodically samples a Source
type Reporter struct {
	source   Source
	interval time.Duration
	sinks    []Sink
	logger   *log.Logger

	mu   sync.RWMutex
	last Sample
	prev miner.Snapshot
}

// NewReporter creates a reporter. Nil sinks are ignored.
func NewReporter(source Source, interval time.Duration, logger *log.Logger, sinks ...Sink) *Reporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = log.Nop()
	}

	r := &Reporter{
		source:   source,
		interval: interval,
		logger:   logger.WithComponent("stats"),
	}
	for _, s := range sinks {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
	return r
}

// Run reports every interval until ctx ends
func (r *Reporter) Run(ctx context.Context) {
	r.mu.Lock()
	r.prev = r.source.Snapshot()
	r.mu.Unlock()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Report(ctx)
		}
	}
}

// Report takes a sample now, logs it and forwards it to every sink
func (r *Reporter) Report(ctx context.Context) Sample {
	sample := r.take()

	r.logger.LogHashrate(sample.Hashrate, sample.HashesTried, sample.BlocksSubmitted, sample.BlocksAccepted)

	for _, sink := range r.sinks {
		if err := sink.RecordStats(ctx, sample); err != nil {
			r.logger.WithError(err).Warn("stats sink failed")
		}
	}
	return sample
}

// Last returns the most recent sample
func (r *Reporter) Last() Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

func (r *Reporter) take() Sample {
	snap := r.source.Snapshot()

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.prev
	if prev.TakenAt.IsZero() {
		// First sample without Run: rate over the whole uptime.
		prev = miner.Snapshot{TakenAt: snap.TakenAt.Add(-snap.Uptime)}
	}

	sample := Sample{
		Snapshot: snap,
		Hashrate: snap.HashrateSince(prev),
		Interval: snap.TakenAt.Sub(prev.TakenAt),
		Threads:  r.source.Threads(),
	}
	if work := r.source.CurrentWork(); work != nil {
		sample.WorkID = work.ID
		sample.Height = work.Height()
	}

	r.prev = snap
	r.last = sample
	return sample
}
