package miner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gominer/pkg/log"
)

// SubmissionResult describes the outcome of one block submission
type SubmissionResult struct {
	BlockHash chainhash.Hash
	Height    int64
	Nonce     uint64
	Accepted  bool
	Reason    string
	// Err is set when the node could not be reached. The candidate is
	// dropped in that case.
	Err     error
	Latency time.Duration
	At      time.Time
}

// Status returns "accepted", "rejected" or "error"
func (r SubmissionResult) Status() string {
	switch {
	case r.Err != nil:
		return "error"
	case r.Accepted:
		return "accepted"
	default:
		return "rejected"
	}
}

// Recorder observes engine events. Calls are made from engine goroutines
// and must return quickly; wrap slow sinks with NewAsyncRecorder.
type Recorder interface {
	// RecordWork is called when published work moves to a new chain tip.
	RecordWork(ctx context.Context, work *Work)
	// RecordSubmission is called after every submission attempt.
	RecordSubmission(ctx context.Context, result SubmissionResult)
}

type nopRecorder struct{}

func (nopRecorder) RecordWork(context.Context, *Work)                  {}
func (nopRecorder) RecordSubmission(context.Context, SubmissionResult) {}

type multiRecorder []Recorder

func (m multiRecorder) RecordWork(ctx context.Context, work *Work) {
	for _, r := range m {
		r.RecordWork(ctx, work)
	}
}

func (m multiRecorder) RecordSubmission(ctx context.Context, result SubmissionResult) {
	for _, r := range m {
		r.RecordSubmission(ctx, result)
	}
}

// Recorders fans events out to every non-nil recorder
func Recorders(recorders ...Recorder) Recorder {
	var out multiRecorder
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	switch len(out) {
	case 0:
		return nopRecorder{}
	case 1:
		return out[0]
	default:
		return out
	}
}

// AsyncRecorder forwards events to another Recorder from its own goroutine.
// When the buffer is full new events are dropped.
type AsyncRecorder struct {
	next    Recorder
	events  chan func(context.Context)
	logger  *log.Logger
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewAsyncRecorder buffers up to size events for next. Run must be called
// to deliver them.
func NewAsyncRecorder(next Recorder, size int, logger *log.Logger) *AsyncRecorder {
	if size <= 0 {
		size = 256
	}
	return &AsyncRecorder{
		next:   next,
		events: make(chan func(context.Context), size),
		logger: logger.WithComponent("recorder"),
	}
}

// RecordWork implements Recorder
func (a *AsyncRecorder) RecordWork(_ context.Context, work *Work) {
	a.enqueue(func(ctx context.Context) { a.next.RecordWork(ctx, work) })
}

// RecordSubmission implements Recorder
func (a *AsyncRecorder) RecordSubmission(_ context.Context, result SubmissionResult) {
	a.enqueue(func(ctx context.Context) { a.next.RecordSubmission(ctx, result) })
}

func (a *AsyncRecorder) enqueue(event func(context.Context)) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}

	select {
	case a.events <- event:
	default:
		if n := a.dropped.Add(1); n == 1 || n%100 == 0 {
			a.logger.Warn("recorder buffer full, dropping events", "dropped", n)
		}
	}
}

// Dropped returns the number of events discarded because the buffer was full
func (a *AsyncRecorder) Dropped() uint64 {
	return a.dropped.Load()
}

// Run delivers events until Close has been called and the buffer is
// drained, or ctx ends.
func (a *AsyncRecorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-a.events:
			if !ok {
				return
			}
			event(ctx)
		}
	}
}

// Close stops accepting events. Run returns once the buffer is drained.
func (a *AsyncRecorder) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	close(a.events)
}
