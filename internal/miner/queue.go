package miner

import (
	"sync"

	"github.com/bardlex/gominer/internal/bitcoin"
)

// candidateQueue is an unbounded FIFO of solved blocks. Any number of
// workers push; the submitter pops. Push never blocks.
type candidateQueue struct {
	mu     sync.Mutex
	items  []*bitcoin.RawBlock
	ready  chan struct{}
	closed bool
}

func newCandidateQueue() *candidateQueue {
	return &candidateQueue{ready: make(chan struct{}, 1)}
}

// Push appends a candidate. It reports false once the queue is closed.
func (q *candidateQueue) Push(candidate *bitcoin.RawBlock) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, candidate)

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Pop blocks until a candidate is available or the queue is closed.
// Candidates still queued at close are discarded.
func (q *candidateQueue) Pop() (*bitcoin.RawBlock, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.items) > 0 {
			candidate := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return candidate, true
		}
		q.mu.Unlock()

		<-q.ready
	}
}

// Len returns the number of queued candidates
func (q *candidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes the consumer and rejects further pushes
func (q *candidateQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.ready)
}
