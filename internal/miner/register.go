package miner

import (
	"sync"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/pow"
)

// Work is one unit of mining work: a template converted into a block plus
// the prepared proof-of-work context for its header. Work is immutable once
// published and shared read-only by all workers.
type Work struct {
	// ID increases by one for every published item, starting at 1.
	ID    uint64
	Block *btcutil.Block
	Raw   *bitcoin.RawBlock
	PoW   pow.Context
}

// Height returns the block height the work builds on top of
func (w *Work) Height() int64 {
	return w.Raw.Height
}

// Register holds the most recently published Work and a version counter
// that increases by exactly one per publish. Version 0 means nothing has
// been published yet.
type Register struct {
	mu      sync.Mutex
	cond    *sync.Cond
	version uint64
	work    *Work
	closed  bool
}

// NewRegister returns an empty register
func NewRegister() *Register {
	r := &Register{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Publish replaces the current work and wakes every waiter
func (r *Register) Publish(work *Work) uint64 {
	r.mu.Lock()
	r.version++
	r.work = work
	v := r.version
	r.mu.Unlock()

	r.cond.Broadcast()
	return v
}

// WaitForNewer blocks until the version differs from lastSeen and returns
// the new version and its work. After Close it returns immediately; if no
// newer version exists the result is (lastSeen, nil).
func (r *Register) WaitForNewer(lastSeen uint64) (uint64, *Work) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.version == lastSeen && !r.closed {
		r.cond.Wait()
	}
	if r.version == lastSeen {
		return lastSeen, nil
	}
	return r.version, r.work
}

// Version returns the current version, waiting for the lock if needed
func (r *Register) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// PeekVersion returns the current version without blocking. ok is false if
// the register is busy.
func (r *Register) PeekVersion() (version uint64, ok bool) {
	if !r.mu.TryLock() {
		return 0, false
	}
	defer r.mu.Unlock()
	return r.version, true
}

// Current returns the latest work, or nil before the first publish
func (r *Register) Current() (uint64, *Work) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version, r.work
}

// Close wakes every waiter and makes future waits return immediately
func (r *Register) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cond.Broadcast()
}
