package miner

import (
	"runtime"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gominer/internal/pow"
	"github.com/bardlex/gominer/pkg/log"
)

const (
	// shutdownCheckInterval is how many hashes a worker tries between
	// shutdown checks.
	shutdownCheckInterval = 50
	// versionCheckInterval is how many hashes a worker tries between
	// checks for newer work.
	versionCheckInterval = 200
	// hashBatchSize is how many hashes a worker counts locally before
	// adding them to the shared counter.
	hashBatchSize = 1000
	// throttleInterval is how many hashes a worker tries between throttle
	// sleeps.
	throttleInterval = 128
)

// worker scans the nonces congruent to index modulo count for whatever
// work is current in the register.
type worker struct {
	index    int
	count    int
	register *Register
	queue    *candidateQueue
	metrics  *Metrics
	shutdown *Shutdown
	throttle time.Duration
	logger   *log.Logger

	pending uint64
}

func (w *worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var seen uint64
	for !w.shutdown.Signaled() {
		version, work := w.register.WaitForNewer(seen)
		if work == nil {
			return
		}
		seen = version
		w.scan(version, work)
	}
}

// scan walks index, index+count, index+2*count, ... until the work goes
// stale, shutdown is signaled or the nonce space is exhausted. Pending
// hashes are flushed on return.
func (w *worker) scan(version uint64, work *Work) {
	defer w.flush()

	logger := w.logger.WithWork(work.ID, work.Height())
	logger.Debug("scanning work")

	step := uint64(w.count)
	nonce := uint64(w.index)

	var sinceCheck uint64
	for {
		found, hash := work.PoW.Evaluate(nonce)
		sinceCheck++

		w.pending++
		if w.pending >= hashBatchSize {
			w.flush()
		}

		switch {
		case found:
			if !w.solved(logger, version, work, nonce, hash) {
				return
			}
			sinceCheck = 0
		case sinceCheck%shutdownCheckInterval == 0 && w.shutdown.Signaled():
			return
		case sinceCheck%versionCheckInterval == 0 && w.register.Version() != version:
			return
		}

		if w.throttle > 0 && sinceCheck > 0 && sinceCheck%throttleInterval == 0 {
			time.Sleep(w.throttle)
		}

		next := nonce + step
		if next > pow.MaxNonce {
			logger.Warn("nonce space exhausted, waiting for new work")
			return
		}
		nonce = next
	}
}

// solved queues the candidate and reports whether the work is still
// current, in which case the scan continues.
func (w *worker) solved(logger *log.Logger, version uint64, work *Work, nonce uint64, hash chainhash.Hash) bool {
	w.flush()

	logger.Info("found block candidate",
		"block_hash", hash.String(),
		"nonce", nonce,
	)

	if !w.queue.Push(work.Raw.WithNonce(nonce)) {
		return false
	}

	if current, ok := w.register.PeekVersion(); ok && current != version {
		return false
	}
	return true
}

func (w *worker) flush() {
	if w.pending == 0 {
		return
	}
	w.metrics.hashesTried.Add(w.pending)
	w.pending = 0
}
