package miner

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gominer/internal/pow"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// feed polls the node for templates and publishes each one as new Work
type feed struct {
	node     Node
	builder  pow.Builder
	register *Register
	shutdown *Shutdown
	recorder Recorder
	logger   *log.Logger

	address  string
	interval time.Duration
	retry    *retry.Config
	refresh  chan struct{}

	nextID  uint64
	lastTip chainhash.Hash
}

// run fetches immediately, then once per interval or refresh request,
// until shutdown.
func (f *feed) run(ctx context.Context) {
	f.logger.Info("template feed started", "interval", f.interval.String())
	defer f.logger.Info("template feed stopped")

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for !f.shutdown.Signaled() {
		f.cycle(ctx)

		select {
		case <-f.shutdown.Done():
			return
		case <-ticker.C:
		case <-f.refresh:
		}
	}
}

// cycle fetches one template, retrying transient failures, and publishes
// it. On failure the previously published work stays current.
func (f *feed) cycle(ctx context.Context) bool {
	work, err := retry.DoWithResult(ctx, f.retry, func() (*Work, error) {
		return f.build(ctx)
	})
	if err != nil {
		if ctx.Err() != nil || f.shutdown.Signaled() {
			return false
		}
		f.logger.WithError(err).Warn("failed to fetch block template, keeping current work",
			"retryable", errors.IsRetryable(err))
		return false
	}

	f.register.Publish(work)

	logger := f.logger.WithWork(work.ID, work.Height())
	if tip := work.Raw.Header.PrevBlock; tip != f.lastTip {
		f.lastTip = tip
		logger.Info("mining on new chain tip",
			"prev_block", tip.String(),
			"transactions", len(work.Raw.Transactions),
		)
		f.recorder.RecordWork(ctx, work)
	} else {
		logger.Debug("published work")
	}
	return true
}

func (f *feed) build(ctx context.Context) (*Work, error) {
	block, raw, err := f.node.FetchTemplate(ctx, f.address)
	if err != nil {
		return nil, err
	}

	powCtx, err := f.builder.Build(raw.Header)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "build_work",
			"failed to prepare proof-of-work context").
			WithContext("height", raw.Height)
	}

	f.nextID++
	return &Work{
		ID:    f.nextID,
		Block: block,
		Raw:   raw,
		PoW:   powCtx,
	}, nil
}

// requestRefresh asks for a fetch ahead of the next tick. Requests made
// while one is already pending are merged.
func (f *feed) requestRefresh() {
	select {
	case f.refresh <- struct{}{}:
	default:
	}
}
