package miner

import (
	"context"
	"time"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/pkg/log"
)

// submitTimeout bounds one submitblock call. A call in flight when the
// engine stops is allowed to finish within it.
const submitTimeout = 5 * time.Second

// submitter sends queued candidates to the node one at a time
type submitter struct {
	node     Node
	queue    *candidateQueue
	metrics  *Metrics
	shutdown *Shutdown
	recorder Recorder
	logger   *log.Logger
	address  string
	timeout  time.Duration
}

func (s *submitter) run(ctx context.Context) {
	s.logger.Info("block submitter started")
	defer s.logger.Info("block submitter stopped")

	for {
		candidate, ok := s.queue.Pop()
		if !ok || s.shutdown.Signaled() {
			return
		}
		s.submit(ctx, candidate)
	}
}

// submit sends one candidate. Accepted and rejected blocks both count as
// submitted; transport failures are logged and the candidate is dropped.
// Cancelling ctx does not interrupt the call.
func (s *submitter) submit(ctx context.Context, candidate *bitcoin.RawBlock) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	start := time.Now()
	report, err := s.node.Submit(ctx, candidate)

	result := SubmissionResult{
		BlockHash: candidate.BlockHash(),
		Height:    candidate.Height,
		Nonce:     candidate.Nonce,
		Latency:   time.Since(start),
		At:        time.Now(),
		Err:       err,
	}
	hash := result.BlockHash.String()

	if err != nil {
		s.logger.WithError(err).Error("block submission failed, dropping candidate",
			"block_hash", hash,
			"block_height", candidate.Height,
		)
		s.recorder.RecordSubmission(ctx, result)
		return
	}

	result.Accepted = report.Accepted
	result.Reason = report.Reason

	s.metrics.blocksSubmitted.Add(1)
	if report.Accepted {
		s.metrics.blocksAccepted.Add(1)
		s.logger.LogBlockFound(hash, candidate.Height, candidate.Nonce, s.address)
	}
	s.logger.LogSubmission(hash, candidate.Height, report.Status(), report.Reason, result.Latency)

	s.recorder.RecordSubmission(ctx, result)
}
