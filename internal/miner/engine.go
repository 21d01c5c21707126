// Package miner runs the proof-of-work search: a template feed publishing
// work, a pool of workers partitioning the nonce space, and a submitter
// delivering solved blocks to the node.
package miner

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/pow"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// DefaultTemplatePollInterval is used when Config.TemplatePollInterval is not positive
const DefaultTemplatePollInterval = 50 * time.Millisecond

// Node is what the engine needs from a Bitcoin node
type Node interface {
	FetchTemplate(ctx context.Context, miningAddress string) (*btcutil.Block, *bitcoin.RawBlock, error)
	Submit(ctx context.Context, block *bitcoin.RawBlock) (*bitcoin.SubmissionReport, error)
}

var _ Node = (bitcoin.NodeInterface)(nil)

// Config controls an Engine
type Config struct {
	// MiningAddress receives the coinbase reward. Required.
	MiningAddress string
	// Threads is the number of workers. Values below 1 mean 1.
	Threads int
	// Throttle is slept every 128 hashes per worker. Zero disables it.
	Throttle time.Duration
	// TemplatePollInterval is the pause between template fetches.
	TemplatePollInterval time.Duration
}

// Option customizes an Engine
type Option func(*Engine)

// WithRecorder sends work and submission events to r
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithTemplateRetry overrides the retry schedule for template fetches
func WithTemplateRetry(cfg *retry.Config) Option {
	return func(e *Engine) {
		if cfg != nil {
			e.templateRetry = cfg
		}
	}
}

// Engine is a running miner
type Engine struct {
	cfg     Config
	node    Node
	builder pow.Builder
	logger  *log.Logger

	metrics  *Metrics
	register *Register
	queue    *candidateQueue
	shutdown *Shutdown
	feed     *feed

	recorder      Recorder
	templateRetry *retry.Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// Start validates cfg and launches the feed, submitter and workers. It
// returns without waiting for the first template. The engine runs until
// Stop is called or ctx ends.
func Start(ctx context.Context, node Node, builder pow.Builder, cfg Config, logger *log.Logger, opts ...Option) (*Engine, error) {
	if cfg.MiningAddress == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "start_engine", "mining address is required")
	}
	if node == nil || builder == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "start_engine", "node and proof-of-work builder are required")
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Threads < 1 {
		cfg.Threads = 1
	}
	if cfg.TemplatePollInterval <= 0 {
		cfg.TemplatePollInterval = DefaultTemplatePollInterval
	}
	if cfg.Throttle < 0 {
		cfg.Throttle = 0
	}

	e := &Engine{
		cfg:           cfg,
		node:          node,
		builder:       builder,
		logger:        logger.WithComponent("miner"),
		metrics:       NewMetrics(),
		register:      NewRegister(),
		queue:         newCandidateQueue(),
		shutdown:      NewShutdown(),
		recorder:      nopRecorder{},
		templateRetry: retry.TemplateConfig(),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	ctx, e.cancel = context.WithCancel(ctx)

	e.feed = &feed{
		node:     node,
		builder:  builder,
		register: e.register,
		shutdown: e.shutdown,
		recorder: e.recorder,
		logger:   logger.WithComponent("feed"),
		address:  cfg.MiningAddress,
		interval: cfg.TemplatePollInterval,
		retry:    e.templateRetry,
		refresh:  make(chan struct{}, 1),
	}

	sub := &submitter{
		node:     node,
		queue:    e.queue,
		metrics:  e.metrics,
		shutdown: e.shutdown,
		recorder: e.recorder,
		logger:   logger.WithComponent("submitter"),
		address:  cfg.MiningAddress,
		timeout:  submitTimeout,
	}

	e.wg.Add(3 + cfg.Threads)
	go func() {
		defer e.wg.Done()
		e.watch(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.feed.run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		sub.run(ctx)
	}()

	workerLogger := logger.WithComponent("worker")
	for i := range cfg.Threads {
		w := &worker{
			index:    i,
			count:    cfg.Threads,
			register: e.register,
			queue:    e.queue,
			metrics:  e.metrics,
			shutdown: e.shutdown,
			throttle: cfg.Throttle,
			logger:   workerLogger.WithWorker(i, cfg.Threads),
		}
		go func() {
			defer e.wg.Done()
			w.run()
		}()
	}

	go func() {
		e.wg.Wait()
		close(e.done)
	}()

	e.logger.Info("mining engine started",
		"threads", cfg.Threads,
		"mining_address", cfg.MiningAddress,
		"poll_interval", cfg.TemplatePollInterval.String(),
		"throttle", cfg.Throttle.String(),
	)

	return e, nil
}

// watch turns a shutdown request or context cancellation into a full stop:
// an in-flight template fetch is cancelled and blocked workers and the
// submitter are woken. A submission already in flight runs to completion.
func (e *Engine) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		e.shutdown.Signal()
	case <-e.shutdown.Done():
	}

	e.cancel()
	e.register.Close()
	e.queue.Close()
	e.logger.Info("mining engine stopping")
}

// Stop asks every engine goroutine to exit. It does not wait; use Wait.
func (e *Engine) Stop() {
	e.shutdown.Signal()
}

// Wait blocks until every engine goroutine has exited or ctx ends
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		snap := e.metrics.Snapshot()
		e.logger.Info("mining engine stopped",
			"hashes_tried", snap.HashesTried,
			"blocks_submitted", snap.BlocksSubmitted,
			"blocks_accepted", snap.BlocksAccepted,
		)
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "engine_wait",
			"engine did not stop in time")
	}
}

// Done is closed once every engine goroutine has exited
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Refresh asks the feed to fetch a template now rather than at the next tick
func (e *Engine) Refresh() {
	e.feed.requestRefresh()
}

// Metrics returns the engine's counters
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// Snapshot is shorthand for Metrics().Snapshot()
func (e *Engine) Snapshot() Snapshot {
	return e.metrics.Snapshot()
}

// CurrentWork returns the most recently published work, or nil
func (e *Engine) CurrentWork() *Work {
	_, work := e.register.Current()
	return work
}

// PendingCandidates returns the number of solved blocks awaiting submission
func (e *Engine) PendingCandidates() int {
	return e.queue.Len()
}

// Threads returns the number of workers
func (e *Engine) Threads() int {
	return e.cfg.Threads
}
