// Package main implements cpuminer, a solo CPU miner for Bitcoin.
// It fetches block templates from a node, searches for a proof of work on
// every core and submits solved blocks back to the node.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/database"
	"github.com/bardlex/gominer/internal/database/influx"
	"github.com/bardlex/gominer/internal/database/redis"
	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/internal/miner"
	"github.com/bardlex/gominer/internal/pow"
	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

const (
	shutdownTimeout   = 10 * time.Second
	recorderQueueSize = 1024
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting cpuminer",
		"network", cfg.BitcoinNetwork,
		"bitcoin_host", cfg.BitcoinRPCHost,
		"bitcoin_port", cfg.BitcoinRPCPort,
		"threads", cfg.MinerThreads,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("cpuminer failed")
		os.Exit(1)
	}

	logger.Info("cpuminer stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	params, err := cfg.ChainParams()
	if err != nil {
		return err
	}

	node, err := bitcoin.NewNodeClient(bitcoin.NodeConfig{
		Host:             cfg.BitcoinRPCHost,
		Port:             cfg.BitcoinRPCPort,
		User:             cfg.BitcoinRPCUser,
		Password:         cfg.BitcoinRPCPassword,
		Params:           params,
		SyncPollInterval: cfg.SyncPollInterval,
	}, logger)
	if err != nil {
		return err
	}
	defer node.Close()

	sinks := openSinks(ctx, cfg, logger)
	defer sinks.close(logger)

	svc := NewService(cfg, logger, node,
		WithRecorders(sinks.recorders...),
		WithStatsSinks(sinks.stats...),
	)
	return svc.Run(ctx)
}

// sinkSet holds the optional event stores opened from configuration
type sinkSet struct {
	recorders []miner.Recorder
	stats     []stats.Sink
	closers   []func() error
}

// openSinks connects the stores named in cfg. A store that cannot be
// reached is logged and skipped; mining does not depend on any of them.
func openSinks(ctx context.Context, cfg *config.Config, logger *log.Logger) *sinkSet {
	s := &sinkSet{}

	if len(cfg.KafkaBrokers) > 0 {
		client := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		publisher := messaging.NewPublisher(client, cfg.ServiceName, logger)
		s.recorders = append(s.recorders, publisher)
		s.stats = append(s.stats, publisher)
		s.closers = append(s.closers, client.Close)
		logger.Info("Kafka publishing enabled", "brokers", cfg.KafkaBrokers)
	}

	dbCfg := &database.Config{}
	if cfg.RedisURL != "" {
		dbCfg.Redis = &redis.Config{URL: cfg.RedisURL, Prefix: cfg.ServiceName}
	}
	if cfg.InfluxURL != "" {
		dbCfg.Influx = &influx.Config{
			URL:     cfg.InfluxURL,
			Token:   cfg.InfluxToken,
			Org:     cfg.InfluxOrg,
			Bucket:  cfg.InfluxBucket,
			Service: cfg.ServiceName,
		}
	}

	if dbCfg.Redis != nil || dbCfg.Influx != nil {
		manager, err := database.NewManager(ctx, dbCfg, logger)
		if err != nil {
			logger.WithError(err).Warn("storage sinks disabled")
			return s
		}
		manager.StartPeriodicTasks(ctx)
		s.recorders = append(s.recorders, manager)
		s.stats = append(s.stats, manager)
		s.closers = append(s.closers, manager.Close)
		logger.Info("storage sinks enabled",
			"redis", dbCfg.Redis != nil,
			"influx", dbCfg.Influx != nil,
		)
	}

	return s
}

func (s *sinkSet) close(logger *log.Logger) {
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil {
			logger.WithError(err).Warn("failed to close sink")
		}
	}
}

// Service wires a node, the mining engine, the stats reporter and the
// optional new-block notifier together for one run.
type Service struct {
	cfg     *config.Config
	logger  *log.Logger
	node    bitcoin.NodeInterface
	builder pow.Builder

	recorders  []miner.Recorder
	statsSinks []stats.Sink

	newNotifier     func(endpoint string) (bitcoin.NotifierInterface, error)
	shutdownTimeout time.Duration
}

// ServiceOption customizes a Service
type ServiceOption func(*Service)

// WithRecorders forwards engine events to rs
func WithRecorders(rs ...miner.Recorder) ServiceOption {
	return func(s *Service) {
		s.recorders = append(s.recorders, rs...)
	}
}

// WithStatsSinks forwards stats samples to sinks
func WithStatsSinks(sinks ...stats.Sink) ServiceOption {
	return func(s *Service) {
		s.statsSinks = append(s.statsSinks, sinks...)
	}
}

// NewService creates a service mining with double SHA-256
func NewService(cfg *config.Config, logger *log.Logger, node bitcoin.NodeInterface, opts ...ServiceOption) *Service {
	s := &Service{
		cfg:     cfg,
		logger:  logger.WithComponent("service"),
		node:    node,
		builder: pow.DoubleSHA256{},
		newNotifier: func(endpoint string) (bitcoin.NotifierInterface, error) {
			return bitcoin.NewZMQNotifier(endpoint, logger)
		},
		shutdownTimeout: shutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run connects to the node, waits for it to sync and mines until ctx ends.
// Cancellation is a clean exit.
func (s *Service) Run(ctx context.Context) error {
	if err := s.node.Connect(ctx); err != nil {
		return ignoreCanceled(ctx, err)
	}
	if err := s.node.WaitUntilSynced(ctx); err != nil {
		return ignoreCanceled(ctx, err)
	}

	recorder := miner.NewAsyncRecorder(miner.Recorders(s.recorders...), recorderQueueSize, s.logger)
	recorderDone := make(chan struct{})
	go func() {
		defer close(recorderDone)
		recorder.Run(context.WithoutCancel(ctx))
	}()

	engine, err := miner.Start(ctx, s.node, s.builder, miner.Config{
		MiningAddress:        s.cfg.MiningAddress,
		Threads:              s.cfg.MinerThreads,
		Throttle:             s.cfg.MinerThrottle,
		TemplatePollInterval: s.cfg.TemplatePollInterval,
	}, s.logger, miner.WithRecorder(recorder))
	if err != nil {
		recorder.Close()
		<-recorderDone
		return err
	}

	reporter := stats.NewReporter(engine, s.cfg.StatsInterval, s.logger, s.statsSinks...)
	go reporter.Run(ctx)

	if s.cfg.BitcoinZMQAddr != "" {
		go s.listenBlocks(ctx, engine)
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case <-engine.Done():
		s.logger.Warn("mining engine exited")
	}

	engine.Stop()

	waitCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	waitErr := engine.Wait(waitCtx)
	if waitErr != nil {
		s.logger.WithError(waitErr).Error("mining engine did not stop in time")
	}

	final := reporter.Report(waitCtx)
	s.logger.Info("final mining stats",
		"hashes_tried", final.HashesTried,
		"blocks_submitted", final.BlocksSubmitted,
		"blocks_accepted", final.BlocksAccepted,
		"uptime", final.Uptime.String(),
	)

	recorder.Close()
	select {
	case <-recorderDone:
	case <-waitCtx.Done():
		s.logger.Warn("recorder did not drain before shutdown timeout")
	}

	return waitErr
}

// listenBlocks subscribes to the node's hashblock notifications and asks
// the engine for a fresh template on each one. Failures only cost latency:
// template polling keeps running.
func (s *Service) listenBlocks(ctx context.Context, engine *miner.Engine) {
	notifier, err := s.newNotifier(s.cfg.BitcoinZMQAddr)
	if err != nil {
		s.logger.WithError(err).Warn("block notifications disabled")
		return
	}
	defer func() {
		if err := notifier.Close(); err != nil {
			s.logger.WithError(err).Warn("failed to close notifier")
		}
	}()

	if err := notifier.Subscribe("hashblock"); err != nil {
		s.logger.WithError(err).Warn("block notifications disabled")
		return
	}
	if err := notifier.Connect(); err != nil {
		s.logger.WithError(err).Warn("block notifications disabled")
		return
	}

	handler := bitcoin.NewBlockNotificationHandler(s.logger, func(blockHash string) error {
		s.logger.Debug("new block announced", "block_hash", blockHash)
		engine.Refresh()
		return nil
	})

	if err := notifier.Listen(ctx, handler.HandleMessage); err != nil {
		if ctx.Err() == nil {
			s.logger.WithError(err).Warn("block notification listener stopped")
		}
	}
}

func ignoreCanceled(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return errors.Wrap(err, errors.ErrorTypeNode, "node_startup", "node is not ready for mining")
}
