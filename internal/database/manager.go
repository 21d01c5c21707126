// Package database fans miner events out to the optional Redis and InfluxDB
// stores.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/gominer/internal/database/influx"
	"github.com/bardlex/gominer/internal/database/redis"
	"github.com/bardlex/gominer/internal/miner"
	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/pkg/circuit"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// recentBlocksKept bounds the Redis list of accepted blocks
const recentBlocksKept = 100

// statsTTLFactor multiplies the sample interval to get the stats key TTL
const statsTTLFactor = 3

const flushInterval = 10 * time.Second

type cache interface {
	SetCurrentWork(ctx context.Context, work any) error
	SetStats(ctx context.Context, stats any, ttl time.Duration) error
	IncrementCounter(ctx context.Context, name string, expiration time.Duration) (int64, error)
	PushRecentBlock(ctx context.Context, block any, keep int64) error
	Health(ctx context.Context) error
	Close() error
}

type timeSeries interface {
	WriteHashrateMetric(hashrate float64, hashes, submitted, accepted uint64, threads int, at time.Time)
	WriteSubmissionMetric(blockHash string, height int64, status string, latency time.Duration, at time.Time)
	WriteWorkMetric(workID uint64, height int64, txCount int, at time.Time)
	Errors() <-chan error
	Flush()
	Health(ctx context.Context) error
	Close()
}

var (
	_ cache      = (*redis.Client)(nil)
	_ timeSeries = (*influx.Client)(nil)
)

// Manager records engine and stats events in whichever stores are configured
type Manager struct {
	cache  cache
	series timeSeries
	logger *log.Logger

	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

var (
	_ miner.Recorder = (*Manager)(nil)
	_ stats.Sink     = (*Manager)(nil)
)

// Config selects the stores. A nil member disables that store.
type Config struct {
	Redis  *redis.Config
	Influx *influx.Config
}

// NewManager connects to every configured store
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	var (
		c cache
		s timeSeries
	)

	if cfg.Redis != nil {
		client, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "redis_connection",
				"failed to connect to Redis")
		}
		c = client
	}

	if cfg.Influx != nil {
		client, err := influx.NewClient(ctx, cfg.Influx)
		if err != nil {
			origErr := errors.Wrap(err, errors.ErrorTypeStorage, "influx_connection",
				"failed to connect to InfluxDB")
			if c != nil {
				if closeErr := c.Close(); closeErr != nil {
					return nil, origErr.WithContext("cleanup_error", closeErr.Error())
				}
			}
			return nil, origErr
		}
		s = client
	}

	return newManager(c, s, logger), nil
}

func newManager(c cache, s timeSeries, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Nop()
	}
	return &Manager{
		cache:  c,
		series: s,
		logger: logger.WithComponent("database"),
		circuitBreaker: circuit.New("storage", &circuit.Config{
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retryConfig: retry.StorageConfig(),
	}
}

// Enabled reports whether any store is configured
func (m *Manager) Enabled() bool {
	return m.cache != nil || m.series != nil
}

// Close flushes and closes every store
func (m *Manager) Close() error {
	var errs []error

	if m.cache != nil {
		if err := m.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if m.series != nil {
		m.series.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}

// Health checks every configured store
func (m *Manager) Health(ctx context.Context) error {
	if m.cache != nil {
		if err := m.cache.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}

	if m.series != nil {
		if err := m.series.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}

	return nil
}

// currentWork is the Redis representation of the work being mined
type currentWork struct {
	WorkID    uint64    `json:"work_id"`
	Height    int64     `json:"height"`
	PrevBlock string    `json:"prev_block"`
	Bits      string    `json:"bits"`
	TxCount   int       `json:"tx_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// foundBlock is an entry in the Redis recent blocks list
type foundBlock struct {
	BlockHash string    `json:"block_hash"`
	Height    int64     `json:"height"`
	Nonce     uint64    `json:"nonce"`
	FoundAt   time.Time `json:"found_at"`
}

// liveStats is the Redis representation of the latest sample
type liveStats struct {
	Hashrate        float64   `json:"hashrate"`
	HashrateText    string    `json:"hashrate_text"`
	HashesTried     uint64    `json:"hashes_tried"`
	BlocksSubmitted uint64    `json:"blocks_submitted"`
	BlocksAccepted  uint64    `json:"blocks_accepted"`
	Threads         int       `json:"threads"`
	Height          int64     `json:"height"`
	UptimeSeconds   float64   `json:"uptime_seconds"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RecordWork stores the new work in Redis and writes a work point
func (m *Manager) RecordWork(ctx context.Context, work *miner.Work) {
	now := time.Now()
	txCount := len(work.Raw.Transactions)

	if m.series != nil {
		m.series.WriteWorkMetric(work.ID, work.Height(), txCount, now)
	}

	if m.cache == nil {
		return
	}

	entry := currentWork{
		WorkID:    work.ID,
		Height:    work.Height(),
		PrevBlock: work.Raw.Header.PrevBlock.String(),
		Bits:      fmt.Sprintf("%08x", work.Raw.Header.Bits),
		TxCount:   txCount,
		UpdatedAt: now.UTC(),
	}
	if err := m.protect(ctx, func() error {
		return m.cache.SetCurrentWork(ctx, entry)
	}); err != nil {
		m.logger.WithError(err).WithWork(work.ID, work.Height()).Warn("failed to store current work")
	}
}

// RecordSubmission counts the outcome in Redis, remembers accepted blocks
// and writes a submission point
func (m *Manager) RecordSubmission(ctx context.Context, result miner.SubmissionResult) {
	hash := result.BlockHash.String()
	status := result.Status()

	if m.series != nil {
		m.series.WriteSubmissionMetric(hash, result.Height, status, result.Latency, result.At)
	}

	if m.cache == nil {
		return
	}

	err := m.protect(ctx, func() error {
		if _, err := m.cache.IncrementCounter(ctx, "submissions:"+status, 0); err != nil {
			return err
		}
		if !result.Accepted {
			return nil
		}
		return m.cache.PushRecentBlock(ctx, foundBlock{
			BlockHash: hash,
			Height:    result.Height,
			Nonce:     result.Nonce,
			FoundAt:   result.At.UTC(),
		}, recentBlocksKept)
	})
	if err != nil {
		m.logger.WithError(err).Warn("failed to record submission",
			"block_hash", hash,
			"status", status,
		)
	}
}

// RecordStats stores the sample in Redis and writes a hashrate point
func (m *Manager) RecordStats(ctx context.Context, sample stats.Sample) error {
	if m.series != nil {
		m.series.WriteHashrateMetric(sample.Hashrate, sample.HashesTried,
			sample.BlocksSubmitted, sample.BlocksAccepted, sample.Threads, sample.TakenAt)
	}

	if m.cache == nil {
		return nil
	}

	ttl := statsTTLFactor * sample.Interval
	if ttl <= 0 {
		ttl = statsTTLFactor * stats.DefaultInterval
	}

	entry := liveStats{
		Hashrate:        sample.Hashrate,
		HashrateText:    log.FormatHashrate(sample.Hashrate),
		HashesTried:     sample.HashesTried,
		BlocksSubmitted: sample.BlocksSubmitted,
		BlocksAccepted:  sample.BlocksAccepted,
		Threads:         sample.Threads,
		Height:          sample.Height,
		UptimeSeconds:   sample.Uptime.Seconds(),
		UpdatedAt:       sample.TakenAt.UTC(),
	}
	return m.protect(ctx, func() error {
		return m.cache.SetStats(ctx, entry, ttl)
	})
}

// StartPeriodicTasks flushes InfluxDB on a timer and logs its asynchronous
// write errors until ctx ends
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
	if m.series == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.series.Flush()
			}
		}
	}()

	go func() {
		errs := m.series.Errors()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errs:
				if !ok {
					return
				}
				m.logger.WithError(err).Warn("InfluxDB write failed")
			}
		}
	}()
}

func (m *Manager) protect(ctx context.Context, fn func() error) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, fn)
	})
}
