// Package influx writes the miner's time series to InfluxDB: hashrate
// samples, submission outcomes and work changes.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/gominer/pkg/errors"
)

// Measurement names
const (
	MeasurementHashrate    = "hashrate"
	MeasurementSubmissions = "submissions"
	MeasurementWork        = "work"
)

// Client wraps the non-blocking InfluxDB write API
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	service  string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	// Service is added as a tag to every point.
	Service string
}

// NewClient connects and checks server health
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(100).SetFlushInterval(10_000))

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		service:  cfg.Service,
	}

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.Health(healthCtx); err != nil {
		client.Close()
		return nil, err
	}
	return c, nil
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "influx_health",
			"failed to check InfluxDB health")
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return errors.New(errors.ErrorTypeStorage, "influx_health",
			fmt.Sprintf("InfluxDB health check failed: %s", msg))
	}
	return nil
}

// Errors reports asynchronous write failures. It must be drained.
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// WriteHashrateMetric records a stats sample
func (c *Client) WriteHashrateMetric(hashrate float64, hashes, submitted, accepted uint64, threads int, at time.Time) {
	c.writeAPI.WritePoint(hashratePoint(c.service, hashrate, hashes, submitted, accepted, threads, at))
}

// WriteSubmissionMetric records one block submission
func (c *Client) WriteSubmissionMetric(blockHash string, height int64, status string, latency time.Duration, at time.Time) {
	c.writeAPI.WritePoint(submissionPoint(c.service, blockHash, height, status, latency, at))
}

// WriteWorkMetric records work moving to a new chain tip
func (c *Client) WriteWorkMetric(workID uint64, height int64, txCount int, at time.Time) {
	c.writeAPI.WritePoint(workPoint(c.service, workID, height, txCount, at))
}

func hashratePoint(service string, hashrate float64, hashes, submitted, accepted uint64, threads int, at time.Time) *write.Point {
	tags := map[string]string{
		"service": service,
	}

	fields := map[string]interface{}{
		"hashrate":         hashrate,
		"hashes_tried":     int64(hashes),
		"blocks_submitted": int64(submitted),
		"blocks_accepted":  int64(accepted),
		"threads":          int64(threads),
	}

	return write.NewPoint(MeasurementHashrate, tags, fields, at)
}

func submissionPoint(service, blockHash string, height int64, status string, latency time.Duration, at time.Time) *write.Point {
	tags := map[string]string{
		"service": service,
		"status":  status,
	}

	fields := map[string]interface{}{
		"block_hash": blockHash,
		"height":     height,
		"latency_ms": float64(latency.Nanoseconds()) / 1e6,
		"count":      int64(1),
	}

	return write.NewPoint(MeasurementSubmissions, tags, fields, at)
}

func workPoint(service string, workID uint64, height int64, txCount int, at time.Time) *write.Point {
	tags := map[string]string{
		"service": service,
		"height":  strconv.FormatInt(height, 10),
	}

	fields := map[string]interface{}{
		"work_id":  int64(workID),
		"tx_count": int64(txCount),
	}

	return write.NewPoint(MeasurementWork, tags, fields, at)
}
