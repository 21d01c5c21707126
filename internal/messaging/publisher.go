package messaging

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/bardlex/gominer/internal/miner"
	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// Publisher turns engine and reporter events into Kafka messages
type Publisher struct {
	producer Producer
	service  string
	logger   *log.Logger
}

var (
	_ miner.Recorder = (*Publisher)(nil)
	_ stats.Sink     = (*Publisher)(nil)
)

// NewPublisher creates a publisher. service is stamped on every message
// and used as the stats message key.
func NewPublisher(producer Producer, service string, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.Nop()
	}
	return &Publisher{
		producer: producer,
		service:  service,
		logger:   logger.WithComponent("publisher"),
	}
}

// RecordWork publishes a WorkMessage keyed by height
func (p *Publisher) RecordWork(ctx context.Context, work *miner.Work) {
	key := strconv.FormatInt(work.Height(), 10)
	if err := p.publishJSON(ctx, TopicWork, key, NewWorkMessage(p.service, work)); err != nil {
		p.logger.WithError(err).WithWork(work.ID, work.Height()).Warn("failed to publish work")
	}
}

// RecordSubmission publishes a BlockSubmissionResult keyed by block hash
func (p *Publisher) RecordSubmission(ctx context.Context, result miner.SubmissionResult) {
	msg := NewBlockSubmissionResult(p.service, result)
	if err := p.publishJSON(ctx, TopicBlockResults, msg.BlockHash, msg); err != nil {
		p.logger.WithError(err).Warn("failed to publish block result",
			"block_hash", msg.BlockHash,
			"status", msg.Status,
		)
	}
}

// RecordStats publishes the sample as a protobuf Struct
func (p *Publisher) RecordStats(ctx context.Context, sample stats.Sample) error {
	pb, err := NewStatsMessage(p.service, sample).Proto()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "encode_stats",
			"failed to encode stats message")
	}
	return p.producer.PublishProto(ctx, TopicStats, p.service, pb)
}

func (p *Publisher) publishJSON(ctx context.Context, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal",
			"failed to marshal message").
			WithContext("topic", topic)
	}
	return p.producer.PublishJSON(ctx, topic, key, data)
}
