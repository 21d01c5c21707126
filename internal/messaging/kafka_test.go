package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/miner"
	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/pkg/log"
)

type published struct {
	topic string
	key   string
	data  []byte
	msg   proto.Message
}

type fakeProducer struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *fakeProducer) PublishJSON(_ context.Context, topic, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{topic: topic, key: key, data: data})
	return f.err
}

func (f *fakeProducer) PublishProto(_ context.Context, topic, key string, msg proto.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{topic: topic, key: key, msg: msg})
	return f.err
}

func (f *fakeProducer) Close() error { return nil }

func testWork() *miner.Work {
	prev := chainhash.Hash{0x01}
	return &miner.Work{
		ID: 9,
		Raw: &bitcoin.RawBlock{
			Header: wire.BlockHeader{
				Version:   0x20000000,
				PrevBlock: prev,
				Bits:      0x207fffff,
				Timestamp: time.Unix(1_700_000_000, 0),
			},
			Transactions: []*wire.MsgTx{wire.NewMsgTx(2)},
			Height:       101,
			Target:       "7fffff0000000000000000000000000000000000000000000000000000000000",
		},
	}
}

func TestNewKafkaClient(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, nil)

	if len(client.brokers) != 1 || client.brokers[0] != "localhost:9092" {
		t.Errorf("brokers = %v", client.brokers)
	}
	if client.logger == nil || client.writers == nil || client.circuitBreaker == nil {
		t.Error("client not fully initialized")
	}
}

func TestKafkaClient_GetProducer(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, log.Nop())

	producer1 := client.GetProducer(TopicBlockResults)
	if producer1.Topic != TopicBlockResults {
		t.Errorf("topic = %s", producer1.Topic)
	}

	if producer2 := client.GetProducer(TopicBlockResults); producer1 != producer2 {
		t.Error("expected cached producer")
	}

	client.GetProducer(TopicStats)
	if len(client.writers) != 2 {
		t.Errorf("writers = %d, want 2", len(client.writers))
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	if len(client.writers) != 0 {
		t.Error("Close should drop writers")
	}
}

func TestPublisher_RecordWork(t *testing.T) {
	producer := &fakeProducer{}
	p := NewPublisher(producer, "cpuminer", nil)

	p.RecordWork(context.Background(), testWork())

	if len(producer.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(producer.sent))
	}
	sent := producer.sent[0]
	if sent.topic != TopicWork || sent.key != "101" {
		t.Errorf("topic/key = %s/%s", sent.topic, sent.key)
	}

	var msg WorkMessage
	if err := json.Unmarshal(sent.data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.WorkID != 9 || msg.Height != 101 || msg.Bits != "207fffff" || msg.TxCount != 1 {
		t.Errorf("message = %+v", msg)
	}
	if msg.PrevBlock != (chainhash.Hash{0x01}).String() {
		t.Errorf("prev_block = %s", msg.PrevBlock)
	}
	if msg.Service != "cpuminer" {
		t.Errorf("service = %s", msg.Service)
	}
}

func TestPublisher_RecordSubmission(t *testing.T) {
	hash := chainhash.Hash{0xaa}
	tests := []struct {
		name       string
		result     miner.SubmissionResult
		wantStatus string
		wantReason string
		wantError  string
	}{
		{
			name:       "accepted",
			result:     miner.SubmissionResult{BlockHash: hash, Height: 101, Accepted: true},
			wantStatus: "accepted",
		},
		{
			name:       "rejected",
			result:     miner.SubmissionResult{BlockHash: hash, Height: 101, Reason: "high-hash"},
			wantStatus: "rejected",
			wantReason: "high-hash",
		},
		{
			name:       "transport error",
			result:     miner.SubmissionResult{BlockHash: hash, Height: 101, Err: errors.New("connection refused")},
			wantStatus: "error",
			wantError:  "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			producer := &fakeProducer{}
			p := NewPublisher(producer, "cpuminer", nil)

			tt.result.Latency = 1500 * time.Microsecond
			p.RecordSubmission(context.Background(), tt.result)

			if len(producer.sent) != 1 {
				t.Fatalf("sent %d messages", len(producer.sent))
			}
			sent := producer.sent[0]
			if sent.topic != TopicBlockResults || sent.key != hash.String() {
				t.Errorf("topic/key = %s/%s", sent.topic, sent.key)
			}

			var msg BlockSubmissionResult
			if err := json.Unmarshal(sent.data, &msg); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if msg.Status != tt.wantStatus || msg.Reason != tt.wantReason || msg.Error != tt.wantError {
				t.Errorf("message = %+v", msg)
			}
			if msg.LatencyMs != 1.5 {
				t.Errorf("latency_ms = %v", msg.LatencyMs)
			}
		})
	}
}

func TestPublisher_RecordSubmission_ProducerError(t *testing.T) {
	producer := &fakeProducer{err: errors.New("broker down")}
	p := NewPublisher(producer, "cpuminer", log.Nop())

	// Must not panic or block; the failure is only logged.
	p.RecordSubmission(context.Background(), miner.SubmissionResult{Accepted: true})
	if len(producer.sent) != 1 {
		t.Errorf("sent %d messages, want 1", len(producer.sent))
	}
}

func TestPublisher_RecordStats(t *testing.T) {
	producer := &fakeProducer{}
	p := NewPublisher(producer, "cpuminer", nil)

	sample := stats.Sample{
		Snapshot: miner.Snapshot{
			HashesTried:    5000,
			BlocksAccepted: 2,
			Uptime:         90 * time.Second,
			TakenAt:        time.Unix(1_700_000_000, 0),
		},
		Hashrate: 1234.5,
		Threads:  8,
		Height:   101,
	}
	if err := p.RecordStats(context.Background(), sample); err != nil {
		t.Fatalf("RecordStats() = %v", err)
	}

	sent := producer.sent[0]
	if sent.topic != TopicStats || sent.key != "cpuminer" {
		t.Errorf("topic/key = %s/%s", sent.topic, sent.key)
	}

	st, ok := sent.msg.(*structpb.Struct)
	if !ok {
		t.Fatalf("message type %T", sent.msg)
	}
	fields := st.GetFields()
	if got := fields["hashrate"].GetNumberValue(); got != 1234.5 {
		t.Errorf("hashrate = %v", got)
	}
	if got := fields["hashes_tried"].GetNumberValue(); got != 5000 {
		t.Errorf("hashes_tried = %v", got)
	}
	if got := fields["uptime_seconds"].GetNumberValue(); got != 90 {
		t.Errorf("uptime_seconds = %v", got)
	}
	if got := fields["service"].GetStringValue(); got != "cpuminer" {
		t.Errorf("service = %q", got)
	}

	data, err := proto.Marshal(st)
	if err != nil || len(data) == 0 {
		t.Errorf("struct does not marshal: %v", err)
	}
}
