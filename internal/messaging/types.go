package messaging

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gominer/internal/miner"
	"github.com/bardlex/gominer/internal/stats"
)

// WorkMessage announces work on a new chain tip
type WorkMessage struct {
	Service    string    `json:"service"`
	WorkID     uint64    `json:"work_id"`
	Height     int64     `json:"height"`
	PrevBlock  string    `json:"prev_block"`
	MerkleRoot string    `json:"merkle_root"`
	Bits       string    `json:"bits"`
	Target     string    `json:"target,omitempty"`
	TxCount    int       `json:"tx_count"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewWorkMessage describes work for publishing
func NewWorkMessage(service string, work *miner.Work) *WorkMessage {
	header := work.Raw.Header
	return &WorkMessage{
		Service:    service,
		WorkID:     work.ID,
		Height:     work.Height(),
		PrevBlock:  header.PrevBlock.String(),
		MerkleRoot: header.MerkleRoot.String(),
		Bits:       fmt.Sprintf("%08x", header.Bits),
		Target:     work.Raw.Target,
		TxCount:    len(work.Raw.Transactions),
		Timestamp:  header.Timestamp.UTC(),
	}
}

// BlockSubmissionResult is the outcome of one submitted block
type BlockSubmissionResult struct {
	Service     string    `json:"service"`
	BlockHash   string    `json:"block_hash"`
	Height      int64     `json:"height"`
	Nonce       uint64    `json:"nonce"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Error       string    `json:"error,omitempty"`
	LatencyMs   float64   `json:"latency_ms"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// NewBlockSubmissionResult converts an engine submission result
func NewBlockSubmissionResult(service string, r miner.SubmissionResult) *BlockSubmissionResult {
	msg := &BlockSubmissionResult{
		Service:     service,
		BlockHash:   r.BlockHash.String(),
		Height:      r.Height,
		Nonce:       r.Nonce,
		Status:      r.Status(),
		Reason:      r.Reason,
		LatencyMs:   float64(r.Latency.Nanoseconds()) / 1e6,
		SubmittedAt: r.At.UTC(),
	}
	if r.Err != nil {
		msg.Error = r.Err.Error()
	}
	return msg
}

// StatsMessage is a hashrate sample
type StatsMessage struct {
	Service         string
	Hashrate        float64
	HashesTried     uint64
	BlocksSubmitted uint64
	BlocksAccepted  uint64
	Threads         int
	WorkID          uint64
	Height          int64
	Uptime          time.Duration
	Timestamp       time.Time
}

// NewStatsMessage converts a reporter sample
func NewStatsMessage(service string, s stats.Sample) *StatsMessage {
	return &StatsMessage{
		Service:         service,
		Hashrate:        s.Hashrate,
		HashesTried:     s.HashesTried,
		BlocksSubmitted: s.BlocksSubmitted,
		BlocksAccepted:  s.BlocksAccepted,
		Threads:         s.Threads,
		WorkID:          s.WorkID,
		Height:          s.Height,
		Uptime:          s.Uptime,
		Timestamp:       s.TakenAt.UTC(),
	}
}

// Proto encodes the message as a protobuf Struct so consumers without the
// miner's schema can still decode it.
func (m *StatsMessage) Proto() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"service":          m.Service,
		"hashrate":         m.Hashrate,
		"hashes_tried":     m.HashesTried,
		"blocks_submitted": m.BlocksSubmitted,
		"blocks_accepted":  m.BlocksAccepted,
		"threads":          m.Threads,
		"work_id":          m.WorkID,
		"height":           m.Height,
		"uptime_seconds":   m.Uptime.Seconds(),
		"timestamp":        m.Timestamp.Format(time.RFC3339Nano),
	})
}
