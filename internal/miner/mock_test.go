package miner

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/pow"
)

const testAddress = "bcrt1qzyg3zyg3zyg3zyg3zyg3zyg3zyg3zyg3lgth6c"

var errNodeDown = stderrors.New("connection refused")

// mockContext records every nonce it evaluates. Nonces in solutions meet
// the target.
type mockContext struct {
	mu        sync.Mutex
	seen      []uint64
	solutions map[uint64]bool
	// onEvaluate is called outside the lock with the evaluation count.
	onEvaluate func(n int)
}

func newMockContext(solutions ...uint64) *mockContext {
	m := &mockContext{solutions: make(map[uint64]bool)}
	for _, s := range solutions {
		m.solutions[s] = true
	}
	return m
}

func (m *mockContext) Evaluate(nonce uint64) (bool, chainhash.Hash) {
	m.mu.Lock()
	m.seen = append(m.seen, nonce)
	n := len(m.seen)
	hook := m.onEvaluate
	m.mu.Unlock()

	if hook != nil {
		hook(n)
	}

	var hash chainhash.Hash
	binary.LittleEndian.PutUint64(hash[:], nonce)
	return m.solutions[nonce], hash
}

func (m *mockContext) Target() *big.Int {
	return big.NewInt(0)
}

func (m *mockContext) nonces() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.seen...)
}

func (m *mockContext) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

// mockBuilder hands out contexts in order; the last one is reused.
type mockBuilder struct {
	mu       sync.Mutex
	contexts []*mockContext
	built    int
	err      error
}

func (b *mockBuilder) Build(wire.BlockHeader) (pow.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	i := min(b.built, len(b.contexts)-1)
	b.built++
	return b.contexts[i], nil
}

type submitReply struct {
	report *bitcoin.SubmissionReport
	err    error
}

// mockNode serves templates and records submissions.
type mockNode struct {
	mu sync.Mutex

	// fetchErrs are returned by successive FetchTemplate calls before
	// templates are served. Once templatesLeft reaches zero every fetch
	// fails with errNodeDown.
	fetchErrs     []error
	templatesLeft int
	fetches       int
	prevBlock     chainhash.Hash

	submitReply submitReply
	submitted   []*bitcoin.RawBlock
	// blockSubmit makes Submit wait for its context to end.
	blockSubmit bool
}

func newMockNode(templates int) *mockNode {
	return &mockNode{
		templatesLeft: templates,
		submitReply:   submitReply{report: &bitcoin.SubmissionReport{Accepted: true}},
	}
}

func testRawBlock(prev chainhash.Hash, height int64) *bitcoin.RawBlock {
	return &bitcoin.RawBlock{
		Header: wire.BlockHeader{
			Version:   0x20000000,
			PrevBlock: prev,
			Timestamp: time.Unix(1700000000, 0),
			Bits:      0x207fffff,
		},
		Transactions: []*wire.MsgTx{wire.NewMsgTx(wire.TxVersion)},
		Height:       height,
	}
}

func (n *mockNode) FetchTemplate(_ context.Context, _ string) (*btcutil.Block, *bitcoin.RawBlock, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.fetches++
	if len(n.fetchErrs) > 0 {
		err := n.fetchErrs[0]
		n.fetchErrs = n.fetchErrs[1:]
		return nil, nil, err
	}
	if n.templatesLeft == 0 {
		return nil, nil, errNodeDown
	}
	n.templatesLeft--

	raw := testRawBlock(n.prevBlock, 100)
	return btcutil.NewBlock(raw.MsgBlock()), raw, nil
}

func (n *mockNode) Submit(ctx context.Context, block *bitcoin.RawBlock) (*bitcoin.SubmissionReport, error) {
	if n.blockSubmit {
		<-ctx.Done()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.submitted = append(n.submitted, block)
	if n.submitReply.err != nil {
		return nil, n.submitReply.err
	}
	report := *n.submitReply.report
	report.BlockHash = block.BlockHash()
	return &report, nil
}

func (n *mockNode) fetchCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fetches
}

func (n *mockNode) submissions() []*bitcoin.RawBlock {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*bitcoin.RawBlock(nil), n.submitted...)
}

// mockRecorder collects events.
type mockRecorder struct {
	mu          sync.Mutex
	work        []*Work
	submissions []SubmissionResult
}

func (r *mockRecorder) RecordWork(_ context.Context, work *Work) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.work = append(r.work, work)
}

func (r *mockRecorder) RecordSubmission(_ context.Context, result SubmissionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submissions = append(r.submissions, result)
}

func (r *mockRecorder) results() []SubmissionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SubmissionResult(nil), r.submissions...)
}

func (r *mockRecorder) workCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.work)
}

func testWork(id uint64, ctx *mockContext) *Work {
	raw := testRawBlock(chainhash.Hash{byte(id)}, int64(100+id))
	return &Work{
		ID:    id,
		Block: btcutil.NewBlock(raw.MsgBlock()),
		Raw:   raw,
		PoW:   ctx,
	}
}

// eventually polls cond until it holds or the timeout passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out: %s", msg)
		}
		time.Sleep(time.Millisecond)
	}
}
