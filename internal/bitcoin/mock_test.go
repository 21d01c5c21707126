package bitcoin

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// witnessCommitmentScript is the default_witness_commitment of a block with
// only a coinbase.
const witnessCommitmentScript = "6a24aa21a9ede2f61c3f71d1defd3fa999dfa36953755c690689799962b48bebd836974e8cf9"

type rawReply struct {
	result json.RawMessage
	err    error
}

type rawCall struct {
	method string
	params []json.RawMessage
}

// mockBackend is an rpcBackend with scripted replies. The last reply queued
// for a method is repeated once the queue is drained.
type mockBackend struct {
	mu sync.Mutex

	template    *btcjson.GetBlockTemplateResult
	templateErr error

	replies  map[string][]rawReply
	calls    []rawCall
	shutdown bool
}

func newMockBackend() *mockBackend {
	return &mockBackend{replies: make(map[string][]rawReply)}
}

func (m *mockBackend) reply(method string, result string, err error) *mockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()

	var raw json.RawMessage
	if result != "" {
		raw = json.RawMessage(result)
	}
	m.replies[method] = append(m.replies[method], rawReply{result: raw, err: err})
	return m
}

func (m *mockBackend) GetBlockTemplate(_ *btcjson.TemplateRequest) (*btcjson.GetBlockTemplateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, rawCall{method: "getblocktemplate"})
	if m.templateErr != nil {
		return nil, m.templateErr
	}
	return m.template, nil
}

func (m *mockBackend) RawRequest(method string, params []json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, rawCall{method: method, params: params})

	queue := m.replies[method]
	if len(queue) == 0 {
		return nil, fmt.Errorf("unexpected call to %s", method)
	}
	r := queue[0]
	if len(queue) > 1 {
		m.replies[method] = queue[1:]
	}
	return r.result, r.err
}

func (m *mockBackend) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = true
}

func (m *mockBackend) callsTo(method string) []rawCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []rawCall
	for _, c := range m.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func newTestClient(backend *mockBackend) *NodeClient {
	c := newNodeClient(backend, &chaincfg.RegressionNetParams, time.Millisecond, log.Nop())
	c.connectRetry = &retry.Config{
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
		Multiplier: 1,
	}
	return c
}

func regtestAddress(t *testing.T) btcutil.Address {
	t.Helper()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(bytes.Repeat([]byte{0x11}, 20), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("build regtest address: %v", err)
	}
	return addr
}

func testTx(value int64) *wire.MsgTx {
	prev := chainhash.DoubleHashH([]byte(fmt.Sprintf("prev-%d", value)))
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, 0), []byte{0x51}, nil))
	tx.AddTxOut(wire.NewTxOut(value, []byte{0x51}))
	return tx
}

func testTemplate(t *testing.T, txs ...*wire.MsgTx) *btcjson.GetBlockTemplateResult {
	t.Helper()

	value := int64(5_000_000_000)
	template := &btcjson.GetBlockTemplateResult{
		Bits:                     "207fffff",
		CurTime:                  1700000000,
		Height:                   101,
		PreviousHash:             "0f9188f13cb7b2c71f2a335e3a4fc328bf5beb436012afca590b1a11466e2206",
		Version:                  0x20000000,
		CoinbaseValue:            &value,
		WorkID:                   "work-1",
		LongPollID:               "longpoll-1",
		Target:                   "7fffff0000000000000000000000000000000000000000000000000000000000",
		DefaultWitnessCommitment: witnessCommitmentScript,
	}

	for _, tx := range txs {
		var buf bytes.Buffer
		if err := tx.Serialize(&buf); err != nil {
			t.Fatalf("serialize tx: %v", err)
		}
		template.Transactions = append(template.Transactions, btcjson.GetBlockTemplateResultTx{
			Data: hex.EncodeToString(buf.Bytes()),
			Hash: tx.TxHash().String(),
		})
	}
	return template
}
