package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gominer/pkg/circuit"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// templateRequest asks for a segwit template the miner assembles itself
var templateRequest = &btcjson.TemplateRequest{
	Mode:         "template",
	Capabilities: []string{"coinbasetxn", "workid", "coinbase/append"},
	Rules:        []string{"segwit"},
}

// rpcBackend is the subset of the btcd RPC client used by NodeClient
type rpcBackend interface {
	GetBlockTemplate(req *btcjson.TemplateRequest) (*btcjson.GetBlockTemplateResult, error)
	RawRequest(method string, params []json.RawMessage) (json.RawMessage, error)
	Shutdown()
}

type btcdBackend struct {
	client *rpcclient.Client
}

func (b btcdBackend) GetBlockTemplate(req *btcjson.TemplateRequest) (*btcjson.GetBlockTemplateResult, error) {
	return b.client.GetBlockTemplateAsync(req).Receive()
}

func (b btcdBackend) RawRequest(method string, params []json.RawMessage) (json.RawMessage, error) {
	return b.client.RawRequestAsync(method, params).Receive()
}

func (b btcdBackend) Shutdown() {
	b.client.Shutdown()
}

// NodeConfig describes how to reach the node
type NodeConfig struct {
	Host     string
	Port     int
	User     string
	Password string

	Params           *chaincfg.Params
	SyncPollInterval time.Duration
}

// NodeClient is a NodeInterface backed by Bitcoin Core's JSON-RPC API.
// Template and chain-state calls go through a circuit breaker; block
// submissions bypass it.
type NodeClient struct {
	backend      rpcBackend
	params       *chaincfg.Params
	breaker      *circuit.Breaker
	connectRetry *retry.Config
	syncPoll     time.Duration
	logger       *log.Logger
}

// NewNodeClient creates a client for the node described by cfg. No
// connection is made until the first call; use Connect to wait for the node.
func NewNodeClient(cfg NodeConfig, logger *log.Logger) (*NodeClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "rpc_client_creation",
			"failed to create Bitcoin RPC client").
			WithContext("host", cfg.Host).
			WithContext("port", cfg.Port)
	}

	return newNodeClient(btcdBackend{client: client}, cfg.Params, cfg.SyncPollInterval, logger), nil
}

func newNodeClient(backend rpcBackend, params *chaincfg.Params, syncPoll time.Duration, logger *log.Logger) *NodeClient {
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	if syncPoll <= 0 {
		syncPoll = 2 * time.Second
	}
	return &NodeClient{
		backend:      backend,
		params:       params,
		breaker:      circuit.New("bitcoin_rpc", circuit.NodeConfig()),
		connectRetry: retry.ConnectConfig(),
		syncPoll:     syncPoll,
		logger:       logger.WithComponent("node"),
	}
}

// Close shuts down the RPC client
func (c *NodeClient) Close() {
	c.backend.Shutdown()
}

// Connect retries getblockchaininfo with backoff until the node answers or
// ctx ends. RPC warmup errors are treated like any other failure.
func (c *NodeClient) Connect(ctx context.Context) error {
	var info blockchainInfo
	err := retry.Until(ctx, c.connectRetry, func() error {
		var err error
		info, err = c.blockchainInfo(ctx)
		return err
	}, func(attempt int, err error, next time.Duration) {
		c.logger.WithError(err).Warn("node not reachable, retrying",
			"attempt", attempt,
			"retry_in", next.String(),
		)
	})
	if err != nil {
		return err
	}

	if want := coreChainName(c.params); want != "" && info.Chain != want {
		c.logger.Warn("node chain does not match configured network",
			"node_chain", info.Chain,
			"network", c.params.Name,
		)
	}

	c.logger.Info("connected to node",
		"chain", info.Chain,
		"blocks", info.Blocks,
		"headers", info.Headers,
	)
	return nil
}

// SyncStatus reports the node's chain sync progress
func (c *NodeClient) SyncStatus(ctx context.Context) (SyncStatus, error) {
	info, err := c.blockchainInfo(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	return SyncStatus{
		Blocks:               info.Blocks,
		Headers:              info.Headers,
		VerificationProgress: info.VerificationProgress,
		InitialBlockDownload: info.InitialBlockDownload,
	}, nil
}

// WaitUntilSynced polls the node every SyncPollInterval until it has caught
// up with its best header chain. Poll failures are logged and retried.
func (c *NodeClient) WaitUntilSynced(ctx context.Context) error {
	for {
		status, err := c.SyncStatus(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.WithError(err).Warn("failed to query sync status")
		case status.Synced():
			c.logger.Info("node is synced", "blocks", status.Blocks)
			return nil
		default:
			c.logger.Info("waiting for node to sync",
				"blocks", status.Blocks,
				"headers", status.Headers,
				"progress", status.VerificationProgress,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.syncPoll):
		}
	}
}

// FetchTemplate requests a block template and converts it into a block
// paying miningAddress. Every call draws a fresh random extra nonce.
//
// Parameters:
//   - ctx: Context for request cancellation
//   - miningAddress: Address receiving the coinbase reward
//
// Returns:
//   - *btcutil.Block: The structured block
//   - *RawBlock: The block in submission form
//   - error: ErrorTypeValidation for a bad address, ErrorTypeTemplate otherwise
func (c *NodeClient) FetchTemplate(ctx context.Context, miningAddress string) (*btcutil.Block, *RawBlock, error) {
	payTo, err := c.decodeAddress(miningAddress)
	if err != nil {
		return nil, nil, err
	}

	template, err := circuit.ExecuteWithResult(ctx, c.breaker, func() (*btcjson.GetBlockTemplateResult, error) {
		return callWithContext(ctx, func() (*btcjson.GetBlockTemplateResult, error) {
			return c.backend.GetBlockTemplate(templateRequest)
		})
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeTemplate, "get_block_template",
			"failed to retrieve block template from node")
	}

	extraNonce, err := wire.RandomUint64()
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeInternal, "get_block_template",
			"failed to generate extra nonce")
	}

	return NewBlockFromTemplate(template, payTo, extraNonce)
}

// Submit sends block to the node with submitblock. Rejections, whether
// returned as a result string or as an RPC error, are reported in the
// SubmissionReport. Only transport failures produce an error.
func (c *NodeClient) Submit(ctx context.Context, block *RawBlock) (*SubmissionReport, error) {
	if block == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "submit_block", "block is nil")
	}

	buf := getBuffer()
	defer putBuffer(buf)
	if err := block.MsgBlock().Serialize(buf); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "submit_block",
			"failed to serialize block")
	}

	params, err := submitParams(hex.EncodeToString(buf.Bytes()), block.WorkID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "submit_block",
			"failed to encode submitblock params")
	}

	report := &SubmissionReport{BlockHash: block.BlockHash()}

	result, err := callWithContext(ctx, func() (json.RawMessage, error) {
		return c.backend.RawRequest("submitblock", params)
	})
	if err != nil {
		var rpcErr *btcjson.RPCError
		if stderrors.As(err, &rpcErr) {
			report.Reason = rpcErr.Message
			return report, nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "submit_block",
			"failed to submit block").
			WithContext("block_hash", report.BlockHash.String()).
			WithContext("height", block.Height)
	}

	report.Accepted, report.Reason = parseSubmitResult(result)
	return report, nil
}

func (c *NodeClient) decodeAddress(miningAddress string) (btcutil.Address, error) {
	addr, err := btcutil.DecodeAddress(miningAddress, c.params)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "decode_address",
			"invalid mining address").
			WithContext("address", miningAddress)
	}
	if !addr.IsForNet(c.params) {
		return nil, errors.New(errors.ErrorTypeValidation, "decode_address",
			"mining address is for a different network").
			WithContext("address", miningAddress).
			WithContext("network", c.params.Name)
	}
	return addr, nil
}

type blockchainInfo struct {
	Chain                string  `json:"chain"`
	Blocks               int32   `json:"blocks"`
	Headers              int32   `json:"headers"`
	VerificationProgress float64 `json:"verificationprogress"`
	InitialBlockDownload bool    `json:"initialblockdownload"`
}

func (c *NodeClient) blockchainInfo(ctx context.Context) (blockchainInfo, error) {
	return circuit.ExecuteWithResult(ctx, c.breaker, func() (blockchainInfo, error) {
		var info blockchainInfo

		raw, err := callWithContext(ctx, func() (json.RawMessage, error) {
			return c.backend.RawRequest("getblockchaininfo", []json.RawMessage{})
		})
		if err != nil {
			return info, errors.Wrap(err, errors.ErrorTypeNode, "get_blockchain_info",
				"failed to query blockchain info")
		}

		if err := json.Unmarshal(raw, &info); err != nil {
			return info, errors.Wrap(err, errors.ErrorTypeNode, "get_blockchain_info",
				"malformed getblockchaininfo response")
		}
		return info, nil
	})
}

// submitParams builds the submitblock arguments. The optional second
// argument carries the template's workid.
func submitParams(blockHex, workID string) ([]json.RawMessage, error) {
	blockParam, err := json.Marshal(blockHex)
	if err != nil {
		return nil, err
	}
	params := []json.RawMessage{blockParam}

	if workID != "" {
		opts, err := json.Marshal(map[string]string{"workid": workID})
		if err != nil {
			return nil, err
		}
		params = append(params, opts)
	}
	return params, nil
}

// parseSubmitResult interprets a submitblock result: null means accepted,
// a string is the rejection reason.
func parseSubmitResult(result json.RawMessage) (accepted bool, reason string) {
	trimmed := bytes.TrimSpace(result)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true, ""
	}

	if err := json.Unmarshal(trimmed, &reason); err != nil {
		return false, string(trimmed)
	}
	if reason == "" {
		reason = "rejected"
	}
	return false, reason
}

// coreChainName maps btcd network names to what Bitcoin Core reports in
// getblockchaininfo.
func coreChainName(params *chaincfg.Params) string {
	switch params.Net {
	case chaincfg.MainNetParams.Net:
		return "main"
	case chaincfg.TestNet3Params.Net:
		return "test"
	case chaincfg.RegressionNetParams.Net:
		return "regtest"
	case chaincfg.SigNetParams.Net:
		return "signet"
	default:
		return ""
	}
}

// callWithContext runs fn and returns early if ctx ends first. The btcd
// client has no per-call cancellation, so fn keeps running in the background.
func callWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}

	done := make(chan result, 1)
	go func() {
		val, err := fn()
		done <- result{val: val, err: err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-done:
		return r.val, r.err
	}
}
