// Package bitcoin talks to a Bitcoin node and converts its block templates
// into blocks the miner can solve and submit.
package bitcoin

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gominer/internal/pow"
)

// RawBlock is a block in the form the node accepts for submission. Besides
// the header and transactions it keeps the template fields that have no place
// in a wire.MsgBlock but are needed when submitting.
type RawBlock struct {
	Header       wire.BlockHeader
	Transactions []*wire.MsgTx

	Height     int64
	WorkID     string
	LongPollID string
	Target     string

	// Nonce is the engine nonce applied by WithNonce, zero for a template.
	Nonce uint64
}

// WithNonce returns a candidate with nonce applied to the header. The
// transaction list is shared with the receiver and must not be modified.
func (r *RawBlock) WithNonce(nonce uint64) *RawBlock {
	candidate := *r
	candidate.Header = pow.HeaderWithNonce(r.Header, nonce)
	candidate.Nonce = nonce
	return &candidate
}

// MsgBlock returns the block as a wire message
func (r *RawBlock) MsgBlock() *wire.MsgBlock {
	return &wire.MsgBlock{
		Header:       r.Header,
		Transactions: r.Transactions,
	}
}

// BlockHash returns the hash of the block header
func (r *RawBlock) BlockHash() chainhash.Hash {
	return r.Header.BlockHash()
}

// SubmissionReport is the node's verdict on a submitted block
type SubmissionReport struct {
	BlockHash chainhash.Hash
	Accepted  bool
	// Reason is the node's rejection string, empty when accepted.
	Reason string
}

// Status returns "accepted" or "rejected"
func (r *SubmissionReport) Status() string {
	if r.Accepted {
		return "accepted"
	}
	return "rejected"
}

// SyncStatus is the node's chain sync progress
type SyncStatus struct {
	Blocks               int32
	Headers              int32
	VerificationProgress float64
	InitialBlockDownload bool
}

// Synced reports whether the node has validated every header it knows about
func (s SyncStatus) Synced() bool {
	return !s.InitialBlockDownload && s.Blocks >= s.Headers
}
