package bitcoin

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
)

// NodeInterface is what the miner needs from a Bitcoin node
type NodeInterface interface {
	// Connect blocks until the node answers or ctx ends.
	Connect(ctx context.Context) error

	// WaitUntilSynced blocks until the node reports it is caught up with
	// the chain or ctx ends.
	WaitUntilSynced(ctx context.Context) error

	// FetchTemplate requests a block template and converts it into a
	// block paying miningAddress.
	FetchTemplate(ctx context.Context, miningAddress string) (*btcutil.Block, *RawBlock, error)

	// Submit sends a solved block. A rejection is reported in the
	// SubmissionReport; a non-nil error means the node could not be asked.
	Submit(ctx context.Context, block *RawBlock) (*SubmissionReport, error)

	// Close releases the connection.
	Close()
}

// NotifierInterface delivers node push notifications
type NotifierInterface interface {
	Subscribe(topic string) error
	Connect() error
	Listen(ctx context.Context, handler func(topic string, data []byte) error) error
	Close() error
}

var (
	_ NodeInterface     = (*NodeClient)(nil)
	_ NotifierInterface = (*ZMQNotifier)(nil)
)
