// Package chain defines the read interface the wallet uses to observe the
// blockchain. Implementations adapt a concrete backend, such as an Electrum
// style indexing server, to this interface; the wallet itself never speaks a
// wire protocol.
package chain

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Tip identifies the best block a backend currently knows about.
type Tip struct {
	// Height is the block height of the tip.
	Height int32

	// Hash is the block hash at Height.
	Hash chainhash.Hash
}

// HistoryItem is one transaction touching a watched script, as reported by
// the backend's index.
type HistoryItem struct {
	// TxID is the transaction hash.
	TxID chainhash.Hash

	// Height is the block height the transaction confirmed at, or zero
	// when it is still unconfirmed.
	Height int32
}

// Source is the backend the wallet syncs against. All methods honor context
// cancellation. Implementations must be safe for concurrent use, as the
// wallet issues history queries in parallel.
type Source interface {
	// FetchHistory returns every transaction the backend's index has
	// recorded against the given scriptPubKey, confirmed and unconfirmed
	// alike. Scripts the backend has never seen yield an empty slice.
	FetchHistory(ctx context.Context,
		pkScript []byte) ([]HistoryItem, error)

	// FetchTransaction fetches a full transaction by hash.
	FetchTransaction(ctx context.Context,
		txid chainhash.Hash) (*wire.MsgTx, error)

	// CurrentTip returns the backend's current best block.
	CurrentTip(ctx context.Context) (Tip, error)

	// Broadcast submits a signed transaction to the network and returns
	// its hash on acceptance.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error)
}
