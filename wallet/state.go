package wallet

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/tidewallet/tidewallet/ledger"
)

// Checkpoint records the chain tip the wallet last fully reconciled against.
type Checkpoint struct {
	// Height is the tip height, or zero when the wallet has never
	// synced.
	Height int32 `json:"height"`

	// Hash is the block hash at Height.
	Hash chainhash.Hash `json:"hash"`
}

// WalletState is the persistence unit: everything needed to restore a wallet
// between sessions except the private keys, which re-enter through the
// mnemonic. Balances are always derived from the UTXO set, never stored.
type WalletState struct {
	// ExternalDescriptor is the watch-only receive chain descriptor.
	ExternalDescriptor string `json:"external_descriptor"`

	// InternalDescriptor is the watch-only change chain descriptor.
	InternalDescriptor string `json:"internal_descriptor"`

	// NextExternalIndex is the lowest never-issued receive index.
	NextExternalIndex uint32 `json:"next_external_index"`

	// NextInternalIndex is the lowest never-issued change index.
	NextInternalIndex uint32 `json:"next_internal_index"`

	// Utxos is the tracked UTXO set, spent entries included.
	Utxos []ledger.Utxo `json:"utxos"`

	// Checkpoint is the last reconciled tip.
	Checkpoint Checkpoint `json:"checkpoint"`
}
