package ledger

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// BalancePolicy selects which UTXOs contribute to a balance query.
type BalancePolicy uint8

const (
	// BalanceConfirmed counts only UTXOs created by confirmed
	// transactions.
	BalanceConfirmed BalancePolicy = iota

	// BalanceIncludeUnconfirmed counts confirmed and unconfirmed UTXOs
	// alike.
	BalanceIncludeUnconfirmed
)

// String returns a human-readable form of the policy.
func (p BalancePolicy) String() string {
	switch p {
	case BalanceConfirmed:
		return "confirmed"

	case BalanceIncludeUnconfirmed:
		return "include-unconfirmed"

	default:
		return "unknown"
	}
}

// Utxo is one output the ledger controls. A spent UTXO is soft-deleted: it
// stays in the ledger, flagged with its spender, until the spend is buried
// beyond the rollback window.
type Utxo struct {
	// OutPoint identifies the output.
	OutPoint wire.OutPoint

	// PkScript is the watched script the output pays to.
	PkScript []byte

	// Amount is the output value.
	Amount btcutil.Amount

	// Height is the block height of the creating transaction, or zero
	// when it is unconfirmed.
	Height int32

	// Spent is true once a watched transaction consumed this output.
	Spent bool

	// SpenderTxID is the hash of the spending transaction when Spent is
	// true, and the zero hash otherwise.
	SpenderTxID chainhash.Hash
}

// TxView is one observed transaction together with the height the chain
// source reported for it. Height zero means unconfirmed.
type TxView struct {
	// Tx is the full transaction.
	Tx *wire.MsgTx

	// Height is the confirmation height, or zero.
	Height int32
}
