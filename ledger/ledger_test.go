package ledger

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

var (
	// watchedScript is the script the test predicate accepts.
	watchedScript = []byte{0x00, 0x14, 0xaa, 0xbb}

	// foreignScript is a script the wallet does not control.
	foreignScript = []byte{0x00, 0x14, 0xcc, 0xdd}
)

// watched is the predicate handed to ApplyTransaction in all tests.
func watched(pkScript []byte) bool {
	return bytes.Equal(pkScript, watchedScript)
}

// fundingTx pays the given amounts to the watched script, with an extra
// foreign output so indices are not all ours. The seed disambiguates
// otherwise identical transactions.
func fundingTx(seed byte, amounts ...btcutil.Amount) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{
			Hash:  chainhash.Hash{0xff, seed},
			Index: 0,
		}, nil, nil,
	))

	for _, amount := range amounts {
		tx.AddTxOut(wire.NewTxOut(int64(amount), watchedScript))
	}
	tx.AddTxOut(wire.NewTxOut(99_999, foreignScript))

	return tx
}

// spendingTx consumes the given outpoints and pays a foreign script.
func spendingTx(outpoints ...wire.OutPoint) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	for _, op := range outpoints {
		op := op
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(1_000, foreignScript))

	return tx
}

// TestBalancePolicies covers the confirmed vs include-unconfirmed split with
// a 40000-sat confirmed and a 10000-sat unconfirmed output.
func TestBalancePolicies(t *testing.T) {
	t.Parallel()

	l := New(0)

	confirmed := fundingTx(1, 40_000)
	unconfirmed := fundingTx(2, 10_000)

	require.True(t, l.ApplyTransaction(
		TxView{Tx: confirmed, Height: 1_000}, watched,
	))
	require.True(t, l.ApplyTransaction(
		TxView{Tx: unconfirmed, Height: 0}, watched,
	))

	require.Equal(t, btcutil.Amount(40_000), l.Balance(BalanceConfirmed))
	require.Equal(
		t, btcutil.Amount(50_000),
		l.Balance(BalanceIncludeUnconfirmed),
	)
}

// TestApplyIdempotent ensures re-applying the same view changes nothing.
func TestApplyIdempotent(t *testing.T) {
	t.Parallel()

	l := New(0)
	view := TxView{Tx: fundingTx(1, 25_000), Height: 500}

	require.True(t, l.ApplyTransaction(view, watched))
	require.True(t, l.ApplyTransaction(view, watched))
	require.True(t, l.ApplyTransaction(view, watched))

	require.Len(t, l.Unspent(), 1)
	require.Equal(t, btcutil.Amount(25_000), l.Balance(BalanceConfirmed))
}

// TestApplyIrrelevant ensures a transaction touching none of our scripts is
// reported irrelevant and leaves no trace.
func TestApplyIrrelevant(t *testing.T) {
	t.Parallel()

	l := New(0)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 3}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(7_777, foreignScript))

	require.False(t, l.ApplyTransaction(TxView{Tx: tx}, watched))
	require.Empty(t, l.Export())
}

// TestConfirmationRefresh re-applies a transaction first seen unconfirmed at
// its later confirmation height.
func TestConfirmationRefresh(t *testing.T) {
	t.Parallel()

	l := New(0)
	tx := fundingTx(1, 12_345)

	require.True(t, l.ApplyTransaction(TxView{Tx: tx, Height: 0}, watched))
	require.Equal(t, btcutil.Amount(0), l.Balance(BalanceConfirmed))

	require.True(t, l.ApplyTransaction(
		TxView{Tx: tx, Height: 2_000}, watched,
	))
	require.Equal(t, btcutil.Amount(12_345), l.Balance(BalanceConfirmed))

	// Still a single UTXO.
	require.Len(t, l.Unspent(), 1)
	require.Equal(t, int32(2_000), l.Unspent()[0].Height)
}

// TestApplyWiderPredicateCreditsOutputs re-applies a known transaction after
// another of its output scripts becomes watched, as happens when the paying
// transaction lands before its address index is issued.
func TestApplyWiderPredicateCreditsOutputs(t *testing.T) {
	t.Parallel()

	l := New(0)

	laterScript := []byte{0x00, 0x14, 0xee, 0xff}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Hash: chainhash.Hash{0xff, 0x01}}, nil, nil,
	))
	tx.AddTxOut(wire.NewTxOut(10_000, watchedScript))
	tx.AddTxOut(wire.NewTxOut(20_000, laterScript))

	require.True(t, l.ApplyTransaction(
		TxView{Tx: tx, Height: 100}, watched,
	))
	require.Equal(t, btcutil.Amount(10_000), l.Balance(BalanceConfirmed))

	// Both scripts are recognized now.
	wider := func(pkScript []byte) bool {
		return watched(pkScript) || bytes.Equal(pkScript, laterScript)
	}

	require.True(t, l.ApplyTransaction(TxView{Tx: tx, Height: 100}, wider))
	require.Equal(t, btcutil.Amount(30_000), l.Balance(BalanceConfirmed))
	require.Len(t, l.Unspent(), 2)

	// Still idempotent under the wider predicate.
	require.True(t, l.ApplyTransaction(TxView{Tx: tx, Height: 100}, wider))
	require.Len(t, l.Unspent(), 2)
}

// TestSpendSoftDeletes checks that a spend flags the UTXO rather than
// removing it.
func TestSpendSoftDeletes(t *testing.T) {
	t.Parallel()

	l := New(0)

	fund := fundingTx(1, 30_000)
	require.True(t, l.ApplyTransaction(
		TxView{Tx: fund, Height: 100}, watched,
	))

	op := wire.OutPoint{Hash: fund.TxHash(), Index: 0}
	spend := spendingTx(op)
	require.True(t, l.ApplyTransaction(
		TxView{Tx: spend, Height: 101}, watched,
	))

	require.Equal(t, btcutil.Amount(0), l.Balance(BalanceConfirmed))
	require.Empty(t, l.Unspent())

	// The spent entry is retained with its spender recorded.
	exported := l.Export()
	require.Len(t, exported, 1)
	require.True(t, exported[0].Spent)
	require.Equal(t, spend.TxHash(), exported[0].SpenderTxID)
}

// TestHandleReorg demotes confirmations above the fork point and flags deep
// forks.
func TestHandleReorg(t *testing.T) {
	t.Parallel()

	l := New(50)

	deep := fundingTx(1, 10_000)
	shallow := fundingTx(2, 5_000)

	require.True(t, l.ApplyTransaction(
		TxView{Tx: deep, Height: 900}, watched,
	))
	require.True(t, l.ApplyTransaction(
		TxView{Tx: shallow, Height: 990}, watched,
	))

	// Fork at 950: only the shallow confirmation demotes.
	demoted, err := l.HandleReorg(950, 995)
	require.NoError(t, err)
	require.Equal(t, 1, demoted)

	require.Equal(t, btcutil.Amount(10_000), l.Balance(BalanceConfirmed))
	require.Equal(
		t, btcutil.Amount(15_000),
		l.Balance(BalanceIncludeUnconfirmed),
	)

	// A fork deeper than the rollback window still demotes, but reports
	// the ledger as unreliable.
	_, err = l.HandleReorg(800, 995)
	require.ErrorIs(t, err, ErrReorgDetected)
	require.Equal(t, btcutil.Amount(0), l.Balance(BalanceConfirmed))
}

// TestPruneForgetsUnobserved drops entries that stay out of view past the
// rollback window and reverts spends their disappearance orphaned.
func TestPruneForgetsUnobserved(t *testing.T) {
	t.Parallel()

	l := New(10)

	fund := fundingTx(1, 20_000)
	require.True(t, l.ApplyTransaction(
		TxView{Tx: fund, Height: 100}, watched,
	))

	op := wire.OutPoint{Hash: fund.TxHash(), Index: 0}
	spend := spendingTx(op)
	require.True(t, l.ApplyTransaction(
		TxView{Tx: spend, Height: 0}, watched,
	))
	require.Empty(t, l.Unspent())

	// The funding tx stays observed; the spend vanishes from view. The
	// first pass starts the clock, the second, past the window, forgets
	// the spend and restores the UTXO.
	observed := map[chainhash.Hash]struct{}{
		fund.TxHash(): {},
	}
	l.Prune(observed, 105)
	require.Empty(t, l.Unspent())

	l.Prune(observed, 120)
	require.Len(t, l.Unspent(), 1)
	require.Equal(t, btcutil.Amount(20_000), l.Balance(BalanceConfirmed))
	require.False(t, l.Export()[0].Spent)
}

// TestPruneReobservedKeepsEntries ensures a demoted transaction that comes
// back into view is retained indefinitely.
func TestPruneReobservedKeepsEntries(t *testing.T) {
	t.Parallel()

	l := New(10)

	fund := fundingTx(1, 8_000)
	require.True(t, l.ApplyTransaction(
		TxView{Tx: fund, Height: 100}, watched,
	))

	// Out of view once, then observed again well past the window.
	l.Prune(map[chainhash.Hash]struct{}{}, 105)
	l.Prune(map[chainhash.Hash]struct{}{fund.TxHash(): {}}, 200)
	l.Prune(map[chainhash.Hash]struct{}{fund.TxHash(): {}}, 300)

	require.Len(t, l.Unspent(), 1)
}

// TestPruneDropsBuriedSpends hard-deletes spent UTXOs once the spender is
// buried beyond the rollback window.
func TestPruneDropsBuriedSpends(t *testing.T) {
	t.Parallel()

	l := New(10)

	fund := fundingTx(1, 9_000)
	require.True(t, l.ApplyTransaction(
		TxView{Tx: fund, Height: 100}, watched,
	))

	op := wire.OutPoint{Hash: fund.TxHash(), Index: 0}
	spend := spendingTx(op)
	require.True(t, l.ApplyTransaction(
		TxView{Tx: spend, Height: 102}, watched,
	))

	observed := map[chainhash.Hash]struct{}{
		fund.TxHash():  {},
		spend.TxHash(): {},
	}

	// Within the window the soft-deleted entry survives.
	l.Prune(observed, 105)
	require.Len(t, l.Export(), 1)

	// Beyond it the entry is gone for good.
	l.Prune(observed, 150)
	require.Empty(t, l.Export())
}

// TestSnapshotRoundTrip rebuilds a ledger from its export and compares
// balances.
func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	l := New(0)

	require.True(t, l.ApplyTransaction(
		TxView{Tx: fundingTx(1, 40_000), Height: 1_000}, watched,
	))
	require.True(t, l.ApplyTransaction(
		TxView{Tx: fundingTx(2, 10_000), Height: 0}, watched,
	))

	restored := NewFromUtxos(l.Export(), 0)

	require.Equal(
		t, l.Balance(BalanceConfirmed),
		restored.Balance(BalanceConfirmed),
	)
	require.Equal(
		t, l.Balance(BalanceIncludeUnconfirmed),
		restored.Balance(BalanceIncludeUnconfirmed),
	)
	require.ElementsMatch(t, l.Unspent(), restored.Unspent())
}
