// Package ledger tracks the wallet's UTXO set as transactions are observed.
// Ingest is idempotent per (txid, vout), spends soft-delete rather than
// remove, and reorged confirmations demote back to unconfirmed until the
// transaction is re-observed or falls out of the rollback window.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ErrReorgDetected is returned when a chain reorganization reaches deeper
// than the configured rollback window. Demotion still happens, but entries
// older than the window may already have been forgotten, so a full rescan is
// the only way to guarantee a consistent view.
var ErrReorgDetected = errors.New("reorg beyond rollback window")

// DefaultRollbackWindow is the number of blocks a demoted or buried entry is
// retained before the ledger forgets it.
const DefaultRollbackWindow = 100

// txRecord tracks one observed transaction.
type txRecord struct {
	// height is the confirmation height, or zero while unconfirmed.
	height int32

	// demotedAt is the tip height at which the transaction stopped being
	// observed, or zero while it is still in view.
	demotedAt int32
}

// Ledger is the wallet's UTXO set. All methods are safe for concurrent use.
type Ledger struct {
	mu sync.RWMutex

	utxos map[wire.OutPoint]*Utxo
	txs   map[chainhash.Hash]*txRecord

	rollbackWindow int32
}

// New creates an empty ledger. A non-positive rollbackWindow falls back to
// DefaultRollbackWindow.
func New(rollbackWindow int32) *Ledger {
	if rollbackWindow <= 0 {
		rollbackWindow = DefaultRollbackWindow
	}

	return &Ledger{
		utxos:          make(map[wire.OutPoint]*Utxo),
		txs:            make(map[chainhash.Hash]*txRecord),
		rollbackWindow: rollbackWindow,
	}
}

// NewFromUtxos rebuilds a ledger from a persisted UTXO snapshot. Transaction
// records are reconstructed from the snapshot's creator and spender hashes;
// their heights are refreshed by the next sync pass.
func NewFromUtxos(utxos []Utxo, rollbackWindow int32) *Ledger {
	l := New(rollbackWindow)

	for i := range utxos {
		u := utxos[i]
		l.utxos[u.OutPoint] = &u

		record, ok := l.txs[u.OutPoint.Hash]
		if !ok {
			record = &txRecord{}
			l.txs[u.OutPoint.Hash] = record
		}
		record.height = u.Height

		if u.Spent {
			if _, ok := l.txs[u.SpenderTxID]; !ok {
				l.txs[u.SpenderTxID] = &txRecord{}
			}
		}
	}

	return l
}

// ApplyTransaction ingests one observed transaction. Outputs paying a script
// the watched predicate accepts create UTXOs; inputs consuming tracked UTXOs
// mark them spent. The ingest is idempotent: re-applying the same view is a
// no-op, re-applying at a new height refreshes confirmation state, and
// re-applying with a wider predicate credits the newly watched outputs. It
// reports whether the transaction is relevant to the ledger at all.
//
// The mutation is all-or-nothing per transaction: effects are staged against
// a held lock and either all land or none do.
func (l *Ledger) ApplyTransaction(view TxView,
	watched func(pkScript []byte) bool) bool {

	txid := view.Tx.TxHash()

	l.mu.Lock()
	defer l.mu.Unlock()

	// A transaction seen before has its confirmation state refreshed.
	// Spend marks are re-checked so a spender applied before its funding
	// transaction converges on a second application, and outputs whose
	// scripts entered the watch-set after the first observation are
	// credited now.
	if record, ok := l.txs[txid]; ok {
		if record.height != view.Height {
			log.Debugf("Transaction %v moved from height %d to "+
				"%d", txid, record.height, view.Height)
		}

		record.height = view.Height
		record.demotedAt = 0

		for i, out := range view.Tx.TxOut {
			op := wire.OutPoint{Hash: txid, Index: uint32(i)}
			if u, ok := l.utxos[op]; ok {
				u.Height = view.Height
				continue
			}

			if !watched(out.PkScript) {
				continue
			}

			l.utxos[op] = &Utxo{
				OutPoint: op,
				PkScript: out.PkScript,
				Amount:   btcutil.Amount(out.Value),
				Height:   view.Height,
			}

			log.Debugf("Credited late-watched output %v for %v",
				op, btcutil.Amount(out.Value))
		}

		for _, in := range view.Tx.TxIn {
			u, ok := l.utxos[in.PreviousOutPoint]
			if ok && !u.Spent {
				u.Spent = true
				u.SpenderTxID = txid
			}
		}

		return true
	}

	// Stage the effects first so an irrelevant transaction leaves no
	// trace.
	created := make([]*Utxo, 0, len(view.Tx.TxOut))
	for i, out := range view.Tx.TxOut {
		if !watched(out.PkScript) {
			continue
		}

		created = append(created, &Utxo{
			OutPoint: wire.OutPoint{
				Hash:  txid,
				Index: uint32(i),
			},
			PkScript: out.PkScript,
			Amount:   btcutil.Amount(out.Value),
			Height:   view.Height,
		})
	}

	spent := make([]*Utxo, 0, len(view.Tx.TxIn))
	for _, in := range view.Tx.TxIn {
		if u, ok := l.utxos[in.PreviousOutPoint]; ok {
			spent = append(spent, u)
		}
	}

	if len(created) == 0 && len(spent) == 0 {
		return false
	}

	// Commit.
	for _, u := range created {
		l.utxos[u.OutPoint] = u
	}
	for _, u := range spent {
		u.Spent = true
		u.SpenderTxID = txid
	}
	l.txs[txid] = &txRecord{height: view.Height}

	log.Debugf("Applied transaction %v at height %d: %d new utxos, %d "+
		"spent", txid, view.Height, len(created), len(spent))

	return true
}

// Balance sums the unspent outputs the policy admits.
func (l *Ledger) Balance(policy BalancePolicy) btcutil.Amount {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total btcutil.Amount
	for _, u := range l.utxos {
		if u.Spent {
			continue
		}

		if policy == BalanceConfirmed && u.Height == 0 {
			continue
		}

		total += u.Amount
	}

	return total
}

// Unspent returns a copy of every UTXO not yet consumed.
func (l *Ledger) Unspent() []Utxo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	unspent := make([]Utxo, 0, len(l.utxos))
	for _, u := range l.utxos {
		if !u.Spent {
			unspent = append(unspent, *u)
		}
	}

	return unspent
}

// Export returns a copy of every tracked UTXO, spent entries included, for
// persistence.
func (l *Ledger) Export() []Utxo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	all := make([]Utxo, 0, len(l.utxos))
	for _, u := range l.utxos {
		all = append(all, *u)
	}

	return all
}

// HandleReorg demotes every transaction confirmed above the fork height back
// to unconfirmed, pending re-observation. It returns the number of demoted
// transactions, and ErrReorgDetected when the fork reaches deeper than the
// rollback window below the new tip.
func (l *Ledger) HandleReorg(forkHeight, newTip int32) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	demoted := 0
	for txid, record := range l.txs {
		if record.height <= forkHeight {
			continue
		}

		record.height = 0
		record.demotedAt = newTip
		demoted++

		for op, u := range l.utxos {
			if op.Hash == txid {
				u.Height = 0
			}
		}
	}

	log.Infof("Reorg to fork height %d demoted %d transactions",
		forkHeight, demoted)

	if newTip-forkHeight > l.rollbackWindow {
		return demoted, fmt.Errorf("%w: fork height %d, tip %d, "+
			"window %d", ErrReorgDetected, forkHeight, newTip,
			l.rollbackWindow)
	}

	return demoted, nil
}

// Prune reconciles the ledger against the set of transactions the latest
// full sync pass observed. Tracked transactions missing from the set are
// demoted; transactions missing for longer than the rollback window are
// forgotten, reverting any spends they caused. Spent UTXOs whose spender is
// buried beyond the window are dropped for good.
func (l *Ledger) Prune(observed map[chainhash.Hash]struct{}, tip int32) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for txid, record := range l.txs {
		if _, ok := observed[txid]; ok {
			record.demotedAt = 0
			continue
		}

		// First pass out of view starts the clock.
		if record.demotedAt == 0 {
			record.height = 0
			record.demotedAt = tip
			for op, u := range l.utxos {
				if op.Hash == txid {
					u.Height = 0
				}
			}
			continue
		}

		if tip-record.demotedAt < l.rollbackWindow {
			continue
		}

		l.forget(txid)
	}

	// Spends buried beyond the window can no longer be undone by a
	// reorg, so the soft-deleted outputs they consumed are dropped.
	for op, u := range l.utxos {
		if !u.Spent {
			continue
		}

		spender, ok := l.txs[u.SpenderTxID]
		if ok && spender.height > 0 &&
			tip-spender.height >= l.rollbackWindow {

			delete(l.utxos, op)
		}
	}

	l.sweepRecords()
}

// forget removes a transaction, the UTXOs it created, and the spent marks it
// placed. Callers must hold the write lock.
func (l *Ledger) forget(txid chainhash.Hash) {
	log.Infof("Forgetting transaction %v after rollback window expiry",
		txid)

	for op, u := range l.utxos {
		if op.Hash == txid {
			delete(l.utxos, op)
			continue
		}

		if u.Spent && u.SpenderTxID == txid {
			u.Spent = false
			u.SpenderTxID = chainhash.Hash{}
		}
	}

	delete(l.txs, txid)
}

// sweepRecords drops transaction records no UTXO references anymore. Callers
// must hold the write lock.
func (l *Ledger) sweepRecords() {
	referenced := make(map[chainhash.Hash]struct{}, len(l.utxos))
	for op, u := range l.utxos {
		referenced[op.Hash] = struct{}{}
		if u.Spent {
			referenced[u.SpenderTxID] = struct{}{}
		}
	}

	for txid := range l.txs {
		if _, ok := referenced[txid]; !ok {
			delete(l.txs, txid)
		}
	}
}
