package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"golang.org/x/sync/errgroup"

	"github.com/tidewallet/tidewallet/chain"
	"github.com/tidewallet/tidewallet/ledger"
)

// ErrSyncInProgress is returned when Sync is invoked while another sync pass
// is still running. Passes never queue; the caller retries after the running
// pass finishes.
var ErrSyncInProgress = errors.New("sync already in progress")

const (
	// defaultGapLimit is how many consecutive unused addresses are probed
	// past the last used one before a branch scan stops.
	defaultGapLimit = 20

	// defaultTxCacheCapacity bounds the in-memory transaction cache to
	// roughly ten megabytes of serialized transactions.
	defaultTxCacheCapacity = 10 * 1024 * 1024

	// historyFetchParallelism bounds how many history requests are in
	// flight at once during the issued-prefix scan.
	historyFetchParallelism = 4
)

// syncState tracks where in its lifecycle a sync pass is.
type syncState uint32

const (
	// syncIdle means no pass is running.
	syncIdle syncState = iota

	// syncRequestingHistory means the pass is expanding the watch-set and
	// fetching per-script histories.
	syncRequestingHistory

	// syncIngesting means fetched transactions are being applied to the
	// ledger.
	syncIngesting

	// syncReconciled means the pass finished and is persisting its
	// checkpoint.
	syncReconciled

	// syncError marks a pass that aborted on a failure. The state is
	// transient: once the failure is surfaced to the caller the syncer
	// settles back to idle.
	syncError
)

// String returns a human-readable form of the state.
func (s syncState) String() string {
	switch s {
	case syncIdle:
		return "idle"

	case syncRequestingHistory:
		return "requesting-history"

	case syncIngesting:
		return "ingesting"

	case syncReconciled:
		return "reconciled"

	case syncError:
		return "error"

	default:
		return "unknown"
	}
}

// cachedTx wraps a fetched transaction for the LRU cache, sized by its
// serialized length.
type cachedTx struct {
	tx *wire.MsgTx
}

// Size implements cache.Value.
func (c *cachedTx) Size() (uint64, error) {
	return uint64(c.tx.SerializeSize()), nil
}

// syncer reconciles the wallet against its chain source. At most one pass
// runs at a time; a second invocation fails fast with ErrSyncInProgress.
type syncer struct {
	w *Wallet

	state    atomic.Uint32
	inFlight atomic.Bool

	txCache *lru.Cache[chainhash.Hash, *cachedTx]
}

// newSyncer creates a syncer with a transaction cache of the given byte
// capacity.
func newSyncer(w *Wallet, cacheCapacity uint64) *syncer {
	if cacheCapacity == 0 {
		cacheCapacity = defaultTxCacheCapacity
	}

	return &syncer{
		w:       w,
		txCache: lru.NewCache[chainhash.Hash, *cachedTx](cacheCapacity),
	}
}

// setState records a lifecycle transition.
func (s *syncer) setState(state syncState) {
	old := syncState(s.state.Swap(uint32(state)))
	if old != state {
		log.Debugf("Sync state %v -> %v", old, state)
	}
}

// currentState returns the lifecycle state of the running pass, or the
// terminal state of the last one.
func (s *syncer) currentState() syncState {
	return syncState(s.state.Load())
}

// run executes one full sync pass. It is safe to call from multiple
// goroutines; all but the first fail fast.
func (s *syncer) run(ctx context.Context) error {
	if !s.inFlight.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer s.inFlight.Store(false)

	err := s.pass(ctx)
	if err != nil {
		s.setState(syncError)
	}

	// The failure travels with the return value; the syncer itself
	// settles back to idle, ready for the next pass.
	s.setState(syncIdle)

	return err
}

// pass performs the actual reconciliation: reorg check, watch-set expansion,
// history and transaction fetch, ledger ingest, prune, checkpoint.
func (s *syncer) pass(ctx context.Context) error {
	w := s.w

	tip, err := w.cfg.Chain.CurrentTip(ctx)
	if err != nil {
		return fmt.Errorf("fetching tip: %w", err)
	}

	if err := s.checkReorg(tip); err != nil {
		return err
	}

	s.setState(syncRequestingHistory)

	// The watch-set maps each scanned scriptPubKey to its branch, and
	// heights accumulates every transaction observed against it.
	watch := make(map[string]Branch)
	heights := make(map[chainhash.Hash]int32)

	for _, branch := range []Branch{ExternalBranch, InternalBranch} {
		err := s.scanBranch(ctx, branch, watch, heights)
		if err != nil {
			return fmt.Errorf("scanning %v branch: %w",
				branch, err)
		}
	}

	s.setState(syncIngesting)

	if err := s.ingest(ctx, watch, heights); err != nil {
		return err
	}

	observed := make(map[chainhash.Hash]struct{}, len(heights))
	for txid := range heights {
		observed[txid] = struct{}{}
	}
	w.ledger.Prune(observed, tip.Height)

	s.setState(syncReconciled)

	w.setCheckpoint(Checkpoint{Height: tip.Height, Hash: tip.Hash})

	if err := w.saveState(); err != nil {
		return fmt.Errorf("persisting state: %w", err)
	}

	log.Infof("Sync reconciled at height %d: %d transactions observed, "+
		"balance %v", tip.Height, len(heights),
		w.ledger.Balance(ledger.BalanceIncludeUnconfirmed))

	return nil
}

// checkReorg compares the stored checkpoint against the chain tip and rolls
// the ledger back past the fork when they disagree. With no way to query
// headers at arbitrary heights, only tip regressions and same-height hash
// changes are detected here; stale confirmations above a deeper fork are
// caught by the per-transaction height refresh during ingest.
func (s *syncer) checkReorg(tip chain.Tip) error {
	cp := s.w.Checkpoint()
	if cp.Height == 0 {
		return nil
	}

	var forkHeight int32
	switch {
	case tip.Height < cp.Height:
		forkHeight = tip.Height

	case tip.Height == cp.Height && tip.Hash != cp.Hash:
		forkHeight = cp.Height - 1

	default:
		return nil
	}

	log.Warnf("Chain reorg detected: checkpoint %d (%v), tip %d (%v)",
		cp.Height, cp.Hash, tip.Height, tip.Hash)

	demoted, err := s.w.ledger.HandleReorg(forkHeight, tip.Height)
	if err != nil {
		return err
	}

	log.Infof("Rolled back %d transactions past fork height %d",
		demoted, forkHeight)

	return nil
}

// scanBranch walks one derivation chain: the issued prefix is queried with
// bounded parallelism, then the scan extends past the watermark until
// gapLimit consecutive scripts show no history. Discovered activity beyond
// the watermark advances the cursor so restored wallets re-learn their
// issued indices.
func (s *syncer) scanBranch(ctx context.Context, branch Branch,
	watch map[string]Branch, heights map[chainhash.Hash]int32) error {

	w := s.w
	cursor := w.cursor(branch)
	issued := cursor.NextIndex()

	// Issued prefix, in parallel.
	prefixScripts := make([][]byte, issued)
	prefixItems := make([][]chain.HistoryItem, issued)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(historyFetchParallelism)

	for i := uint32(0); i < issued; i++ {
		script, err := cursor.Script(i)
		if err != nil {
			return err
		}
		prefixScripts[i] = script

		i := i
		g.Go(func() error {
			items, err := w.cfg.Chain.FetchHistory(gctx, script)
			if err != nil {
				return err
			}
			prefixItems[i] = items

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	// Gap is the run of unused scripts ending at the watermark.
	gap := uint32(0)
	for i := uint32(0); i < issued; i++ {
		watch[string(prefixScripts[i])] = branch

		if len(prefixItems[i]) == 0 {
			gap++
			continue
		}

		gap = 0
		for _, item := range prefixItems[i] {
			heights[item.TxID] = item.Height
		}
	}

	// Extension past the watermark, sequential since each step depends
	// on the gap count so far.
	for index := issued; gap < w.gapLimit(); index++ {
		script, err := cursor.Script(index)
		if err != nil {
			return err
		}

		items, err := w.cfg.Chain.FetchHistory(ctx, script)
		if err != nil {
			return err
		}

		watch[string(script)] = branch

		if len(items) == 0 {
			gap++
			continue
		}

		gap = 0
		cursor.Advance(index + 1)
		for _, item := range items {
			heights[item.TxID] = item.Height
		}

		log.Debugf("Discovered activity at %v index %d beyond "+
			"watermark", branch, index)
	}

	return nil
}

// ingest fetches every observed transaction and applies it to the ledger,
// confirmed ones first in height order. A second application round resolves
// spends whose funding transaction landed later in the first round.
func (s *syncer) ingest(ctx context.Context, watch map[string]Branch,
	heights map[chainhash.Hash]int32) error {

	txids := make([]chainhash.Hash, 0, len(heights))
	for txid := range heights {
		txids = append(txids, txid)
	}
	sort.Slice(txids, func(i, j int) bool {
		hi, hj := heights[txids[i]], heights[txids[j]]

		// Unconfirmed last.
		if hi == 0 || hj == 0 {
			return hj == 0 && hi != 0
		}

		return hi < hj
	})

	watched := func(pkScript []byte) bool {
		_, ok := watch[string(pkScript)]
		return ok
	}

	views := make([]ledger.TxView, 0, len(txids))
	for _, txid := range txids {
		tx, err := s.fetchTx(ctx, txid)
		if err != nil {
			return fmt.Errorf("fetching tx %v: %w", txid, err)
		}

		view := ledger.TxView{Tx: tx, Height: heights[txid]}
		if s.w.ledger.ApplyTransaction(view, watched) {
			views = append(views, view)

			log.Tracef("Ingested transaction: %v",
				newLogClosure(func() string {
					return spew.Sdump(tx)
				}))
		}
	}

	for _, view := range views {
		s.w.ledger.ApplyTransaction(view, watched)
	}

	return nil
}

// fetchTx returns a transaction from the cache, falling back to the chain
// source.
func (s *syncer) fetchTx(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	entry, err := s.txCache.Get(txid)
	if err == nil {
		return entry.tx, nil
	}
	if !errors.Is(err, cache.ErrElementNotFound) {
		return nil, err
	}

	tx, err := s.w.cfg.Chain.FetchTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}

	if _, err := s.txCache.Put(txid, &cachedTx{tx: tx}); err != nil {
		log.Warnf("Unable to cache tx %v: %v", txid, err)
	}

	return tx, nil
}
