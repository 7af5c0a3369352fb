// Package wallet ties the key material, descriptor chains, UTXO ledger and
// chain source together behind a single facade. All mutable state is owned
// by the Wallet; callers interact through its methods only.
package wallet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/tidewallet/tidewallet/chain"
	"github.com/tidewallet/tidewallet/descriptor"
	"github.com/tidewallet/tidewallet/keychain"
	"github.com/tidewallet/tidewallet/ledger"
)

var (
	// ErrStateMismatch is returned when the persisted state was created
	// by a different wallet than the one being opened.
	ErrStateMismatch = errors.New("persisted state belongs to a " +
		"different wallet")

	// ErrWatchOnly is returned when a signing operation is attempted on
	// a wallet opened without its mnemonic.
	ErrWatchOnly = errors.New("wallet is watch-only")
)

const (
	// bip84Purpose is the hardened purpose level of the derivation tree.
	bip84Purpose = 84

	// defaultSyncInterval is how often the background loop reconciles
	// when the caller does not choose an interval.
	defaultSyncInterval = time.Minute
)

// Config bundles everything a Wallet needs to operate. ChainParams, Chain
// and Store are required; the rest defaults sensibly when zero.
type Config struct {
	// ChainParams selects the network.
	ChainParams *chaincfg.Params

	// Chain is the backend the wallet reconciles against.
	Chain chain.Source

	// Store persists the wallet state.
	Store Store

	// GapLimit is how many consecutive unused addresses a branch scan
	// probes past the last used one. Zero means 20.
	GapLimit uint32

	// RollbackWindow is how many blocks a reorged or vanished ledger
	// entry is retained before being forgotten. Zero means 100.
	RollbackWindow int32

	// SyncInterval is the background sync cadence. Zero means one
	// minute.
	SyncInterval time.Duration

	// SyncTicker overrides the background sync ticker, used by tests to
	// force ticks.
	SyncTicker ticker.Ticker

	// TxCacheCapacity bounds the transaction cache in bytes. Zero means
	// ten megabytes.
	TxCacheCapacity uint64
}

// keyLocator names the derivation slot of an owned script.
type keyLocator struct {
	branch Branch
	index  uint32
}

// Wallet is the facade over one descriptor wallet.
type Wallet struct {
	cfg Config

	// accountKey is the private account-level extended key, or nil for a
	// watch-only wallet.
	accountKey *hdkeychain.ExtendedKey

	// accountPath is the derivation path of accountKey below the master
	// key, empty for watch-only wallets.
	accountPath keychain.Path

	// masterFingerprint identifies the master key in PSBT derivation
	// entries, zero for watch-only wallets.
	masterFingerprint uint32

	external *AddressCursor
	internal *AddressCursor

	ledger *ledger.Ledger
	syncer *syncer

	// mu serializes compound mutations such as building and sending a
	// transaction.
	mu sync.Mutex

	// storeMu serializes snapshots going into the store.
	storeMu sync.Mutex

	cpMu sync.Mutex
	cp   Checkpoint

	// scriptMu guards the issued-script index used for ownership checks.
	scriptMu    sync.Mutex
	scriptIndex map[string]keyLocator
	scannedUpTo map[Branch]uint32

	syncTicker ticker.Ticker
	started    atomic.Bool
	stopped    atomic.Bool
	quit       chan struct{}
	cancelLoop context.CancelFunc
	wg         sync.WaitGroup
}

// NewFromMnemonic opens a signing wallet. A fresh store is initialized with
// the wallet's descriptors; an existing one must have been created from the
// same key material.
func NewFromMnemonic(cfg Config, mnemonic, passphrase string) (*Wallet,
	error) {

	seed, err := keychain.SeedFromMnemonic(mnemonic, passphrase)
	if err != nil {
		return nil, err
	}

	master, err := keychain.MasterKeyFromSeed(seed, cfg.ChainParams)
	if err != nil {
		return nil, err
	}

	accountPath := keychain.Path{
		{Index: bip84Purpose, Hardened: true},
		{Index: cfg.ChainParams.HDCoinType, Hardened: true},
		{Index: 0, Hardened: true},
	}
	accountKey, err := keychain.Derive(master, accountPath)
	if err != nil {
		return nil, err
	}

	masterPub, err := master.ECPubKey()
	if err != nil {
		return nil, err
	}
	fingerprint := binary.LittleEndian.Uint32(
		btcutil.Hash160(masterPub.SerializeCompressed())[:4],
	)

	// Descriptors carry the neutered key: the persisted state never
	// contains private material.
	neutered, err := accountKey.Neuter()
	if err != nil {
		return nil, err
	}

	external, err := descriptor.New(
		descriptor.KindWPKH, neutered,
		keychain.Path{{Index: uint32(ExternalBranch)}},
		cfg.ChainParams,
	)
	if err != nil {
		return nil, err
	}

	internal, err := descriptor.New(
		descriptor.KindWPKH, neutered,
		keychain.Path{{Index: uint32(InternalBranch)}},
		cfg.ChainParams,
	)
	if err != nil {
		return nil, err
	}

	state, err := cfg.Store.Load()
	switch {
	case errors.Is(err, ErrStateNotFound):
		state = &WalletState{
			ExternalDescriptor: external.String(),
			InternalDescriptor: internal.String(),
		}
		if err := cfg.Store.Save(state); err != nil {
			return nil, fmt.Errorf("initializing state: %w", err)
		}

		log.Infof("Initialized fresh wallet state for %s",
			cfg.ChainParams.Name)

	case err != nil:
		return nil, err

	case state.ExternalDescriptor != external.String():
		return nil, ErrStateMismatch
	}

	w, err := newWallet(cfg, accountKey, external, internal, state)
	if err != nil {
		return nil, err
	}
	w.accountPath = accountPath
	w.masterFingerprint = fingerprint

	return w, nil
}

// New opens a watch-only wallet from previously persisted state. All read
// and sync operations work; signing fails with ErrWatchOnly.
func New(cfg Config) (*Wallet, error) {
	state, err := cfg.Store.Load()
	if err != nil {
		return nil, err
	}

	external, err := descriptor.Parse(
		state.ExternalDescriptor, cfg.ChainParams,
	)
	if err != nil {
		return nil, err
	}

	internal, err := descriptor.Parse(
		state.InternalDescriptor, cfg.ChainParams,
	)
	if err != nil {
		return nil, err
	}

	return newWallet(cfg, nil, external, internal, state)
}

// newWallet assembles the facade around restored state.
func newWallet(cfg Config, accountKey *hdkeychain.ExtendedKey,
	external, internal *descriptor.Descriptor,
	state *WalletState) (*Wallet, error) {

	w := &Wallet{
		cfg:        cfg,
		accountKey: accountKey,
		external: NewAddressCursor(
			external, state.NextExternalIndex,
		),
		internal: NewAddressCursor(
			internal, state.NextInternalIndex,
		),
		ledger: ledger.NewFromUtxos(
			state.Utxos, cfg.RollbackWindow,
		),
		cp:          state.Checkpoint,
		scriptIndex: make(map[string]keyLocator),
		scannedUpTo: make(map[Branch]uint32),
		quit:        make(chan struct{}),
	}
	w.syncer = newSyncer(w, cfg.TxCacheCapacity)

	return w, nil
}

// Start launches the background sync loop. Calling Start more than once is a
// no-op.
func (w *Wallet) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}

	w.syncTicker = w.cfg.SyncTicker
	if w.syncTicker == nil {
		interval := w.cfg.SyncInterval
		if interval == 0 {
			interval = defaultSyncInterval
		}
		w.syncTicker = ticker.New(interval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancelLoop = cancel

	w.syncTicker.Resume()

	w.wg.Add(1)
	go w.syncLoop(ctx)

	log.Info("Wallet started")
}

// Stop halts the background loop and waits for it to exit. Calling Stop more
// than once, or without Start, is a no-op.
func (w *Wallet) Stop() {
	if !w.started.Load() || !w.stopped.CompareAndSwap(false, true) {
		return
	}

	close(w.quit)
	w.cancelLoop()
	w.syncTicker.Stop()
	w.wg.Wait()

	log.Info("Wallet stopped")
}

// syncLoop reconciles on every tick until Stop.
func (w *Wallet) syncLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.syncTicker.Ticks():
			err := w.Sync(ctx)
			switch {
			case err == nil:

			case errors.Is(err, ErrSyncInProgress):
				log.Debugf("Skipping tick, sync still " +
					"running")

			default:
				log.Errorf("Background sync failed: %v", err)
			}

		case <-w.quit:
			return
		}
	}
}

// Sync runs one reconciliation pass against the chain source. A concurrent
// call fails fast with ErrSyncInProgress.
func (w *Wallet) Sync(ctx context.Context) error {
	return w.syncer.run(ctx)
}

// NewAddress allocates the next address on the given branch. The advanced
// watermark is persisted before the address is returned, so a crash cannot
// cause the same address to be handed out twice.
func (w *Wallet) NewAddress(branch Branch) (btcutil.Address, error) {
	index, addr, err := w.cursor(branch).Next()
	if err != nil {
		return nil, err
	}

	if err := w.saveState(); err != nil {
		return nil, fmt.Errorf("persisting watermark: %w", err)
	}

	log.Debugf("Issued %v address %v at index %d", branch, addr, index)

	return addr, nil
}

// Balance sums the wallet's unspent outputs under the given policy.
func (w *Wallet) Balance(policy ledger.BalancePolicy) btcutil.Amount {
	return w.ledger.Balance(policy)
}

// Utxos returns a snapshot of the unspent outputs.
func (w *Wallet) Utxos() []ledger.Utxo {
	return w.ledger.Unspent()
}

// Checkpoint returns the last reconciled tip.
func (w *Wallet) Checkpoint() Checkpoint {
	w.cpMu.Lock()
	defer w.cpMu.Unlock()

	return w.cp
}

// setCheckpoint records a newly reconciled tip.
func (w *Wallet) setCheckpoint(cp Checkpoint) {
	w.cpMu.Lock()
	defer w.cpMu.Unlock()

	w.cp = cp
}

// Send builds, signs and broadcasts a transaction satisfying the intent,
// then records it in the ledger as unconfirmed.
func (w *Wallet) Send(ctx context.Context,
	intent *TxIntent) (chainhash.Hash, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	authored, err := w.buildTransaction(intent)
	if err != nil {
		return chainhash.Hash{}, err
	}

	if err := w.signAuthoredTx(authored); err != nil {
		return chainhash.Hash{}, err
	}

	txid, err := w.cfg.Chain.Broadcast(ctx, authored.Tx)
	if err != nil {
		return chainhash.Hash{}, err
	}

	// Record the send immediately so the spent inputs and any change
	// output are visible before the next sync pass.
	w.ledger.ApplyTransaction(
		ledger.TxView{Tx: authored.Tx}, w.ownsScript,
	)

	if err := w.saveState(); err != nil {
		return chainhash.Hash{}, fmt.Errorf("persisting state: %w",
			err)
	}

	log.Infof("Sent transaction %v", txid)

	return txid, nil
}

// cursor returns the allocator of the given branch.
func (w *Wallet) cursor(branch Branch) *AddressCursor {
	if branch == InternalBranch {
		return w.internal
	}

	return w.external
}

// gapLimit returns the configured gap limit or its default.
func (w *Wallet) gapLimit() uint32 {
	if w.cfg.GapLimit == 0 {
		return defaultGapLimit
	}

	return w.cfg.GapLimit
}

// saveState snapshots the cursors, ledger and checkpoint into the store.
// Each component is read under its own lock, so saveState can run while
// other wallet locks are held.
func (w *Wallet) saveState() error {
	state := &WalletState{
		ExternalDescriptor: w.external.Descriptor().String(),
		InternalDescriptor: w.internal.Descriptor().String(),
		NextExternalIndex:  w.external.NextIndex(),
		NextInternalIndex:  w.internal.NextIndex(),
		Utxos:              w.ledger.Export(),
		Checkpoint:         w.Checkpoint(),
	}

	w.storeMu.Lock()
	defer w.storeMu.Unlock()

	return w.cfg.Store.Save(state)
}

// ownsScript reports whether the script belongs to an issued address of
// either branch.
func (w *Wallet) ownsScript(pkScript []byte) bool {
	_, ok := w.lookupScript(pkScript)
	return ok
}

// lookupScript resolves a script to the derivation slot it was issued from.
// The index over issued scripts is extended lazily as the cursors advance.
func (w *Wallet) lookupScript(pkScript []byte) (keyLocator, bool) {
	w.scriptMu.Lock()
	defer w.scriptMu.Unlock()

	if loc, ok := w.scriptIndex[string(pkScript)]; ok {
		return loc, true
	}

	for _, branch := range []Branch{ExternalBranch, InternalBranch} {
		cursor := w.cursor(branch)
		issued := cursor.NextIndex()

		for i := w.scannedUpTo[branch]; i < issued; i++ {
			script, err := cursor.Script(i)
			if err != nil {
				log.Errorf("Unable to derive %v script at "+
					"index %d: %v", branch, i, err)
				break
			}

			w.scriptIndex[string(script)] = keyLocator{
				branch: branch,
				index:  i,
			}
		}
		w.scannedUpTo[branch] = issued
	}

	loc, ok := w.scriptIndex[string(pkScript)]

	return loc, ok
}
