package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/tidewallet/tidewallet/chain"
)

const (
	// testMnemonic is the well-known all-zero-entropy BIP39 vector.
	testMnemonic = "abandon abandon abandon abandon abandon abandon " +
		"abandon abandon abandon abandon abandon about"

	// firstExternalAddr is the BIP84 testnet address at 84'/1'/0'/0/0
	// for testMnemonic.
	firstExternalAddr = "tb1q6rz28mcfaxtmd6v789l9rrlrusdprr9pqcpvkl"

	// secondExternalAddr is the address at index 1.
	secondExternalAddr = "tb1qd7spv5q28348xl4myc8zmh983w5jx32cjhkn97"
)

// errTxNotFound is returned by the fake chain for unknown transactions.
var errTxNotFound = errors.New("tx not found in fake chain")

// memStore is an in-memory wallet.Store. States are deep-copied through JSON
// so callers never alias the stored snapshot.
type memStore struct {
	mu    sync.Mutex
	state *WalletState
	saves int
}

func (m *memStore) Load() (*WalletState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		return nil, ErrStateNotFound
	}

	return copyState(m.state), nil
}

func (m *memStore) Save(state *WalletState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = copyState(state)
	m.saves++

	return nil
}

// saved returns the last persisted snapshot.
func (m *memStore) saved() *WalletState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		return nil
	}

	return copyState(m.state)
}

func copyState(state *WalletState) *WalletState {
	raw, err := json.Marshal(state)
	if err != nil {
		panic(err)
	}

	clone := &WalletState{}
	if err := json.Unmarshal(raw, clone); err != nil {
		panic(err)
	}

	return clone
}

// fakeChain is a scriptable in-memory chain.Source.
type fakeChain struct {
	mu sync.Mutex

	// histories maps a scriptPubKey (as string) to its history.
	histories map[string][]chain.HistoryItem

	// txs holds every fetchable transaction.
	txs map[chainhash.Hash]*wire.MsgTx

	tip    chain.Tip
	tipErr error

	// tipGate, when set, blocks CurrentTip until closed.
	tipGate chan struct{}

	// historyGate, when set, blocks FetchHistory until closed or the
	// caller's context is cancelled.
	historyGate chan struct{}

	historyCalls atomic.Int32
	broadcast    []*wire.MsgTx
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		histories: make(map[string][]chain.HistoryItem),
		txs:       make(map[chainhash.Hash]*wire.MsgTx),
		tip:       chain.Tip{Height: 1, Hash: chainhash.Hash{0x01}},
	}
}

// addTx registers a transaction and appends it to the history of every
// script it pays, plus any extra scripts it is relevant to, the way a spend
// shows up in the history of the script it consumes.
func (f *fakeChain) addTx(tx *wire.MsgTx, height int32,
	extraScripts ...[]byte) {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.txs[tx.TxHash()] = tx

	item := chain.HistoryItem{TxID: tx.TxHash(), Height: height}
	for _, out := range tx.TxOut {
		f.histories[string(out.PkScript)] = append(
			f.histories[string(out.PkScript)], item,
		)
	}
	for _, script := range extraScripts {
		f.histories[string(script)] = append(
			f.histories[string(script)], item,
		)
	}
}

// setHistory replaces the history of one script.
func (f *fakeChain) setHistory(script []byte, items []chain.HistoryItem) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.histories[string(script)] = items
}

func (f *fakeChain) setTip(tip chain.Tip) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.tip = tip
}

func (f *fakeChain) FetchHistory(ctx context.Context,
	pkScript []byte) ([]chain.HistoryItem, error) {

	f.historyCalls.Add(1)

	if f.historyGate != nil {
		select {
		case <-f.historyGate:
		case <-ctx.Done():
			return nil, chain.NewRetryableError(ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.histories[string(pkScript)], nil
}

func (f *fakeChain) FetchTransaction(_ context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	tx, ok := f.txs[txid]
	if !ok {
		return nil, chain.NewTerminalError(errTxNotFound)
	}

	return tx, nil
}

func (f *fakeChain) CurrentTip(_ context.Context) (chain.Tip, error) {
	if f.tipGate != nil {
		<-f.tipGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.tipErr != nil {
		return chain.Tip{}, f.tipErr
	}

	return f.tip, nil
}

func (f *fakeChain) Broadcast(_ context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.broadcast = append(f.broadcast, tx)

	return tx.TxHash(), nil
}

// newTestWallet opens a signing wallet over a fresh store and fake chain.
func newTestWallet(t *testing.T) (*Wallet, *memStore, *fakeChain) {
	t.Helper()

	store := &memStore{}
	source := newFakeChain()

	w, err := NewFromMnemonic(Config{
		ChainParams: &chaincfg.TestNet3Params,
		Chain:       source,
		Store:       store,
		GapLimit:    5,
	}, testMnemonic, "")
	require.NoError(t, err)

	return w, store, source
}

// TestNewFromMnemonicFresh checks the golden first address and that the
// initialized state carries only public key material.
func TestNewFromMnemonicFresh(t *testing.T) {
	t.Parallel()

	w, store, _ := newTestWallet(t)

	addr, err := w.NewAddress(ExternalBranch)
	require.NoError(t, err)
	require.Equal(t, firstExternalAddr, addr.EncodeAddress())

	state := store.saved()
	require.NotNil(t, state)
	require.Equal(t, uint32(1), state.NextExternalIndex)
	require.Equal(t, uint32(0), state.NextInternalIndex)

	// The persisted descriptors are watch-only.
	require.True(t, strings.HasPrefix(state.ExternalDescriptor, "wpkh("))
	require.NotContains(t, state.ExternalDescriptor, "tprv")
	require.NotContains(t, state.InternalDescriptor, "tprv")
}

// TestAddressMonotonicAcrossReload issues addresses, reopens the wallet from
// the same store, and verifies issuance continues where it left off.
func TestAddressMonotonicAcrossReload(t *testing.T) {
	t.Parallel()

	w, store, source := newTestWallet(t)

	first, err := w.NewAddress(ExternalBranch)
	require.NoError(t, err)

	reopened, err := NewFromMnemonic(Config{
		ChainParams: &chaincfg.TestNet3Params,
		Chain:       source,
		Store:       store,
	}, testMnemonic, "")
	require.NoError(t, err)

	second, err := reopened.NewAddress(ExternalBranch)
	require.NoError(t, err)
	require.NotEqual(t, first.EncodeAddress(), second.EncodeAddress())
	require.Equal(t, secondExternalAddr, second.EncodeAddress())
}

// TestStateMismatch rejects opening a store created by different key
// material.
func TestStateMismatch(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	source := newFakeChain()

	cfg := Config{
		ChainParams: &chaincfg.TestNet3Params,
		Chain:       source,
		Store:       store,
	}

	_, err := NewFromMnemonic(cfg, testMnemonic, "")
	require.NoError(t, err)

	// Same mnemonic, different passphrase: different key tree.
	_, err = NewFromMnemonic(cfg, testMnemonic, "TREZOR")
	require.ErrorIs(t, err, ErrStateMismatch)
}

// TestWatchOnly opens a wallet from persisted state without the mnemonic:
// addresses and sync work, signing does not.
func TestWatchOnly(t *testing.T) {
	t.Parallel()

	_, store, source := newTestWallet(t)

	watchOnly, err := New(Config{
		ChainParams: &chaincfg.TestNet3Params,
		Chain:       source,
		Store:       store,
	})
	require.NoError(t, err)

	addr, err := watchOnly.NewAddress(ExternalBranch)
	require.NoError(t, err)
	require.Equal(t, firstExternalAddr, addr.EncodeAddress())

	require.NoError(t, watchOnly.Sync(context.Background()))

	_, err = watchOnly.privKeyAt(keyLocator{branch: ExternalBranch})
	require.ErrorIs(t, err, ErrWatchOnly)
}

// TestWatchOnlyRequiresState ensures New without persisted state fails.
func TestWatchOnlyRequiresState(t *testing.T) {
	t.Parallel()

	_, err := New(Config{
		ChainParams: &chaincfg.TestNet3Params,
		Chain:       newFakeChain(),
		Store:       &memStore{},
	})
	require.ErrorIs(t, err, ErrStateNotFound)
}
