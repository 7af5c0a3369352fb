package wallet

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/tidewallet/tidewallet/ledger"
)

// ErrInsufficientFunds is returned when the eligible UTXO set cannot cover
// the requested outputs plus the fee at the requested rate.
var ErrInsufficientFunds = errors.New("insufficient funds")

// p2wpkhInputVSize is the virtual size one additional p2wpkh input adds to a
// transaction: the 41 non-witness bytes plus the witness weight discounted
// by the segwit factor.
const p2wpkhInputVSize = 41 + (txsizes.RedeemP2WPKHInputWitnessWeight+3)/4

// TxIntent describes one transaction to build. Outputs is required; every
// other field has a useful zero value.
type TxIntent struct {
	// Outputs is the set of recipient outputs, change excluded.
	Outputs []*wire.TxOut

	// FeeSatPerKb is the fee rate in satoshis per kilobyte of virtual
	// size. Zero means the default relay fee.
	FeeSatPerKb btcutil.Amount

	// AllowUnconfirmed admits unconfirmed UTXOs into coin selection.
	AllowUnconfirmed bool

	// Inputs optionally restricts selection to these outpoints.
	// Duplicates are tolerated; an outpoint the wallet does not hold an
	// eligible UTXO for is an error.
	Inputs []wire.OutPoint

	// Strategy arranges the eligible UTXOs before selection. Nil means
	// largest-first.
	Strategy CoinSelectionStrategy
}

// CoinSelectionStrategy is an algorithm deciding the order in which eligible
// UTXOs are consumed to fund a transaction.
type CoinSelectionStrategy interface {
	// ArrangeCoins returns the eligible UTXOs in consumption order. The
	// fee rate lets strategies drop inputs that cost more to spend than
	// they contribute.
	ArrangeCoins(eligible []ledger.Utxo,
		feeSatPerKb btcutil.Amount) ([]ledger.Utxo, error)
}

var (
	// CoinSelectionLargestFirst selects the largest UTXOs first, which
	// minimizes the input count and therefore the fee.
	CoinSelectionLargestFirst CoinSelectionStrategy = &largestFirstSelector{}

	// CoinSelectionRandom selects positively-yielding UTXOs in uniformly
	// random order, trading a possibly larger fee for not revealing the
	// wallet's largest holdings.
	CoinSelectionRandom CoinSelectionStrategy = &randomSelector{}
)

type largestFirstSelector struct{}

// ArrangeCoins implements CoinSelectionStrategy.
func (s *largestFirstSelector) ArrangeCoins(eligible []ledger.Utxo,
	_ btcutil.Amount) ([]ledger.Utxo, error) {

	arranged := make([]ledger.Utxo, len(eligible))
	copy(arranged, eligible)

	sort.SliceStable(arranged, func(i, j int) bool {
		return arranged[i].Amount > arranged[j].Amount
	})

	return arranged, nil
}

type randomSelector struct{}

// ArrangeCoins implements CoinSelectionStrategy.
func (s *randomSelector) ArrangeCoins(eligible []ledger.Utxo,
	feeSatPerKb btcutil.Amount) ([]ledger.Utxo, error) {

	arranged := make([]ledger.Utxo, 0, len(eligible))
	for _, u := range eligible {
		if inputYieldsPositively(u, feeSatPerKb) {
			arranged = append(arranged, u)
		}
	}

	rand.Shuffle(len(arranged), func(i, j int) {
		arranged[i], arranged[j] = arranged[j], arranged[i]
	})

	return arranged, nil
}

// inputYieldsPositively reports whether spending the UTXO adds more value
// than the fee its input costs at the given rate.
func inputYieldsPositively(u ledger.Utxo, feeSatPerKb btcutil.Amount) bool {
	inputFee := txrules.FeeForSerializeSize(feeSatPerKb, p2wpkhInputVSize)
	return u.Amount > inputFee
}

// BuildTransaction selects coins and authors an unsigned transaction paying
// the intent's outputs, with change returned to the internal branch. It
// fails with ErrInsufficientFunds when the eligible UTXOs cannot cover
// outputs plus fee.
func (w *Wallet) BuildTransaction(
	intent *TxIntent) (*txauthor.AuthoredTx, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	return w.buildTransaction(intent)
}

// buildTransaction is BuildTransaction with the facade lock already held.
func (w *Wallet) buildTransaction(
	intent *TxIntent) (*txauthor.AuthoredTx, error) {

	if len(intent.Outputs) == 0 {
		return nil, errors.New("intent carries no outputs")
	}

	feeRate := intent.FeeSatPerKb
	if feeRate == 0 {
		feeRate = txrules.DefaultRelayFeePerKb
	}

	for _, out := range intent.Outputs {
		if txrules.IsDustOutput(out, feeRate) {
			return nil, fmt.Errorf("output of %v is dust at fee "+
				"rate %v", btcutil.Amount(out.Value), feeRate)
		}
	}

	eligible, err := w.eligibleInputs(intent)
	if err != nil {
		return nil, err
	}

	strategy := intent.Strategy
	if strategy == nil {
		strategy = CoinSelectionLargestFirst
	}

	arranged, err := strategy.ArrangeCoins(eligible, feeRate)
	if err != nil {
		return nil, fmt.Errorf("arranging coins: %w", err)
	}

	changeSource := &txauthor.ChangeSource{
		NewScript:  w.newChangeScript,
		ScriptSize: txsizes.P2WPKHPkScriptSize,
	}

	authored, err := txauthor.NewUnsignedTransaction(
		intent.Outputs, feeRate, makeInputSource(arranged),
		changeSource,
	)
	if err != nil {
		var inputErr txauthor.InputSourceError
		if errors.As(err, &inputErr) {
			return nil, fmt.Errorf("%w: %v",
				ErrInsufficientFunds, err)
		}

		return nil, err
	}

	if authored.ChangeIndex >= 0 {
		authored.RandomizeChangePosition()
	}

	log.Debugf("Authored transaction %v: %d inputs, %d outputs, fee "+
		"rate %v", authored.Tx.TxHash(), len(authored.Tx.TxIn),
		len(authored.Tx.TxOut), feeRate)

	return authored, nil
}

// eligibleInputs filters the unspent set by the intent's confirmation policy
// and optional manual outpoint selection.
func (w *Wallet) eligibleInputs(intent *TxIntent) ([]ledger.Utxo, error) {
	unspent := w.ledger.Unspent()

	eligible := make([]ledger.Utxo, 0, len(unspent))
	for _, u := range unspent {
		if !intent.AllowUnconfirmed && u.Height == 0 {
			continue
		}

		eligible = append(eligible, u)
	}

	if len(intent.Inputs) == 0 {
		return eligible, nil
	}

	requested := fn.NewSet(intent.Inputs...)

	picked := make([]ledger.Utxo, 0, len(intent.Inputs))
	for _, u := range eligible {
		if requested.Contains(u.OutPoint) {
			picked = append(picked, u)
			requested.Remove(u.OutPoint)
		}
	}

	if missing := requested.ToSlice(); len(missing) > 0 {
		return nil, fmt.Errorf("requested inputs not eligible: %v",
			missing)
	}

	return picked, nil
}

// newChangeScript allocates a change script from the internal branch,
// persisting the watermark so the index is burned even if the transaction is
// never broadcast.
func (w *Wallet) newChangeScript() ([]byte, error) {
	index, _, err := w.internal.Next()
	if err != nil {
		return nil, err
	}

	script, err := w.internal.Script(index)
	if err != nil {
		return nil, err
	}

	if err := w.saveState(); err != nil {
		return nil, fmt.Errorf("persisting change watermark: %w", err)
	}

	return script, nil
}

// makeInputSource returns an input source consuming the arranged UTXOs in
// order until the target amount is reached.
func makeInputSource(arranged []ledger.Utxo) txauthor.InputSource {
	var (
		currentTotal   btcutil.Amount
		currentInputs  []*wire.TxIn
		currentValues  []btcutil.Amount
		currentScripts [][]byte
	)

	return func(target btcutil.Amount) (btcutil.Amount, []*wire.TxIn,
		[]btcutil.Amount, [][]byte, error) {

		for currentTotal < target && len(arranged) != 0 {
			next := arranged[0]
			arranged = arranged[1:]

			currentTotal += next.Amount
			currentInputs = append(currentInputs, wire.NewTxIn(
				&next.OutPoint, nil, nil,
			))
			currentValues = append(currentValues, next.Amount)
			currentScripts = append(currentScripts, next.PkScript)
		}

		return currentTotal, currentInputs, currentValues,
			currentScripts, nil
	}
}
