package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"

	"github.com/tidewallet/tidewallet/keychain"
)

// Compile-time check that secretStore satisfies txauthor.SecretsSource.
var _ txauthor.SecretsSource = (*secretStore)(nil)

// secretStore resolves addresses back to their private keys for signing. It
// only knows addresses issued by the wallet's own cursors.
type secretStore struct {
	w *Wallet
}

// GetKey implements txscript.KeyDB.
func (s *secretStore) GetKey(addr btcutil.Address) (*btcec.PrivateKey, bool,
	error) {

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, false, err
	}

	loc, ok := s.w.lookupScript(script)
	if !ok {
		return nil, false, fmt.Errorf("address %v is not owned by "+
			"this wallet", addr)
	}

	priv, err := s.w.privKeyAt(loc)
	if err != nil {
		return nil, false, err
	}

	return priv, true, nil
}

// GetScript implements txscript.ScriptDB. The wallet only issues p2wpkh
// outputs, which carry no redeem script.
func (s *secretStore) GetScript(addr btcutil.Address) ([]byte, error) {
	return nil, fmt.Errorf("no redeem script for address %v", addr)
}

// ChainParams implements txauthor.SecretsSource.
func (s *secretStore) ChainParams() *chaincfg.Params {
	return s.w.cfg.ChainParams
}

// privKeyAt derives the private key of a derivation slot from the account
// key.
func (w *Wallet) privKeyAt(loc keyLocator) (*btcec.PrivateKey, error) {
	if w.accountKey == nil {
		return nil, ErrWatchOnly
	}

	child, err := keychain.Derive(w.accountKey, keychain.Path{
		{Index: uint32(loc.branch)},
		{Index: loc.index},
	})
	if err != nil {
		return nil, err
	}

	return child.ECPrivKey()
}

// SignTransaction attaches witnesses to every input of an authored
// transaction. It fails with ErrWatchOnly on wallets opened without their
// mnemonic.
func (w *Wallet) SignTransaction(authored *txauthor.AuthoredTx) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.signAuthoredTx(authored)
}

// signAuthoredTx is SignTransaction with the facade lock already held.
func (w *Wallet) signAuthoredTx(authored *txauthor.AuthoredTx) error {
	if w.accountKey == nil {
		return ErrWatchOnly
	}

	return authored.AddAllInputScripts(&secretStore{w: w})
}

// CreatePacket authors an unsigned transaction for the intent and wraps it
// in a PSBT packet, populating each input with its witness UTXO, the full
// previous transaction when the chain source can supply it, and the BIP32
// derivation of owned scripts. The packet can then be signed here or handed
// to an external signer.
func (w *Wallet) CreatePacket(intent *TxIntent) (*psbt.Packet, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	authored, err := w.buildTransaction(intent)
	if err != nil {
		return nil, err
	}

	packet, err := psbt.NewFromUnsignedTx(authored.Tx)
	if err != nil {
		return nil, err
	}

	for i := range packet.Inputs {
		pkScript := authored.PrevScripts[i]
		value := authored.PrevInputValues[i]

		packet.Inputs[i].WitnessUtxo = wire.NewTxOut(
			int64(value), pkScript,
		)
		packet.Inputs[i].SighashType = txscript.SigHashAll

		if deriv := w.bip32Derivation(pkScript); deriv != nil {
			packet.Inputs[i].Bip32Derivation =
				[]*psbt.Bip32Derivation{deriv}
		}

		// Include the full previous transaction too, so signers that
		// insist on validating the input amount against it
		// (CVE-2020-14199) can do so. Best effort from the sync
		// cache.
		prevTxid := packet.UnsignedTx.TxIn[i].PreviousOutPoint.Hash
		if entry, err := w.syncer.txCache.Get(prevTxid); err == nil {
			packet.Inputs[i].NonWitnessUtxo = entry.tx
		}
	}

	// Mark owned outputs, change in particular, so other participants
	// can verify where our funds flow.
	for i, out := range packet.UnsignedTx.TxOut {
		if deriv := w.bip32Derivation(out.PkScript); deriv != nil {
			packet.Outputs[i].Bip32Derivation =
				[]*psbt.Bip32Derivation{deriv}
		}
	}

	return packet, nil
}

// bip32Derivation builds the PSBT derivation entry for an owned script, or
// nil when the script is foreign or the wallet lacks origin info.
func (w *Wallet) bip32Derivation(pkScript []byte) *psbt.Bip32Derivation {
	loc, ok := w.lookupScript(pkScript)
	if !ok || w.accountKey == nil {
		return nil
	}

	pub, err := w.cursor(loc.branch).Descriptor().PubKeyAt(loc.index)
	if err != nil {
		return nil
	}

	fullPath := w.accountPath.Extend(
		keychain.Step{Index: uint32(loc.branch)},
		keychain.Step{Index: loc.index},
	)

	bip32Path := make([]uint32, len(fullPath))
	for i, step := range fullPath {
		bip32Path[i] = step.Index
		if step.Hardened {
			bip32Path[i] += hdkeychain.HardenedKeyStart
		}
	}

	return &psbt.Bip32Derivation{
		PubKey:               pub.SerializeCompressed(),
		MasterKeyFingerprint: w.masterFingerprint,
		Bip32Path:            bip32Path,
	}
}

// SignPacket adds a partial signature for every packet input the wallet
// owns. Inputs belonging to other participants are left untouched.
func (w *Wallet) SignPacket(packet *psbt.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.accountKey == nil {
		return ErrWatchOnly
	}

	// All witness UTXOs feed the BIP143 sighash computation.
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(packet.Inputs))
	for i, pIn := range packet.Inputs {
		if pIn.WitnessUtxo == nil {
			continue
		}
		op := packet.UnsignedTx.TxIn[i].PreviousOutPoint
		prevOuts[op] = pIn.WitnessUtxo
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	signed := 0
	for i := range packet.Inputs {
		pIn := &packet.Inputs[i]
		if pIn.WitnessUtxo == nil {
			continue
		}

		loc, ok := w.lookupScript(pIn.WitnessUtxo.PkScript)
		if !ok {
			continue
		}

		priv, err := w.privKeyAt(loc)
		if err != nil {
			return err
		}
		pub := priv.PubKey().SerializeCompressed()

		if hasPartialSig(pIn, pub) {
			continue
		}

		hashType := pIn.SighashType
		if hashType == 0 {
			hashType = txscript.SigHashAll
		}

		sig, err := txscript.RawTxInWitnessSignature(
			packet.UnsignedTx, sigHashes, i,
			pIn.WitnessUtxo.Value, pIn.WitnessUtxo.PkScript,
			hashType, priv,
		)
		if err != nil {
			return fmt.Errorf("signing input %d: %w", i, err)
		}

		pIn.PartialSigs = append(pIn.PartialSigs, &psbt.PartialSig{
			PubKey:    pub,
			Signature: sig,
		})
		signed++
	}

	if signed == 0 {
		return errors.New("packet contains no inputs owned by this " +
			"wallet")
	}

	log.Debugf("Signed %d of %d packet inputs", signed,
		len(packet.Inputs))

	return nil
}

// hasPartialSig reports whether the input already carries a signature for
// the given public key.
func hasPartialSig(pIn *psbt.PInput, pub []byte) bool {
	for _, partial := range pIn.PartialSigs {
		if string(partial.PubKey) == string(pub) {
			return true
		}
	}

	return false
}

// FinalizePacket turns a fully signed packet into a broadcastable
// transaction.
func FinalizePacket(packet *psbt.Packet) (*wire.MsgTx, error) {
	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return nil, fmt.Errorf("finalizing packet: %w", err)
	}

	return psbt.Extract(packet)
}
