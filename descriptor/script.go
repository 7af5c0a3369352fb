package descriptor

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/txscript"

	"github.com/tidewallet/tidewallet/keychain"
)

// Key returns the extended key the descriptor is parameterized by. The key
// may be private or public depending on how the descriptor was constructed.
func (d *Descriptor) Key() *hdkeychain.ExtendedKey {
	return d.key
}

// KeyAt derives the concrete extended key at the given wildcard index.
func (d *Descriptor) KeyAt(index uint32) (*hdkeychain.ExtendedKey, error) {
	return keychain.Derive(d.key, d.PathForIndex(index))
}

// PubKeyAt derives the compressed public key at the given wildcard index.
func (d *Descriptor) PubKeyAt(index uint32) (*btcec.PublicKey, error) {
	child, err := d.KeyAt(index)
	if err != nil {
		return nil, err
	}

	return child.ECPubKey()
}

// Address evaluates the descriptor at the given wildcard index and returns
// the resulting address.
func (d *Descriptor) Address(index uint32) (btcutil.Address, error) {
	pub, err := d.PubKeyAt(index)
	if err != nil {
		return nil, err
	}

	return d.addressForPubKey(pub)
}

// Script evaluates the descriptor at the given wildcard index and returns the
// resulting scriptPubKey. Evaluation is pure: the same (descriptor, index)
// pair always yields the identical script.
func (d *Descriptor) Script(index uint32) ([]byte, error) {
	addr, err := d.Address(index)
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(addr)
}

// addressForPubKey applies the script template to a single derived key.
func (d *Descriptor) addressForPubKey(
	pub *btcec.PublicKey) (btcutil.Address, error) {

	switch d.kind {
	case KindWPKH:
		return btcutil.NewAddressWitnessPubKeyHash(
			btcutil.Hash160(pub.SerializeCompressed()), d.params,
		)

	case KindPKH:
		return btcutil.NewAddressPubKeyHash(
			btcutil.Hash160(pub.SerializeCompressed()), d.params,
		)

	case KindTR:
		taprootKey := txscript.ComputeTaprootKeyNoScript(pub)
		return btcutil.NewAddressTaproot(
			schnorr.SerializePubKey(taprootKey), d.params,
		)

	default:
		return nil, fmt.Errorf("%w: unsupported kind %d",
			ErrMalformedDescriptor, d.kind)
	}
}
