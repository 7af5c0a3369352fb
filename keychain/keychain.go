// Package keychain turns a BIP39 mnemonic into a deterministic master seed
// and derives child keys along BIP32 paths. All derivations are pure: the
// same inputs always produce the same keys, and deriving a child never
// mutates its parent.
package keychain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"
)

var (
	// ErrInvalidMnemonic is returned when a mnemonic fails checksum
	// validation or has an unsupported word count.
	ErrInvalidMnemonic = errors.New("invalid mnemonic")

	// ErrInvalidDerivation is returned when a derivation path cannot be
	// satisfied, such as a hardened step requested from a public-only key
	// or a step index outside the range its hardened marker allows.
	ErrInvalidDerivation = errors.New("invalid derivation")
)

// SeedFromMnemonic derives the BIP39 master seed from a mnemonic and an
// optional passphrase. The mnemonic's checksum and word count are validated
// before the KDF runs.
func SeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}

	return seed, nil
}

// MasterKeyFromSeed derives the BIP32 master extended key for the given
// network from a seed. The derivation is deterministic.
func MasterKeyFromSeed(seed []byte,
	params *chaincfg.Params) (*hdkeychain.ExtendedKey, error) {

	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDerivation, err)
	}

	return master, nil
}

// Derive walks the given path from parent and returns the resulting child
// key. The parent is never mutated. Hardened steps require a private parent
// and fail with ErrInvalidDerivation otherwise.
func Derive(parent *hdkeychain.ExtendedKey,
	path Path) (*hdkeychain.ExtendedKey, error) {

	key := parent
	for _, step := range path {
		// The step's Index carries no hardened offset; the marker
		// alone selects the range. An index that already includes the
		// offset would silently derive a different child, so reject
		// it outright.
		if step.Index >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("%w: step index %d overflows "+
				"into the hardened range", ErrInvalidDerivation,
				step.Index)
		}

		index := step.Index
		if step.Hardened {
			if !key.IsPrivate() {
				return nil, fmt.Errorf("%w: hardened step %d' "+
					"from public key", ErrInvalidDerivation,
					step.Index)
			}

			index += hdkeychain.HardenedKeyStart
		}

		child, err := key.Derive(index)
		if err != nil {
			return nil, fmt.Errorf("%w: deriving step %d: %v",
				ErrInvalidDerivation, step.Index, err)
		}

		key = child
	}

	return key, nil
}
