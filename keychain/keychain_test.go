package keychain

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

const (
	// testMnemonic is the well-known all-zero-entropy BIP39 vector.
	testMnemonic = "abandon abandon abandon abandon abandon abandon " +
		"abandon abandon abandon abandon abandon about"

	// testSeedHex is the BIP39 seed for testMnemonic with an empty
	// passphrase.
	testSeedHex = "5eb00bbddcf069084889a8ab9155568165f5c453ccb85e70811aae" +
		"d6f6da5fc19a5ac40b389cd370d086206dec8aa6c43daea6690f20ad3d8d" +
		"48b2d2ce9e38e4"

	// testPubKeyHex is the compressed public key at 84'/1'/0'/0/0 from
	// testSeedHex.
	testPubKeyHex = "02e7ab2537b5d49e970309aae06e9e49f36ce1c9febbd44ec8e0" +
		"d1cca0b4f9c319"
)

// TestSeedFromMnemonic verifies the BIP39 seed golden vector and the checksum
// validation failure mode.
func TestSeedFromMnemonic(t *testing.T) {
	t.Parallel()

	// A valid mnemonic derives the known seed.
	seed, err := SeedFromMnemonic(testMnemonic, "")
	require.NoError(t, err)
	require.Equal(t, testSeedHex, hex.EncodeToString(seed))

	// A passphrase changes the seed.
	salted, err := SeedFromMnemonic(testMnemonic, "TREZOR")
	require.NoError(t, err)
	require.NotEqual(t, seed, salted)

	// A corrupted checksum is rejected.
	_, err = SeedFromMnemonic("abandon abandon abandon abandon abandon "+
		"abandon abandon abandon abandon abandon abandon abandon", "")
	require.ErrorIs(t, err, ErrInvalidMnemonic)

	// An unsupported word count is rejected.
	_, err = SeedFromMnemonic("abandon abandon abandon", "")
	require.ErrorIs(t, err, ErrInvalidMnemonic)
}

// TestDeriveGoldenVector checks that the BIP84 testnet path derives the known
// public key, and that derivation is deterministic across repeated calls.
func TestDeriveGoldenVector(t *testing.T) {
	t.Parallel()

	seed, err := SeedFromMnemonic(testMnemonic, "")
	require.NoError(t, err)

	master, err := MasterKeyFromSeed(seed, &chaincfg.TestNet3Params)
	require.NoError(t, err)

	path, err := ParsePath("84'/1'/0'/0/0")
	require.NoError(t, err)

	child, err := Derive(master, path)
	require.NoError(t, err)

	pub, err := child.ECPubKey()
	require.NoError(t, err)
	require.Equal(
		t, testPubKeyHex, hex.EncodeToString(pub.SerializeCompressed()),
	)

	// Deriving the same path again yields the identical key.
	again, err := Derive(master, path)
	require.NoError(t, err)
	require.Equal(t, child.String(), again.String())

	// Derivation does not mutate the parent.
	require.Equal(t, uint8(0), master.Depth())
}

// TestDeriveHardenedFromPublic ensures hardened steps are rejected when the
// parent cannot derive in the hardened range.
func TestDeriveHardenedFromPublic(t *testing.T) {
	t.Parallel()

	seed, err := SeedFromMnemonic(testMnemonic, "")
	require.NoError(t, err)

	master, err := MasterKeyFromSeed(seed, &chaincfg.TestNet3Params)
	require.NoError(t, err)

	neutered, err := master.Neuter()
	require.NoError(t, err)

	// Non-hardened derivation from a public key works.
	_, err = Derive(neutered, Path{{Index: 0}})
	require.NoError(t, err)

	// Hardened derivation from a public key fails.
	_, err = Derive(neutered, Path{{Index: 0, Hardened: true}})
	require.ErrorIs(t, err, ErrInvalidDerivation)
}

// TestDeriveIndexRange ensures step indices that already carry the hardened
// offset are rejected regardless of the hardened marker.
func TestDeriveIndexRange(t *testing.T) {
	t.Parallel()

	seed, err := SeedFromMnemonic(testMnemonic, "")
	require.NoError(t, err)

	master, err := MasterKeyFromSeed(seed, &chaincfg.TestNet3Params)
	require.NoError(t, err)

	// An index in the hardened range marked non-hardened is invalid.
	_, err = Derive(master, Path{{Index: 0x80000000}})
	require.ErrorIs(t, err, ErrInvalidDerivation)

	// The same index marked hardened would double-apply the offset and
	// is equally invalid.
	_, err = Derive(master, Path{{Index: 0x80000001, Hardened: true}})
	require.ErrorIs(t, err, ErrInvalidDerivation)
}
