package electrum

import (
	"crypto/sha256"
	"encoding/hex"
)

// ScriptHash computes the Electrum index key for a scriptPubKey: the SHA256
// digest of the script, byte-reversed and hex encoded.
func ScriptHash(pkScript []byte) string {
	digest := sha256.Sum256(pkScript)

	for i, j := 0, len(digest)-1; i < j; i, j = i+1, j-1 {
		digest[i], digest[j] = digest[j], digest[i]
	}

	return hex.EncodeToString(digest[:])
}
