package keychain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// Step is a single level of a BIP32 derivation path.
type Step struct {
	// Index is the child index before any hardened offset is applied. It
	// must be below hdkeychain.HardenedKeyStart; the Hardened flag selects
	// the hardened range.
	Index uint32

	// Hardened indicates the child is derived in the hardened range.
	Hardened bool
}

// Path is an ordered sequence of derivation steps, e.g.
// purpose'/coin_type'/account'/branch/index.
type Path []Step

// ParsePath parses a derivation path string of the form "84'/1'/0'/0/5". A
// leading "m/" or "M/" is accepted and ignored. Hardened steps may be marked
// with ', h or H. An empty string parses to an empty path.
func ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "m/")
	s = strings.TrimPrefix(s, "M/")

	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, "/")
	path := make(Path, 0, len(parts))

	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("%w: empty path step in %q",
				ErrInvalidDerivation, s)
		}

		hardened := false
		switch part[len(part)-1] {
		case '\'', 'h', 'H':
			hardened = true
			part = part[:len(part)-1]
		}

		index, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid path step %q",
				ErrInvalidDerivation, part)
		}

		if index >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("%w: step index %d outside "+
				"the non-hardened range", ErrInvalidDerivation,
				index)
		}

		path = append(path, Step{
			Index:    uint32(index),
			Hardened: hardened,
		})
	}

	return path, nil
}

// String returns the canonical string form of the path, using ' to mark
// hardened steps.
func (p Path) String() string {
	var b strings.Builder
	for i, step := range p {
		if i > 0 {
			b.WriteByte('/')
		}

		b.WriteString(strconv.FormatUint(uint64(step.Index), 10))

		if step.Hardened {
			b.WriteByte('\'')
		}
	}

	return b.String()
}

// Extend returns a new path with the given steps appended. The receiver is
// never mutated.
func (p Path) Extend(steps ...Step) Path {
	extended := make(Path, 0, len(p)+len(steps))
	extended = append(extended, p...)
	extended = append(extended, steps...)

	return extended
}
