// Package descriptor parses and evaluates output script descriptors such as
// wpkh(tpub.../0/*) into concrete scriptPubKeys. A descriptor binds a script
// template kind to an extended key and a wildcard child index, so the same
// (descriptor, index) pair always evaluates to the identical script.
//
// The set of supported template kinds is closed: new kinds are added to the
// Kind enumeration deliberately rather than through open dispatch.
package descriptor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/tidewallet/tidewallet/keychain"
)

var (
	// ErrMalformedDescriptor is returned when a descriptor template cannot
	// be parsed: unknown script function, unbalanced wrapping, invalid key
	// encoding, or wildcard misuse.
	ErrMalformedDescriptor = errors.New("malformed descriptor")

	// ErrNetworkMismatch is returned when a descriptor's key material is
	// encoded for a different network than the one requested.
	ErrNetworkMismatch = errors.New("descriptor network mismatch")
)

// Kind identifies a supported script template.
type Kind uint8

const (
	// KindWPKH is the BIP84 witness-pubkey-hash template.
	KindWPKH Kind = iota

	// KindPKH is the legacy pay-to-pubkey-hash template.
	KindPKH

	// KindTR is the BIP86 taproot key-spend template.
	KindTR
)

// String returns the descriptor function name of the kind.
func (k Kind) String() string {
	switch k {
	case KindWPKH:
		return "wpkh"

	case KindPKH:
		return "pkh"

	case KindTR:
		return "tr"

	default:
		return "unknown"
	}
}

// kindFromName maps a descriptor function name onto its Kind.
func kindFromName(name string) (Kind, bool) {
	switch name {
	case "wpkh":
		return KindWPKH, true

	case "pkh":
		return KindPKH, true

	case "tr":
		return KindTR, true

	default:
		return 0, false
	}
}

// Descriptor is a parsed, ranged script template. It holds the extended key
// the template is parameterized by, the fixed derivation steps between that
// key and the wildcard, and the network the resulting scripts belong to.
type Descriptor struct {
	kind   Kind
	key    *hdkeychain.ExtendedKey
	steps  keychain.Path
	params *chaincfg.Params
}

// Parse parses a ranged descriptor template such as "wpkh(tpub.../0/*)". The
// wildcard '*' must appear exactly once, in the final path position, and must
// not be hardened. A trailing "#checksum" suffix is tolerated and ignored;
// checksums are not verified.
func Parse(template string, params *chaincfg.Params) (*Descriptor, error) {
	s := strings.TrimSpace(template)

	if i := strings.LastIndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}

	open := strings.IndexByte(s, '(')
	if open <= 0 || !strings.HasSuffix(s, ")") {
		return nil, fmt.Errorf("%w: missing script function wrapping "+
			"in %q", ErrMalformedDescriptor, template)
	}

	kind, ok := kindFromName(s[:open])
	if !ok {
		return nil, fmt.Errorf("%w: unsupported script function %q",
			ErrMalformedDescriptor, s[:open])
	}

	inner := s[open+1 : len(s)-1]
	if strings.ContainsAny(inner, "()") {
		return nil, fmt.Errorf("%w: nested script function wrapping "+
			"in %q", ErrMalformedDescriptor, template)
	}

	if strings.Count(inner, "*") != 1 {
		return nil, fmt.Errorf("%w: wildcard must appear exactly once "+
			"in %q", ErrMalformedDescriptor, template)
	}

	parts := strings.Split(inner, "/")
	if parts[len(parts)-1] != "*" {
		return nil, fmt.Errorf("%w: wildcard must be the final path "+
			"position in %q", ErrMalformedDescriptor, template)
	}

	key, err := hdkeychain.NewKeyFromString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid key encoding: %v",
			ErrMalformedDescriptor, err)
	}

	steps, err := keychain.ParsePath(
		strings.Join(parts[1:len(parts)-1], "/"),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}

	return newDescriptor(kind, key, steps, params)
}

// New builds a ranged descriptor directly from an extended key and the fixed
// derivation steps leading to the wildcard. It performs the same network
// validation as Parse.
func New(kind Kind, key *hdkeychain.ExtendedKey, steps keychain.Path,
	params *chaincfg.Params) (*Descriptor, error) {

	if _, ok := kindFromName(kind.String()); !ok {
		return nil, fmt.Errorf("%w: unsupported kind %d",
			ErrMalformedDescriptor, kind)
	}

	return newDescriptor(kind, key, steps, params)
}

// newDescriptor validates the network tag shared by Parse and New.
func newDescriptor(kind Kind, key *hdkeychain.ExtendedKey,
	steps keychain.Path, params *chaincfg.Params) (*Descriptor, error) {

	if !key.IsForNet(params) {
		return nil, fmt.Errorf("%w: key is not encoded for %s",
			ErrNetworkMismatch, params.Name)
	}

	return &Descriptor{
		kind:   kind,
		key:    key,
		steps:  steps,
		params: params,
	}, nil
}

// Kind returns the descriptor's script template kind.
func (d *Descriptor) Kind() Kind {
	return d.kind
}

// Params returns the network parameters the descriptor evaluates against.
func (d *Descriptor) Params() *chaincfg.Params {
	return d.params
}

// PathForIndex returns the derivation steps from the descriptor's key to the
// concrete child at the given wildcard index.
func (d *Descriptor) PathForIndex(index uint32) keychain.Path {
	return d.steps.Extend(keychain.Step{Index: index})
}

// String renders the canonical template form, with the key in its
// serialized extended-key encoding.
func (d *Descriptor) String() string {
	var b strings.Builder
	b.WriteString(d.kind.String())
	b.WriteByte('(')
	b.WriteString(d.key.String())

	if len(d.steps) > 0 {
		b.WriteByte('/')
		b.WriteString(d.steps.String())
	}

	b.WriteString("/*)")

	return b.String()
}
