package wallet

import (
	"sync"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/tidewallet/tidewallet/descriptor"
)

// Branch selects one of the wallet's two derivation chains.
type Branch uint32

const (
	// ExternalBranch is the receive chain, handed out to counterparties.
	ExternalBranch Branch = 0

	// InternalBranch is the change chain, only ever paid by the wallet
	// itself.
	InternalBranch Branch = 1
)

// String returns a human-readable form of the branch.
func (b Branch) String() string {
	switch b {
	case ExternalBranch:
		return "external"

	case InternalBranch:
		return "internal"

	default:
		return "unknown"
	}
}

// AddressCursor allocates addresses from a descriptor at the lowest index
// never issued before. Indices only ever move forward, so an address handed
// out once is never handed out again, even across crashes, as long as the
// watermark is persisted before the address is used.
type AddressCursor struct {
	mu   sync.Mutex
	desc *descriptor.Descriptor
	next uint32
}

// NewAddressCursor creates a cursor over desc with its watermark restored to
// next.
func NewAddressCursor(desc *descriptor.Descriptor,
	next uint32) *AddressCursor {

	return &AddressCursor{
		desc: desc,
		next: next,
	}
}

// Next allocates the lowest unissued index and returns it with its address.
// The watermark advances before the address is derived, so a derivation
// failure still burns the index.
func (c *AddressCursor) Next() (uint32, btcutil.Address, error) {
	c.mu.Lock()
	index := c.next
	c.next++
	c.mu.Unlock()

	addr, err := c.desc.Address(index)
	if err != nil {
		return 0, nil, err
	}

	return index, addr, nil
}

// Peek derives the address at an arbitrary index without moving the
// watermark.
func (c *AddressCursor) Peek(index uint32) (btcutil.Address, error) {
	return c.desc.Address(index)
}

// Script derives the scriptPubKey at an arbitrary index without moving the
// watermark.
func (c *AddressCursor) Script(index uint32) ([]byte, error) {
	return c.desc.Script(index)
}

// NextIndex returns the current watermark: all indices below it have been
// issued.
func (c *AddressCursor) NextIndex() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.next
}

// Advance moves the watermark forward to next if it is ahead of the current
// one. It never moves backward.
func (c *AddressCursor) Advance(next uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if next > c.next {
		c.next = next
	}
}

// Descriptor returns the descriptor the cursor allocates from.
func (c *AddressCursor) Descriptor() *descriptor.Descriptor {
	return c.desc
}
