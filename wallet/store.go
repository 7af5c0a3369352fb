package wallet

import "errors"

// ErrStateNotFound is returned by Store.Load when no wallet state has been
// persisted yet.
var ErrStateNotFound = errors.New("wallet state not found")

// Store persists the wallet state between sessions. Implementations must
// make Save atomic: a crash mid-save leaves either the old or the new state,
// never a torn one.
type Store interface {
	// Load returns the persisted state, or ErrStateNotFound when the
	// store is empty.
	Load() (*WalletState, error)

	// Save replaces the persisted state.
	Save(state *WalletState) error
}
