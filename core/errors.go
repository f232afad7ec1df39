// Package core implements the atomic-swap protocol engine: the order store,
// the resolver state machine, the timeout sweep, cross-chain reconciliation
// and the optional order matcher.
package core

import "errors"

var (
	// ErrOrderExists is returned when inserting an order whose hash is
	// already tracked.
	ErrOrderExists = errors.New("order already exists")

	// ErrOrderNotFound is returned for lookups of untracked orders.
	ErrOrderNotFound = errors.New("order not found")

	// ErrCapacity is returned when the order table is full and nothing
	// terminal can be evicted. The originating chain is flagged as
	// backpressured until space frees up.
	ErrCapacity = errors.New("order table full")

	// ErrBadTransition is returned for state changes the protocol
	// forbids, including any transition out of a terminal state.
	ErrBadTransition = errors.New("illegal order state transition")

	// ErrSecretMismatch is returned when a submitted preimage does not
	// hash to the order's hashlock.
	ErrSecretMismatch = errors.New("secret does not match hashlock")

	// ErrNoSecret is returned when fulfillment is requested for an order
	// whose preimage is not yet known.
	ErrNoSecret = errors.New("secret not known")
)
