package causal

import "github.com/pkg/errors"

var (
	// ErrEmptyDestinations is never returned to callers of Send; it is
	// logged at debug level and Send becomes a no-op, per the spec's
	// propagation policy (the manager never raises to the caller of
	// send).
	ErrEmptyDestinations = errors.New("causal: empty destination set")

	// ErrStopped is returned from a blocked Receive when the manager has
	// been shut down while the receive was waiting on its delivery
	// condition.
	ErrStopped = errors.New("causal: manager stopped")
)
