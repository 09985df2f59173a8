package resolver

import (
	"errors"
	"fmt"
)

var (
	// ErrUnresolvable means every stream client failed to produce a
	// playable URL for the track.
	ErrUnresolvable = errors.New("resolver: unresolvable")

	// ErrExpiredMidFlight means a previously handed-out URL expired while
	// in use. Callers re-resolve exactly once.
	ErrExpiredMidFlight = errors.New("resolver: stream url expired mid-flight")

	// ErrQuotaOrGeo means the provider rejected the request for quota or
	// region reasons; retrying with another client will not help.
	ErrQuotaOrGeo = errors.New("resolver: quota or geo restriction")
)

// NetworkError wraps a transport-level failure so callers can distinguish
// it from provider rejections.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("resolver: network: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
