// Package eventloop abstracts the scheduler that tells a capture engine when
// its socket is readable. Two variants are provided: Loop, a native single
// goroutine poll(2) loop, and ReactorAdapter, which drives a foreign reactor
// that exposes reader registration.
package eventloop

import (
	"errors"
)

var (
	// ErrUnknownToken the token was never issued, or was already unregistered
	ErrUnknownToken = errors.New("unknown registration token")
	// ErrClosed the loop was closed
	ErrClosed = errors.New("event loop closed")
	// ErrInvalidRegistration negative descriptor or nil handler
	ErrInvalidRegistration = errors.New("invalid registration")
)

// Token identifies one registration. The zero Token is never issued.
type Token uint64

// ReadyFunc called on the scheduler's goroutine when the descriptor is readable
type ReadyFunc func()

// Adapter registers descriptors for readability notifications. Implementations
// never invoke a handler after Unregister returned for its token, and never
// invoke two handlers concurrently.
type Adapter interface {
	RegisterReadable(fd int, onReadable ReadyFunc) (Token, error)
	Unregister(token Token) error
}
