package eventloop

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// ReadDescriptor what a foreign reactor watches: a descriptor, and the method
// it calls when that descriptor is readable.
type ReadDescriptor interface {
	Fileno() int
	DoRead()
}

// Reactor a foreign scheduler with reader registration, in the style of
// Twisted's IReactorFDSet.
type Reactor interface {
	AddReader(r ReadDescriptor) error
	RemoveReader(r ReadDescriptor) error
}

type reader struct {
	token   Token
	fd      int
	fn      ReadyFunc
	removed bool
}

func (r *reader) Fileno() int {
	return r.fd
}

// DoRead ignores calls a reactor still delivers after removal
func (r *reader) DoRead() {
	if r.removed {
		return
	}
	r.fn()
}

// ReactorAdapter implements Adapter on top of a Reactor. Like the reactor it
// wraps, it must be used from the reactor's goroutine.
type ReactorAdapter struct {
	reactor Reactor
	readers map[Token]*reader
	next    Token
}

// NewReactorAdapter wrap a reactor
func NewReactorAdapter(reactor Reactor) *ReactorAdapter {
	return &ReactorAdapter{
		reactor: reactor,
		readers: map[Token]*reader{},
	}
}

// RegisterReadable implements Adapter
func (a *ReactorAdapter) RegisterReadable(fd int, onReadable ReadyFunc) (Token, error) {
	if fd < 0 || onReadable == nil {
		return 0, fmt.Errorf("%w: fd %d", ErrInvalidRegistration, fd)
	}
	a.next++
	r := &reader{token: a.next, fd: fd, fn: onReadable}
	if err := a.reactor.AddReader(r); err != nil {
		return 0, fmt.Errorf("reactor refused reader for fd %d: %w", fd, err)
	}
	a.readers[r.token] = r
	log.WithFields(log.Fields{"fd": fd, "token": r.token}).Debug("added reader to reactor")
	return r.token, nil
}

// Unregister implements Adapter. The token is forgotten even when the reactor
// fails to remove the reader.
func (a *ReactorAdapter) Unregister(token Token) error {
	r, ok := a.readers[token]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownToken, token)
	}
	delete(a.readers, token)
	r.removed = true
	if err := a.reactor.RemoveReader(r); err != nil {
		return fmt.Errorf("reactor failed to remove reader for fd %d: %w", r.fd, err)
	}
	log.WithFields(log.Fields{"fd": r.fd, "token": token}).Debug("removed reader from reactor")
	return nil
}
