//go:build linux || darwin || freebsd

package eventloop

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const readyEvents = unix.POLLIN | unix.POLLERR | unix.POLLHUP | unix.POLLNVAL

type handler struct {
	token   Token
	fd      int
	fn      ReadyFunc
	removed bool
}

// Loop a native event loop. One goroutine runs it with Run or RunOnce;
// registrations and handlers belong to that goroutine. Post and Stop may be
// called from any goroutine.
type Loop struct {
	// loop goroutine only
	handlers map[Token]*handler
	next     Token

	mu       sync.Mutex
	posted   []func()
	stopping bool
	closed   bool
	wakeR    int
	wakeW    int
}

// NewLoop create a loop and its wake pipe
func NewLoop() (*Loop, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, fmt.Errorf("unable to create wake pipe: %w", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, fmt.Errorf("unable to set wake pipe non-blocking: %w", err)
		}
	}
	return &Loop{
		handlers: map[Token]*handler{},
		wakeR:    fds[0],
		wakeW:    fds[1],
	}, nil
}

// RegisterReadable implements Adapter
func (l *Loop) RegisterReadable(fd int, onReadable ReadyFunc) (Token, error) {
	if fd < 0 || onReadable == nil {
		return 0, fmt.Errorf("%w: fd %d", ErrInvalidRegistration, fd)
	}
	if l.isClosed() {
		return 0, ErrClosed
	}
	l.next++
	h := &handler{token: l.next, fd: fd, fn: onReadable}
	l.handlers[h.token] = h
	log.WithFields(log.Fields{"fd": fd, "token": h.token}).Debug("registered reader")
	return h.token, nil
}

// Unregister implements Adapter
func (l *Loop) Unregister(token Token) error {
	h, ok := l.handlers[token]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownToken, token)
	}
	h.removed = true
	delete(l.handlers, token)
	log.WithFields(log.Fields{"fd": h.fd, "token": token}).Debug("unregistered reader")
	return nil
}

// Post schedule fn to run on the loop goroutine during the next iteration
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	l.wake()
	return nil
}

// Stop make Run return after the current iteration
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopping = true
	l.mu.Unlock()
	l.wake()
}

func (l *Loop) wake() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	// a full pipe already guarantees a wakeup
	_, _ = unix.Write(l.wakeW, []byte{1})
}

func (l *Loop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Run iterate until Stop is called or ctx is done. Returns ctx.Err() when the
// context ended the loop.
func (l *Loop) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.Stop()
		case <-done:
		}
	}()
	defer func() {
		l.mu.Lock()
		l.stopping = false
		l.mu.Unlock()
	}()
	for {
		l.mu.Lock()
		stopping := l.stopping
		l.mu.Unlock()
		if stopping {
			return ctx.Err()
		}
		if err := l.RunOnce(-1); err != nil {
			return err
		}
	}
}

// RunOnce wait up to timeout for readiness, a negative timeout waits forever,
// then run posted functions and the handlers of ready descriptors.
func (l *Loop) RunOnce(timeout time.Duration) error {
	if l.isClosed() {
		return ErrClosed
	}
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}

	// registration order, so dispatch is deterministic
	ordered := make([]*handler, 0, len(l.handlers))
	for _, h := range l.handlers {
		ordered = append(ordered, h)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].token < ordered[j].token })

	pfd := make([]unix.PollFd, 0, len(ordered)+1)
	pfd = append(pfd, unix.PollFd{Fd: int32(l.wakeR), Events: unix.POLLIN})
	for _, h := range ordered {
		pfd = append(pfd, unix.PollFd{Fd: int32(h.fd), Events: unix.POLLIN})
	}

	n, err := unix.Poll(pfd, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("error polling: %w", err)
	}
	if n == 0 {
		return nil
	}
	if pfd[0].Revents&unix.POLLIN != 0 {
		l.drainWake()
	}
	l.runPosted()
	for i, h := range ordered {
		// an earlier handler in this iteration may have removed it
		if h.removed {
			continue
		}
		if pfd[i+1].Revents&readyEvents != 0 {
			h.fn()
		}
	}
	return nil
}

func (l *Loop) drainWake() {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(l.wakeR, buf)
		if err == unix.EINTR {
			continue
		}
		if n <= 0 || err != nil {
			return
		}
	}
}

func (l *Loop) runPosted() {
	l.mu.Lock()
	posted := l.posted
	l.posted = nil
	l.mu.Unlock()
	for _, fn := range posted {
		fn()
	}
}

// Close release the wake pipe and drop every registration. Registered
// descriptors are not closed, they belong to their owners.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.posted = nil
	for _, h := range l.handlers {
		h.removed = true
	}
	l.handlers = map[Token]*handler{}
	err := unix.Close(l.wakeR)
	if e := unix.Close(l.wakeW); err == nil {
		err = e
	}
	return err
}
