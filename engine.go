package capture

import (
	"errors"
	"fmt"

	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"

	"github.com/sighub/capture/eventloop"
	"github.com/sighub/capture/filter"
)

// State of a capture session
type State int

const (
	StateIdle State = iota
	StateEnabling
	StateEnabled
	StateDisabling
	StateDisabled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEnabling:
		return "enabling"
	case StateEnabled:
		return "enabled"
	case StateDisabling:
		return "disabling"
	case StateDisabled:
		return "disabled"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// PacketFunc receives each packet, link layer framing included. The slice is
// owned by the callee.
type PacketFunc func(data []byte)

// FaultFunc receives the error that ended an enable attempt or a session
type FaultFunc func(err error)

// StopFunc called when the packet limit was reached
type StopFunc func()

// Engine captures packets from one interface, driven by an eventloop.Adapter.
//
// An Engine is not safe for concurrent use: call its methods from the
// goroutine that runs the adapter, or before that goroutine starts. Callbacks
// run on that goroutine, and may call Enable and Disable.
type Engine struct {
	iface        string
	filterExpr   string
	program      *filter.Program
	linkTypeHint layers.LinkType
	hasHint      bool
	snapLen      int
	promiscuous  bool
	limit        int
	onPacket     PacketFunc
	onFault      FaultFunc
	onStop       StopFunc
	open         openFunc
	logger       *log.Entry

	state    State
	adapter  eventloop.Adapter
	src      Source
	token    eventloop.Token
	linkType layers.LinkType
	count    int
}

// New create an idle engine for the interface. An empty interface name
// captures on all interfaces where the platform allows it.
func New(iface string, onPacket PacketFunc, onFault FaultFunc, opts ...Option) *Engine {
	e := &Engine{
		iface:    iface,
		snapLen:  DefaultSnapLen,
		onPacket: onPacket,
		onFault:  onFault,
		open:     openSource,
		linkType: LinkTypeUnknown,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.onPacket == nil {
		e.onPacket = func([]byte) {}
	}
	if e.onFault == nil {
		e.onFault = func(error) {}
	}
	e.logger = log.WithFields(log.Fields{
		"iface":  iface,
		"filter": e.filterExpr,
	})
	return e
}

// SetEventLoop the adapter used by the next Enable
func (e *Engine) SetEventLoop(a eventloop.Adapter) error {
	switch e.state {
	case StateIdle, StateDisabled, StateFailed:
	default:
		return fmt.Errorf("%w: cannot change event loop while %s", ErrInvalidState, e.state)
	}
	e.adapter = a
	return nil
}

// Enable open the socket, attach the filter and register with the event loop.
// On failure every acquired resource is released, the state is Failed, and
// the error is both returned and passed to the fault callback.
func (e *Engine) Enable() error {
	switch e.state {
	case StateIdle, StateDisabled, StateFailed:
	default:
		return fmt.Errorf("%w: cannot enable while %s", ErrInvalidState, e.state)
	}
	if e.adapter == nil {
		return ErrNoEventLoop
	}
	e.state = StateEnabling
	e.count = 0
	e.logger.Debug("enabling")

	src, err := e.open(e.iface, sourceConfig{snapLen: e.snapLen, promiscuous: e.promiscuous})
	if err != nil {
		return e.fail(err)
	}
	e.linkType = src.LinkType()

	prog, err := e.compile()
	if err == nil && prog != nil {
		err = src.SetBPF(prog.Instructions())
	}
	if err != nil {
		e.closeSource(src)
		return e.fail(err)
	}

	token, err := e.adapter.RegisterReadable(src.Fd(), func() { e.drain(src) })
	if err != nil {
		e.closeSource(src)
		return e.fail(fmt.Errorf("unable to register with event loop: %w", err))
	}
	e.src, e.token = src, token
	e.state = StateEnabled
	e.logger.WithFields(log.Fields{"fd": src.Fd(), "linktype": e.linkType}).Debug("enabled")
	return nil
}

// compile the program for the observed link type, nil when capturing everything
func (e *Engine) compile() (*filter.Program, error) {
	filtered := e.program != nil || e.filterExpr != ""
	if e.hasHint && e.linkTypeHint != e.linkType {
		if filtered {
			return nil, fmt.Errorf("%w: filter written for link type %s, interface %s reports %s",
				ErrFilterUnsupported, e.linkTypeHint, e.iface, e.linkType)
		}
		e.logger.WithFields(log.Fields{"expected": e.linkTypeHint, "actual": e.linkType}).Warn("link type differs from the one expected")
	}
	switch {
	case e.program != nil:
		if e.program.LinkType() != e.linkType {
			return nil, fmt.Errorf("%w: program built for link type %s, interface %s reports %s",
				ErrFilterUnsupported, e.program.LinkType(), e.iface, e.linkType)
		}
		return e.program, nil
	case e.filterExpr != "":
		return filter.Compile(e.filterExpr, e.linkType)
	}
	return nil, nil
}

// drain read until the socket is empty. The callback may disable or
// re-enable the engine, so check after each packet that src is still the
// enabled source.
func (e *Engine) drain(src Source) {
	for e.state == StateEnabled && e.src == src {
		data, _, err := src.ReadPacketData()
		if errors.Is(err, ErrNoData) {
			return
		}
		if err != nil {
			e.teardown(err)
			return
		}
		e.count++
		e.onPacket(data)
		if e.limit > 0 && e.count >= e.limit && e.state == StateEnabled && e.src == src {
			e.logger.WithField("count", e.count).Debug("packet limit reached")
			if err := e.Disable(); err != nil {
				return
			}
			if e.onStop != nil {
				e.onStop()
			}
			return
		}
	}
}

// teardown release the session after a read fault
func (e *Engine) teardown(cause error) {
	e.state = StateDisabling
	if err := e.release(); err != nil {
		e.logger.WithError(err).Warn("error releasing after fault")
	}
	e.fail(cause)
}

// Disable unregister from the event loop and close the socket. No packet is
// delivered once it returns, even from inside the packet callback.
func (e *Engine) Disable() error {
	switch e.state {
	case StateEnabled:
	case StateDisabled, StateEnabling, StateDisabling:
		return nil
	default:
		return fmt.Errorf("%w: cannot disable while %s", ErrInvalidState, e.state)
	}
	e.state = StateDisabling
	e.logger.Debug("disabling")
	if err := e.release(); err != nil {
		return e.fail(err)
	}
	e.state = StateDisabled
	e.logger.WithField("count", e.count).Debug("disabled")
	return nil
}

// release unregister and close, returning the first error. Both always run.
func (e *Engine) release() error {
	src, token := e.src, e.token
	e.src, e.token = nil, 0
	if src == nil {
		return nil
	}
	var first error
	if err := e.adapter.Unregister(token); err != nil {
		first = fmt.Errorf("unable to unregister from event loop: %w", err)
	}
	if err := src.Close(); err != nil && first == nil {
		first = fmt.Errorf("unable to close socket: %w", err)
	}
	return first
}

func (e *Engine) closeSource(src Source) {
	if err := src.Close(); err != nil {
		e.logger.WithError(err).Warn("error closing socket")
	}
}

// fail move to Failed and report the fault once
func (e *Engine) fail(err error) error {
	e.state = StateFailed
	e.src, e.token = nil, 0
	e.logger.WithError(err).Error("capture failed")
	e.onFault(err)
	return err
}

// State the current state
func (e *Engine) State() State {
	return e.state
}

// Interface the interface name given to New
func (e *Engine) Interface() string {
	return e.iface
}

// LinkType the framing reported by the interface at the last Enable,
// LinkTypeUnknown before the first one
func (e *Engine) LinkType() layers.LinkType {
	return e.linkType
}

// Count packets delivered since the last Enable
func (e *Engine) Count() int {
	return e.count
}

// Status a short description of the capture progress
func (e *Engine) Status() string {
	if e.limit > 0 {
		return fmt.Sprintf("captured %d/%d packets", e.count, e.limit)
	}
	return "capturing infinite packets!"
}
