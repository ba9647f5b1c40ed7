package capture

import (
	"github.com/google/gopacket/layers"

	"github.com/sighub/capture/filter"
)

// Option configures an Engine at construction
type Option func(*Engine)

// WithFilter a tcpdump style filter expression, compiled at each Enable for
// the link type the interface reports
func WithFilter(expr string) Option {
	return func(e *Engine) {
		e.filterExpr = expr
	}
}

// WithProgram a pre-built program, for example from filter.ParseDump. Takes
// precedence over WithFilter.
func WithProgram(p *filter.Program) Option {
	return func(e *Engine) {
		e.program = p
	}
}

// WithLinkType the framing the caller expects. Enabling a filtered session
// fails with ErrFilterUnsupported when the interface reports another one.
func WithLinkType(linkType layers.LinkType) Option {
	return func(e *Engine) {
		e.linkTypeHint = linkType
		e.hasHint = true
	}
}

// WithSnapLen bytes kept of each packet, DefaultSnapLen if not positive
func WithSnapLen(snapLen int) Option {
	return func(e *Engine) {
		if snapLen > 0 {
			e.snapLen = snapLen
		}
	}
}

// WithPromiscuous put the interface in promiscuous mode while capturing
func WithPromiscuous(promiscuous bool) Option {
	return func(e *Engine) {
		e.promiscuous = promiscuous
	}
}

// WithPacketLimit disable the engine after n packets were delivered in one
// enable cycle. Zero or negative means no limit.
func WithPacketLimit(n int) Option {
	return func(e *Engine) {
		e.limit = n
	}
}

// WithStopFunc called after the engine disabled itself on reaching the packet limit
func WithStopFunc(fn StopFunc) Option {
	return func(e *Engine) {
		e.onStop = fn
	}
}

// withOpener replace the platform source, for tests
func withOpener(open openFunc) Option {
	return func(e *Engine) {
		e.open = open
	}
}
