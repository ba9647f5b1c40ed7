package capture

import (
	"errors"

	"github.com/sighub/capture/filter"
)

var (
	// ErrPermission the process may not open a raw socket or capture device
	ErrPermission = errors.New("insufficient privilege to capture")
	// ErrInterfaceNotFound no interface with that name
	ErrInterfaceNotFound = errors.New("interface not found")
	// ErrInterfaceDown the interface exists but is not up
	ErrInterfaceDown = errors.New("interface is down")
	// ErrFilterSyntax the filter expression is malformed
	ErrFilterSyntax = filter.ErrSyntax
	// ErrFilterUnsupported the filter cannot be evaluated for the link type
	ErrFilterUnsupported = filter.ErrUnsupported
	// ErrFilterAttach the kernel rejected the filter program
	ErrFilterAttach = errors.New("unable to attach filter")
	// ErrSocketRead reading from the socket failed
	ErrSocketRead = errors.New("socket read failed")
	// ErrEndOfStream the interface went away while capturing
	ErrEndOfStream = errors.New("end of stream")
	// ErrNoData nothing is queued on the socket right now. Not a fault.
	ErrNoData = errors.New("no data available")

	// ErrNoEventLoop Enable was called before SetEventLoop
	ErrNoEventLoop = errors.New("no event loop set")
	// ErrInvalidState the operation is not valid in the current state
	ErrInvalidState = errors.New("invalid state for operation")
)
