//go:build !linux && !darwin && !freebsd

package capture

import (
	"fmt"
	"runtime"
)

func openSource(iface string, cfg sourceConfig) (Source, error) {
	return nil, fmt.Errorf("capture on %s is not supported: %w", runtime.GOOS, ErrInterfaceNotFound)
}
