//go:build linux

package capture

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// BPF_MAXINSNS
const maxInstructions = 4096

// dropAll installed while the socket queue is emptied of unfiltered packets
var dropAll = []bpf.RawInstruction{{Op: 0x6, K: 0}}

type socketSource struct {
	fd       int
	index    int
	linkType layers.LinkType
	buf      []byte
	close    sync.Once
	closeErr error
}

func openSource(iface string, cfg sourceConfig) (Source, error) {
	logger := log.WithFields(log.Fields{
		"iface":       iface,
		"snaplen":     cfg.snapLen,
		"promiscuous": cfg.promiscuous,
	})
	logger.Debug("opening packet socket")

	// set up the socket - remember to switch to network socket order for the protocol int
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			return nil, fmt.Errorf("%w: opening packet socket: %v", ErrPermission, err)
		}
		return nil, fmt.Errorf("failed opening packet socket: %w", err)
	}
	s := &socketSource{
		fd:       fd,
		linkType: layers.LinkTypeEthernet,
		buf:      make([]byte, cfg.snapLen),
	}
	if iface == "" {
		// all interfaces
		return s, nil
	}

	link, err := lookupInterface(iface)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.index, s.linkType = link.index, link.linkType

	sa := unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  link.index,
	}
	if err := unix.Bind(fd, &sa); err != nil {
		_ = s.Close()
		return nil, bindError(iface, err)
	}
	if cfg.promiscuous {
		mreq := unix.PacketMreq{
			Ifindex: int32(link.index),
			Type:    unix.PACKET_MR_PROMISC,
		}
		if err := unix.SetsockoptPacketMreq(fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, &mreq); err != nil {
			_ = s.Close()
			if errors.Is(err, unix.EPERM) {
				return nil, fmt.Errorf("%w: setting promiscuous mode on %s: %v", ErrPermission, iface, err)
			}
			return nil, fmt.Errorf("failed to set promiscuous for %s: %w", iface, err)
		}
	}
	logger.WithFields(log.Fields{"fd": fd, "index": link.index, "linktype": link.linkType}).Debug("bound packet socket")
	return s, nil
}

func bindError(iface string, err error) error {
	switch {
	case errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENXIO):
		return fmt.Errorf("%w: binding to %s: %v", ErrInterfaceNotFound, iface, err)
	case errors.Is(err, unix.ENETDOWN):
		return fmt.Errorf("%w: binding to %s: %v", ErrInterfaceDown, iface, err)
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return fmt.Errorf("%w: binding to %s: %v", ErrPermission, iface, err)
	}
	return fmt.Errorf("failed to bind to %s: %w", iface, err)
}

func (s *socketSource) Fd() int {
	return s.fd
}

func (s *socketSource) LinkType() layers.LinkType {
	return s.linkType
}

// SetBPF swap in a drop-all program, discard what was queued before it, then
// attach the real one. Packets queued while unfiltered never reach the reader.
func (s *socketSource) SetBPF(raw []bpf.RawInstruction) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty program", ErrFilterAttach)
	}
	if err := attachFilter(s.fd, dropAll); err != nil {
		return fmt.Errorf("%w: %v", ErrFilterAttach, err)
	}
	s.discardQueued()
	if err := attachFilter(s.fd, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrFilterAttach, err)
	}
	return nil
}

func attachFilter(fd int, raw []bpf.RawInstruction) error {
	if len(raw) > maxInstructions {
		return fmt.Errorf("program of %d instructions exceeds %d", len(raw), maxInstructions)
	}
	filter := make([]unix.SockFilter, len(raw))
	for i, r := range raw {
		filter[i] = unix.SockFilter{Code: r.Op, Jt: r.Jt, Jf: r.Jf, K: r.K}
	}
	prog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}
	return unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &prog)
}

func (s *socketSource) discardQueued() {
	var n int
	for {
		_, _, err := unix.Recvfrom(s.fd, s.buf, unix.MSG_DONTWAIT)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			break
		}
		n++
	}
	log.WithFields(log.Fields{"fd": s.fd, "discarded": n}).Debug("emptied socket queue before attaching filter")
}

func (s *socketSource) ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error) {
	for {
		n, from, err := unix.Recvfrom(s.fd, s.buf, unix.MSG_TRUNC)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return nil, ci, ErrNoData
		case errors.Is(err, unix.ENETDOWN), errors.Is(err, unix.ENXIO), errors.Is(err, unix.ENODEV):
			return nil, ci, fmt.Errorf("%w: %v", ErrEndOfStream, err)
		case err != nil:
			return nil, ci, fmt.Errorf("%w: %v", ErrSocketRead, err)
		case n == 0:
			return nil, ci, ErrEndOfStream
		}
		captured := n
		if captured > len(s.buf) {
			captured = len(s.buf)
		}
		data = make([]byte, captured)
		copy(data, s.buf[:captured])
		ci = gopacket.CaptureInfo{
			Timestamp:      time.Now(),
			CaptureLength:  captured,
			Length:         n,
			InterfaceIndex: s.index,
		}
		if ll, ok := from.(*unix.SockaddrLinklayer); ok {
			ci.InterfaceIndex = ll.Ifindex
		}
		return data, ci, nil
	}
}

// Close is idempotent, and uses sync.Once to ensure it only runs once.
func (s *socketSource) Close() error {
	s.close.Do(func() {
		s.closeErr = unix.Close(s.fd)
	})
	return s.closeErr
}
