//go:build darwin || freebsd

package capture

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
	"unsafe"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

const (
	enable = 1
	// DLT_RAW as numbered by the BSD headers, not the pcap link type
	dltRawBSD     = 12
	dltRawOpenBSD = 14
	maxBpfDevices = 256
)

type bpfSource struct {
	fd       int
	index    int
	snapLen  int
	linkType layers.LinkType
	endian   binary.ByteOrder
	buf      []byte
	// packets left from the last read, each preceded by a bpf_hdr
	pending  []byte
	close    sync.Once
	closeErr error
}

type BpfProgram struct {
	Len    uint32
	Filter *bpf.RawInstruction
}

func openSource(iface string, cfg sourceConfig) (Source, error) {
	logger := log.WithFields(log.Fields{
		"iface":       iface,
		"snaplen":     cfg.snapLen,
		"promiscuous": cfg.promiscuous,
	})
	logger.Debug("opening bpf device")
	if iface == "" {
		return nil, fmt.Errorf("%w: an interface name is required on this platform", ErrInterfaceNotFound)
	}
	in, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInterfaceNotFound, iface, err)
	}
	if in.Flags&net.FlagUp == 0 {
		return nil, fmt.Errorf("%w: %s is administratively down", ErrInterfaceDown, iface)
	}
	// we need to know our endianness
	endianness, err := getEndianness()
	if err != nil {
		return nil, err
	}

	fd, err := openBpfDevice()
	if err != nil {
		return nil, err
	}
	s := &bpfSource{
		fd:      fd,
		index:   in.Index,
		snapLen: cfg.snapLen,
		endian:  endianness,
	}
	fail := func(err error) (Source, error) {
		_ = s.Close()
		return nil, err
	}

	if err = SetBpfInterface(fd, iface); err != nil {
		switch {
		case errors.Is(err, unix.ENXIO):
			return fail(fmt.Errorf("%w: %s: %v", ErrInterfaceNotFound, iface, err))
		case errors.Is(err, unix.ENETDOWN):
			return fail(fmt.Errorf("%w: %s: %v", ErrInterfaceDown, iface, err))
		}
		return fail(fmt.Errorf("failed to set the BPF interface: %w", err))
	}
	if err = SetBpfImmediate(fd, enable); err != nil {
		return fail(fmt.Errorf("failed to set the BPF immediate return option: %w", err))
	}
	// see packets we send, like a Linux packet socket does
	if err = SetBpfSeeSent(fd, enable); err != nil {
		return fail(fmt.Errorf("failed to set the BPF see sent option: %w", err))
	}
	if cfg.promiscuous {
		if err = SetBpfPromisc(fd); err != nil {
			return fail(fmt.Errorf("failed to set promiscuous for %s: %w", iface, err))
		}
	}
	size, err := BpfBuflen(fd)
	if err != nil {
		return fail(fmt.Errorf("failed to read buffer length: %w", err))
	}
	s.buf = make([]byte, size)

	dlt, err := getLinkType(fd)
	if err != nil {
		return fail(err)
	}
	s.linkType = dltLinkType(dlt)
	if err = unix.SetNonblock(fd, true); err != nil {
		return fail(fmt.Errorf("failed to set non-blocking: %w", err))
	}
	logger.WithFields(log.Fields{"fd": fd, "buflen": size, "linktype": s.linkType}).Debug("bound bpf device")
	return s, nil
}

func openBpfDevice() (int, error) {
	for i := 0; i < maxBpfDevices; i++ {
		dev := fmt.Sprintf("/dev/bpf%d", i)
		fd, err := unix.Open(dev, unix.O_RDWR|unix.O_CLOEXEC, 0000)
		switch {
		case err == nil:
			return fd, nil
		case errors.Is(err, unix.EBUSY):
			continue
		case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
			return -1, fmt.Errorf("%w: opening %s: %v", ErrPermission, dev, err)
		}
		return -1, fmt.Errorf("error opening device %s: %w", dev, err)
	}
	return -1, errors.New("failed to get valid bpf device")
}

func dltLinkType(dlt uint32) layers.LinkType {
	switch dlt {
	case dltRawBSD, dltRawOpenBSD:
		return layers.LinkTypeRaw
	}
	if dlt > 0xff {
		return LinkTypeUnknown
	}
	return layers.LinkType(dlt)
}

func (s *bpfSource) Fd() int {
	return s.fd
}

func (s *bpfSource) LinkType() layers.LinkType {
	return s.linkType
}

// SetBPF set a classic BPF filter on the device. BIOCSETF also flushes the
// device buffer, so nothing captured before the filter is returned.
func (s *bpfSource) SetBPF(raw []bpf.RawInstruction) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty program", ErrFilterAttach)
	}
	prog := BpfProgram{
		Len:    uint32(len(raw)),
		Filter: (*bpf.RawInstruction)(unsafe.Pointer(&raw[0])),
	}
	if err := ioctlPtr(s.fd, unix.BIOCSETF, unsafe.Pointer(&prog)); err != nil {
		return fmt.Errorf("%w: %v", ErrFilterAttach, err)
	}
	s.pending = nil
	return nil
}

func (s *bpfSource) ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error) {
	for len(s.pending) == 0 {
		n, err := unix.Read(s.fd, s.buf)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return nil, ci, ErrNoData
		case errors.Is(err, unix.ENXIO), errors.Is(err, unix.ENETDOWN), errors.Is(err, unix.ENODEV):
			return nil, ci, fmt.Errorf("%w: %v", ErrEndOfStream, err)
		case err != nil:
			return nil, ci, fmt.Errorf("%w: %v", ErrSocketRead, err)
		case n == 0:
			return nil, ci, ErrEndOfStream
		}
		s.pending = s.buf[:n]
	}

	// separate the header and packet body
	if len(s.pending) < unix.SizeofBpfHdr {
		s.pending = nil
		return nil, ci, fmt.Errorf("%w: short bpf header", ErrSocketRead)
	}
	hdr := unix.BpfHdr{}
	if err := binary.Read(bytes.NewReader(s.pending[:unix.SizeofBpfHdr]), s.endian, &hdr); err != nil {
		s.pending = nil
		return nil, ci, fmt.Errorf("%w: error reading bpf header: %v", ErrSocketRead, err)
	}
	start := int(hdr.Hdrlen)
	end := start + int(hdr.Caplen)
	if end > len(s.pending) {
		s.pending = nil
		return nil, ci, fmt.Errorf("%w: truncated bpf record", ErrSocketRead)
	}
	captured := int(hdr.Caplen)
	if captured > s.snapLen {
		captured = s.snapLen
	}
	data = make([]byte, captured)
	copy(data, s.pending[start:start+captured])
	ci = gopacket.CaptureInfo{
		Timestamp:      time.Unix(int64(hdr.Tstamp.Sec), int64(hdr.Tstamp.Usec)*1000),
		CaptureLength:  captured,
		Length:         int(hdr.Datalen),
		InterfaceIndex: s.index,
	}
	if next := bpfWordAlign(end); next < len(s.pending) {
		s.pending = s.pending[next:]
	} else {
		s.pending = nil
	}
	return data, ci, nil
}

func bpfWordAlign(x int) int {
	return (x + unix.BPF_ALIGNMENT - 1) &^ (unix.BPF_ALIGNMENT - 1)
}

// Close is idempotent, and uses sync.Once to ensure it only runs once.
func (s *bpfSource) Close() error {
	s.close.Do(func() {
		s.closeErr = unix.Close(s.fd)
	})
	return s.closeErr
}

// because they deprecated all of the below from "syscall" and redirected to "golang.org/x/net/bpf" but did not
// create a replacement. Sigh.

type ivalue struct {
	name  [unix.IFNAMSIZ]byte
	value int16
}

func SetBpfInterface(fd int, name string) error {
	var iv ivalue
	copy(iv.name[:], []byte(name))
	return ioctlPtr(fd, unix.BIOCSETIF, unsafe.Pointer(&iv))
}

func SetBpfImmediate(fd, m int) error {
	return unix.IoctlSetPointerInt(fd, unix.BIOCIMMEDIATE, m)
}

func SetBpfSeeSent(fd, m int) error {
	return unix.IoctlSetPointerInt(fd, unix.BIOCSSEESENT, m)
}

func SetBpfPromisc(fd int) error {
	return ioctlPtr(fd, unix.BIOCPROMISC, nil)
}

func BpfBuflen(fd int) (int, error) {
	return unix.IoctlGetInt(fd, unix.BIOCGBLEN)
}

func ioctlPtr(fd, arg int, valPtr unsafe.Pointer) error {
	//nolint:staticcheck // unix.SYS_IOCTL is deprecated, but golang does not provide a better alternative
	// as of this writing for passing pointers
	_, _, errno := unix.RawSyscall(unix.SYS_IOCTL, uintptr(fd), uintptr(arg), uintptr(valPtr))
	if errno != 0 {
		return errno
	}
	return nil
}

func getLinkType(fd int) (uint32, error) {
	linkType, err := unix.IoctlGetInt(fd, unix.BIOCGDLT)
	if err != nil {
		return 0xffffffff, fmt.Errorf("failed to get link type: %w", err)
	}
	return uint32(linkType), nil
}

// getEndianness discover the endianness of our current system
func getEndianness() (binary.ByteOrder, error) {
	buf := [2]byte{}
	*(*uint16)(unsafe.Pointer(&buf[0])) = uint16(0xABCD)

	switch buf {
	case [2]byte{0xCD, 0xAB}:
		return binary.LittleEndian, nil
	case [2]byte{0xAB, 0xCD}:
		return binary.BigEndian, nil
	default:
		return nil, errors.New("could not determine native endianness")
	}
}
