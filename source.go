package capture

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/bpf"
)

// Source a non-blocking capture socket bound to one interface. It implements
// gopacket.PacketDataSource, except that ReadPacketData returns ErrNoData
// instead of waiting when nothing is queued.
type Source interface {
	// Fd the descriptor to watch for readability
	Fd() int
	// LinkType the framing of packets as read, observed when the source was opened
	LinkType() layers.LinkType
	// SetBPF attach a classic BPF program. Call it before registering Fd.
	SetBPF(raw []bpf.RawInstruction) error
	// ReadPacketData read one queued packet. The returned slice is owned by
	// the caller.
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	// Close release the socket. Idempotent.
	Close() error
}

type sourceConfig struct {
	snapLen     int
	promiscuous bool
}

type openFunc func(iface string, cfg sourceConfig) (Source, error)

// OpenSource open a capture source directly, without an Engine. An empty
// interface name captures from all interfaces where the platform allows it.
func OpenSource(iface string, snapLen int, promiscuous bool) (Source, error) {
	if snapLen <= 0 {
		snapLen = DefaultSnapLen
	}
	return openSource(iface, sourceConfig{snapLen: snapLen, promiscuous: promiscuous})
}

func htons(in uint16) uint16 {
	return (in<<8)&0xff00 | in>>8
}
