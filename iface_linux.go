//go:build linux

package capture

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

type linkInfo struct {
	index    int
	linkType layers.LinkType
}

// lookupInterface find the interface index, its framing and whether it can
// be captured on
func lookupInterface(name string) (linkInfo, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return linkInfo{}, fmt.Errorf("%w: %s", ErrInterfaceNotFound, name)
		}
		log.WithFields(log.Fields{"iface": name, "error": err}).Debug("netlink lookup failed, falling back to net.InterfaceByName")
		return lookupInterfaceNet(name)
	}
	attrs := link.Attrs()
	if attrs.Flags&net.FlagUp == 0 {
		return linkInfo{}, fmt.Errorf("%w: %s is administratively down", ErrInterfaceDown, name)
	}
	switch attrs.OperState {
	case netlink.OperDown, netlink.OperLowerLayerDown, netlink.OperNotPresent:
		return linkInfo{}, fmt.Errorf("%w: %s is %s", ErrInterfaceDown, name, attrs.OperState)
	}
	return linkInfo{
		index:    attrs.Index,
		linkType: encapLinkType(attrs.EncapType),
	}, nil
}

func lookupInterfaceNet(name string) (linkInfo, error) {
	in, err := net.InterfaceByName(name)
	if err != nil {
		return linkInfo{}, fmt.Errorf("%w: %s: %v", ErrInterfaceNotFound, name, err)
	}
	if in.Flags&net.FlagUp == 0 {
		return linkInfo{}, fmt.Errorf("%w: %s is administratively down", ErrInterfaceDown, name)
	}
	linkType := layers.LinkTypeEthernet
	if in.Flags&net.FlagPointToPoint != 0 {
		linkType = layers.LinkTypeRaw
	}
	return linkInfo{index: in.Index, linkType: linkType}, nil
}

// encapLinkType map the ARPHRD_* encapsulation, as named by netlink, to the
// framing an AF_PACKET SOCK_RAW socket delivers
func encapLinkType(encap string) layers.LinkType {
	switch encap {
	case "ether", "loopback":
		// the Linux loopback device carries a zeroed ethernet header
		return layers.LinkTypeEthernet
	case "none", "ppp", "ipip", "tunnel6", "sit", "gre", "ip6gre", "ip6tnl":
		return layers.LinkTypeRaw
	}
	return LinkTypeUnknown
}
