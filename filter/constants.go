package filter

import "github.com/google/gopacket/layers"

const (
	lengthByte  = 1
	lengthHalf  = 2
	lengthWord  = 4
	bitsPerWord = 32

	etherTypeIPv4 uint32 = 0x0800
	etherTypeIPv6 uint32 = 0x86dd
	etherTypeArp  uint32 = 0x0806
	etherTypeRarp uint32 = 0x8035

	ipProtocolICMP  uint32 = 0x01
	ipProtocolIGMP  uint32 = 0x02
	ipProtocolTCP   uint32 = 0x06
	ipProtocolUDP   uint32 = 0x11
	ipProtocolGRE   uint32 = 0x2f
	ipProtocolESP   uint32 = 0x32
	ipProtocolAH    uint32 = 0x33
	ipProtocolICMP6 uint32 = 0x3a
	ipProtocolPIM   uint32 = 0x67
	ipProtocolVRRP  uint32 = 0x70
	ipProtocolSCTP  uint32 = 0x84

	// fragment offset bits of the IPv4 flags/fragment half word
	fragmentMask uint32 = 0x1fff

	// BSD loopback address families, as seen in the 4 byte DLT_NULL header
	afInet        uint32 = 2
	afInet6BSD    uint32 = 24
	afInet6FBSD   uint32 = 28
	afInet6Darwin uint32 = 30

	// maximum offset a conditional jump can encode
	maxJump = 0xff
)

// return values, compliant with what tcpdump -dd generates
const (
	snapKeep uint32 = 0x40000
	snapDrop uint32 = 0
)

// Link types supported by the code generator, compliant with pcap-linktype(7).
const (
	LinkTypeNull     = layers.LinkTypeNull
	LinkTypeEthernet = layers.LinkTypeEthernet
	LinkTypeRaw      = layers.LinkTypeRaw
	LinkTypeLoop     = layers.LinkTypeLoop
)

type filterKind int

const (
	filterKindUnset filterKind = iota
	filterKindHost
	filterKindNet
	filterKindPort
	filterKindPortRange
	// the following are set by their own keywords, never by a type qualifier
	filterKindProto
	filterKindLess
	filterKindGreater
)

var kinds = map[string]filterKind{
	"host":      filterKindHost,
	"net":       filterKindNet,
	"port":      filterKindPort,
	"portrange": filterKindPortRange,
}

func (k filterKind) String() string {
	switch k {
	case filterKindProto:
		return "proto"
	case filterKindLess:
		return "less"
	case filterKindGreater:
		return "greater"
	}
	for name, v := range kinds {
		if v == k {
			return name
		}
	}
	return "unset"
}

type filterDirection int

const (
	filterDirectionUnset filterDirection = iota
	filterDirectionSrcAndDst
	filterDirectionSrcOrDst
	filterDirectionSrc
	filterDirectionDst
	filterDirectionRa
	filterDirectionTa
	filterDirectionAddr1
	filterDirectionAddr2
	filterDirectionAddr3
	filterDirectionAddr4
)

var directions = map[string]filterDirection{
	"src":         filterDirectionSrc,
	"dst":         filterDirectionDst,
	"src and dst": filterDirectionSrcAndDst,
	"src or dst":  filterDirectionSrcOrDst,
	"ra":          filterDirectionRa,
	"ta":          filterDirectionTa,
	"addr1":       filterDirectionAddr1,
	"addr2":       filterDirectionAddr2,
	"addr3":       filterDirectionAddr3,
	"addr4":       filterDirectionAddr4,
}

type filterProtocol int

const (
	filterProtocolUnset filterProtocol = iota
	filterProtocolEther
	filterProtocolFddi
	filterProtocolTr
	filterProtocolWlan
	filterProtocolIP
	filterProtocolIP6
	filterProtocolArp
	filterProtocolRarp
	filterProtocolDecnet
	filterProtocolTCP
	filterProtocolUDP
	filterProtocolSCTP
	filterProtocolICMP
	filterProtocolICMP6
	filterProtocolIGMP
)

var protocols = map[string]filterProtocol{
	"ether":  filterProtocolEther,
	"fddi":   filterProtocolFddi,
	"tr":     filterProtocolTr,
	"wlan":   filterProtocolWlan,
	"ip":     filterProtocolIP,
	"ip6":    filterProtocolIP6,
	"arp":    filterProtocolArp,
	"rarp":   filterProtocolRarp,
	"decnet": filterProtocolDecnet,
	"tcp":    filterProtocolTCP,
	"udp":    filterProtocolUDP,
	"sctp":   filterProtocolSCTP,
	"icmp":   filterProtocolICMP,
	"icmp6":  filterProtocolICMP6,
	"igmp":   filterProtocolIGMP,
}

func (p filterProtocol) String() string {
	for name, v := range protocols {
		if v == p {
			return name
		}
	}
	return "unset"
}

// transport returns the IP protocol number for layer 4 qualifiers
func (p filterProtocol) transport() (uint32, bool) {
	switch p {
	case filterProtocolTCP:
		return ipProtocolTCP, true
	case filterProtocolUDP:
		return ipProtocolUDP, true
	case filterProtocolSCTP:
		return ipProtocolSCTP, true
	case filterProtocolICMP:
		return ipProtocolICMP, true
	case filterProtocolICMP6:
		return ipProtocolICMP6, true
	case filterProtocolIGMP:
		return ipProtocolIGMP, true
	}
	return 0, false
}

// ipProtocolNames names accepted after "ip proto" or "ip6 proto"
var ipProtocolNames = map[string]uint32{
	"icmp":  ipProtocolICMP,
	"igmp":  ipProtocolIGMP,
	"tcp":   ipProtocolTCP,
	"udp":   ipProtocolUDP,
	"gre":   ipProtocolGRE,
	"esp":   ipProtocolESP,
	"ah":    ipProtocolAH,
	"icmp6": ipProtocolICMP6,
	"pim":   ipProtocolPIM,
	"vrrp":  ipProtocolVRRP,
	"sctp":  ipProtocolSCTP,
}

// etherProtocolNames names accepted after "ether proto"
var etherProtocolNames = map[string]uint32{
	"ip":   etherTypeIPv4,
	"ip6":  etherTypeIPv6,
	"arp":  etherTypeArp,
	"rarp": etherTypeRarp,
}

// serviceNames well-known ports, so that "port domain" works without /etc/services
var serviceNames = map[string]uint32{
	"ftp-data": 20,
	"ftp":      21,
	"ssh":      22,
	"telnet":   23,
	"smtp":     25,
	"domain":   53,
	"bootps":   67,
	"bootpc":   68,
	"tftp":     69,
	"http":     80,
	"pop3":     110,
	"ntp":      123,
	"imap":     143,
	"snmp":     161,
	"bgp":      179,
	"ldap":     389,
	"https":    443,
	"syslog":   514,
}
