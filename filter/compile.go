package filter

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/gopacket/layers"
	"golang.org/x/net/bpf"
)

var (
	ip4MaskFull = net.CIDRMask(32, 32)   //[]byte{0xff, 0xff, 0xff, 0xff}
	ip6MaskFull = net.CIDRMask(128, 128) //[]byte{0xff, 0xff, 0xff, 0xff,0xff, 0xff, 0xff, 0xff,0xff, 0xff, 0xff, 0xff,0xff, 0xff, 0xff, 0xff}
	returnDrop  = bpf.RetConstant{Val: snapDrop}
	returnKeep  = bpf.RetConstant{Val: snapKeep}
)

// test a single comparison: run load, then compare the accumulator with val.
// Jumps to the true branch when the condition holds.
type test struct {
	load []bpf.Instruction
	cond bpf.JumpTest
	val  uint32
}

func and(nodes ...node) node {
	var out node = constNode(true)
	for _, n := range nodes {
		if c, ok := n.(constNode); ok {
			if !c {
				return constNode(false)
			}
			continue
		}
		if c, ok := out.(constNode); ok && bool(c) {
			out = n
			continue
		}
		out = andNode{left: out, right: n}
	}
	return out
}

func or(nodes ...node) node {
	var out node = constNode(false)
	for _, n := range nodes {
		if c, ok := n.(constNode); ok {
			if c {
				return constNode(true)
			}
			continue
		}
		if c, ok := out.(constNode); ok && !bool(c) {
			out = n
			continue
		}
		out = orNode{left: out, right: n}
	}
	return out
}

func not(n node) node {
	if c, ok := n.(constNode); ok {
		return !c
	}
	return notNode{child: n}
}

func equal(val uint32, load ...bpf.Instruction) *test {
	return &test{load: load, cond: bpf.JumpEqual, val: val}
}

// generator lowers parsed primitives into comparison trees for one link type
type generator struct {
	linkType layers.LinkType
}

func (g generator) lower(n node) (node, error) {
	switch v := n.(type) {
	case andNode:
		l, err := g.lower(v.left)
		if err != nil {
			return nil, err
		}
		r, err := g.lower(v.right)
		if err != nil {
			return nil, err
		}
		return and(l, r), nil
	case orNode:
		l, err := g.lower(v.left)
		if err != nil {
			return nil, err
		}
		r, err := g.lower(v.right)
		if err != nil {
			return nil, err
		}
		return or(l, r), nil
	case notNode:
		c, err := g.lower(v.child)
		if err != nil {
			return nil, err
		}
		return not(c), nil
	case constNode:
		return v, nil
	case *primitive:
		return g.primitive(v)
	}
	return nil, fmt.Errorf("unknown expression element %T", n)
}

// linkTypeOffset returns the link layer header size for the link type
func (g generator) linkTypeOffset() uint32 {
	switch g.linkType {
	case LinkTypeNull, LinkTypeLoop:
		return 4 // BSD loopback header
	case LinkTypeRaw:
		return 0
	}
	return 14 // Ethernet header (default)
}

func (g generator) ethernet() bool {
	return g.linkType == LinkTypeEthernet
}

// families compare the 4 byte loopback header with any of the address
// families. DLT_NULL carries it in host byte order, so check both orders.
func (g generator) families(families ...uint32) node {
	var alternatives []node
	for _, f := range families {
		alternatives = append(alternatives, equal(f, bpf.LoadAbsolute{Off: 0, Size: lengthWord}))
		if g.linkType == LinkTypeNull {
			alternatives = append(alternatives, equal(swap32(f), bpf.LoadAbsolute{Off: 0, Size: lengthWord}))
		}
	}
	return or(alternatives...)
}

func (g generator) isIPv4() node {
	switch g.linkType {
	case LinkTypeNull, LinkTypeLoop:
		return g.families(afInet)
	case LinkTypeRaw:
		return equal(0x40, bpf.LoadAbsolute{Off: 0, Size: lengthByte}, bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: 0xf0})
	}
	return equal(etherTypeIPv4, bpf.LoadAbsolute{Off: 12, Size: lengthHalf})
}

func (g generator) isIPv6() node {
	switch g.linkType {
	case LinkTypeNull, LinkTypeLoop:
		return g.families(afInet6BSD, afInet6FBSD, afInet6Darwin)
	case LinkTypeRaw:
		return equal(0x60, bpf.LoadAbsolute{Off: 0, Size: lengthByte}, bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: 0xf0})
	}
	return equal(etherTypeIPv6, bpf.LoadAbsolute{Off: 12, Size: lengthHalf})
}

func (g generator) etherType(t uint32) (node, error) {
	if !g.ethernet() {
		return nil, unsupportedf("ethernet type 0x%04x on link type %s", t, g.linkType)
	}
	return equal(t, bpf.LoadAbsolute{Off: 12, Size: lengthHalf}), nil
}

func (g generator) ipv4Protocol(proto uint32) node {
	return equal(proto, bpf.LoadAbsolute{Off: g.linkTypeOffset() + 9, Size: lengthByte})
}

func (g generator) ipv6Protocol(proto uint32) node {
	return equal(proto, bpf.LoadAbsolute{Off: g.linkTypeOffset() + 6, Size: lengthByte})
}

// ipv4First only the first fragment carries the L4 header
func (g generator) ipv4First() node {
	return not(&test{
		load: []bpf.Instruction{bpf.LoadAbsolute{Off: g.linkTypeOffset() + 6, Size: lengthHalf}},
		cond: bpf.JumpBitsSet,
		val:  fragmentMask,
	})
}

func (g generator) primitive(p *primitive) (node, error) {
	switch p.protocol {
	case filterProtocolFddi, filterProtocolTr, filterProtocolWlan, filterProtocolDecnet:
		return nil, unsupportedf("'%s' qualifier", p.protocol)
	}
	switch p.direction {
	case filterDirectionRa, filterDirectionTa, filterDirectionAddr1, filterDirectionAddr2, filterDirectionAddr3, filterDirectionAddr4:
		return nil, unsupportedf("802.11 direction qualifier on link type %s", g.linkType)
	}
	switch p.kind {
	case filterKindUnset:
		return g.protocolOnly(p.protocol)
	case filterKindHost:
		return g.host(p)
	case filterKindNet:
		return g.net(p)
	case filterKindPort, filterKindPortRange:
		return g.port(p)
	case filterKindProto:
		return g.proto(p)
	case filterKindLess, filterKindGreater:
		return g.length(p)
	}
	return nil, syntaxErrorf("unknown primitive %q", p.id)
}

func (g generator) protocolOnly(protocol filterProtocol) (node, error) {
	switch protocol {
	case filterProtocolIP:
		return g.isIPv4(), nil
	case filterProtocolIP6:
		return g.isIPv6(), nil
	case filterProtocolArp:
		return g.etherType(etherTypeArp)
	case filterProtocolRarp:
		return g.etherType(etherTypeRarp)
	case filterProtocolICMP, filterProtocolIGMP:
		proto, _ := protocol.transport()
		return and(g.isIPv4(), g.ipv4Protocol(proto)), nil
	case filterProtocolICMP6:
		return and(g.isIPv6(), g.ipv6Protocol(ipProtocolICMP6)), nil
	case filterProtocolTCP, filterProtocolUDP, filterProtocolSCTP:
		proto, _ := protocol.transport()
		return or(
			and(g.isIPv4(), g.ipv4Protocol(proto)),
			and(g.isIPv6(), g.ipv6Protocol(proto)),
		), nil
	}
	return nil, syntaxErrorf("'%s' is not a primitive", protocol)
}

// byDirection combine the source and destination checks
func byDirection(direction filterDirection, src, dst node) node {
	switch direction {
	case filterDirectionSrc:
		return src
	case filterDirectionDst:
		return dst
	case filterDirectionSrcAndDst:
		return and(src, dst)
	}
	return or(src, dst)
}

func (g generator) host(p *primitive) (node, error) {
	if p.protocol == filterProtocolEther {
		return g.etherHost(p)
	}
	if _, err := net.ParseMAC(p.id); err == nil {
		return nil, syntaxErrorf("ethernet address %s used in non-ether expression", p.id)
	}
	if p.id == "" {
		return nil, syntaxErrorf("blank host")
	}
	addr := net.ParseIP(p.id)
	if addr == nil {
		return nil, unsupportedf("host name %q: name resolution is not supported, use an address", p.id)
	}
	if addr.To4() != nil {
		mask := ip4MaskFull
		return g.ipv4Address(p, addr.To4(), mask)
	}
	return g.ipv6Address(p, addr, ip6MaskFull)
}

func (g generator) net(p *primitive) (node, error) {
	var (
		addr net.IP
		mask net.IPMask
	)
	if p.mask != "" {
		addr = net.ParseIP(p.id).To4()
		m := net.ParseIP(p.mask).To4()
		if addr == nil || m == nil {
			return nil, syntaxErrorf("invalid net %s mask %s", p.id, p.mask)
		}
		mask = net.IPMask(m)
	} else {
		a, network, err := getNetAndMask(p.id)
		if err != nil {
			return nil, err
		}
		addr, mask = a, network.Mask
		if v4 := addr.To4(); v4 != nil && len(mask) == net.IPv4len {
			addr = v4
		}
	}
	if !addr.Mask(mask).Equal(addr) {
		return nil, syntaxErrorf("non-network bits set in %q", p.id)
	}
	if len(addr) == net.IPv4len {
		return g.ipv4Address(p, addr, mask)
	}
	return g.ipv6Address(p, addr, mask)
}

// getNetAndMask get the address and the network with mask for an IP address.
// If it is *not* CIDR, will return full mask, i.e. 0xffffffff
func getNetAndMask(id string) (net.IP, *net.IPNet, error) {
	if addr := net.ParseIP(id); addr != nil {
		mask := ip6MaskFull
		if v4 := addr.To4(); v4 != nil {
			addr, mask = v4, ip4MaskFull
		}
		return addr, &net.IPNet{IP: addr, Mask: mask}, nil
	}
	addr, network, err := net.ParseCIDR(id)
	if err != nil {
		return nil, nil, syntaxErrorf("invalid net: %s", id)
	}
	return addr, network, nil
}

func (g generator) ipv4Address(p *primitive, addr net.IP, mask net.IPMask) (node, error) {
	if len(mask) != net.IPv4len {
		return nil, syntaxErrorf("invalid mask for %s", p.id)
	}
	val := binary.BigEndian.Uint32(addr)
	maskVal := binary.BigEndian.Uint32(mask)
	compare := func(off uint32) node {
		if maskVal == 0 {
			return constNode(true)
		}
		t := equal(val&maskVal, bpf.LoadAbsolute{Off: off, Size: lengthWord})
		if !bytes.Equal(mask, ip4MaskFull) {
			t.load = append(t.load, bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: maskVal})
		}
		return t
	}
	l := g.linkTypeOffset()
	ip := and(g.isIPv4(), byDirection(p.direction, compare(l+12), compare(l+16)))

	switch p.protocol {
	case filterProtocolIP:
		return ip, nil
	case filterProtocolArp, filterProtocolRarp:
		t := etherTypeArp
		if p.protocol == filterProtocolRarp {
			t = etherTypeRarp
		}
		isArp, err := g.etherType(t)
		if err != nil {
			return nil, err
		}
		return and(isArp, byDirection(p.direction, compare(l+14), compare(l+24))), nil
	case filterProtocolUnset:
		if !g.ethernet() {
			return ip, nil
		}
		// an unqualified host also matches the arp and rarp sender/target
		arp := and(equal(etherTypeArp, bpf.LoadAbsolute{Off: 12, Size: lengthHalf}), byDirection(p.direction, compare(l+14), compare(l+24)))
		rarp := and(equal(etherTypeRarp, bpf.LoadAbsolute{Off: 12, Size: lengthHalf}), byDirection(p.direction, compare(l+14), compare(l+24)))
		return or(ip, arp, rarp), nil
	}
	return nil, syntaxErrorf("'%s' modifier applied to %s", p.protocol, p.kind)
}

func (g generator) ipv6Address(p *primitive, addr net.IP, mask net.IPMask) (node, error) {
	switch p.protocol {
	case filterProtocolUnset, filterProtocolIP6:
	default:
		return nil, syntaxErrorf("'%s' modifier applied to ip6 %s", p.protocol, p.kind)
	}
	if len(mask) != net.IPv6len {
		return nil, syntaxErrorf("invalid mask for %s", p.id)
	}
	addr = addr.To16()
	compare := func(start uint32) node {
		var words []node
		for i := 0; i < 4; i++ {
			m := binary.BigEndian.Uint32(mask[i*4:])
			if m == 0 {
				break
			}
			t := equal(binary.BigEndian.Uint32(addr[i*4:])&m, bpf.LoadAbsolute{Off: start + uint32(i*4), Size: lengthWord})
			if m != 0xffffffff {
				t.load = append(t.load, bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: m})
			}
			words = append(words, t)
		}
		return and(words...)
	}
	l := g.linkTypeOffset()
	// IPv6 source address starts at offset 8 within the IP header, destination at 24
	return and(g.isIPv6(), byDirection(p.direction, compare(l+8), compare(l+24))), nil
}

func (g generator) etherHost(p *primitive) (node, error) {
	hwAddr, err := net.ParseMAC(p.id)
	if err != nil || len(hwAddr) != 6 {
		return nil, syntaxErrorf("invalid ethernet address %q", p.id)
	}
	if !g.ethernet() {
		return nil, unsupportedf("ethernet address on link type %s", g.linkType)
	}
	// need last 4 bytes and first 2 bytes separately
	lastFour := binary.BigEndian.Uint32(hwAddr[2:])
	firstTwo := uint32(binary.BigEndian.Uint16(hwAddr[:2]))
	compare := func(off uint32) node {
		return and(
			equal(lastFour, bpf.LoadAbsolute{Off: off + 2, Size: lengthWord}),
			equal(firstTwo, bpf.LoadAbsolute{Off: off, Size: lengthHalf}),
		)
	}
	return byDirection(p.direction, compare(6), compare(0)), nil
}

func parsePort(id string) (uint32, error) {
	if port, ok := serviceNames[id]; ok {
		return port, nil
	}
	port, err := strconv.ParseUint(id, 10, 16)
	if err != nil {
		return 0, syntaxErrorf("invalid port %q", id)
	}
	return uint32(port), nil
}

func (g generator) port(p *primitive) (node, error) {
	transports := []uint32{ipProtocolTCP, ipProtocolUDP, ipProtocolSCTP}
	switch p.protocol {
	case filterProtocolUnset, filterProtocolIP, filterProtocolIP6:
	case filterProtocolTCP, filterProtocolUDP, filterProtocolSCTP:
		proto, _ := p.protocol.transport()
		transports = []uint32{proto}
	default:
		return nil, syntaxErrorf("'%s' modifier applied to %s", p.protocol, p.kind)
	}

	var low, high uint32
	if p.kind == filterKindPortRange {
		parts := strings.SplitN(p.id, "-", 2)
		if len(parts) != 2 {
			return nil, syntaxErrorf("invalid port range %q", p.id)
		}
		var err error
		if low, err = parsePort(parts[0]); err != nil {
			return nil, err
		}
		if high, err = parsePort(parts[1]); err != nil {
			return nil, err
		}
		if low > high {
			low, high = high, low
		}
	} else {
		port, err := parsePort(p.id)
		if err != nil {
			return nil, err
		}
		low, high = port, port
	}

	compare := func(load ...bpf.Instruction) node {
		if low == high {
			return equal(low, load...)
		}
		return and(
			&test{load: load, cond: bpf.JumpGreaterOrEqual, val: low},
			not(&test{load: load, cond: bpf.JumpGreaterThan, val: high}),
		)
	}

	l := g.linkTypeOffset()
	var v4protos, v6protos []node
	for _, t := range transports {
		v4protos = append(v4protos, g.ipv4Protocol(t))
		v6protos = append(v6protos, g.ipv6Protocol(t))
	}
	// ldxb 4*([l]&0xf) to find where the L4 header starts
	headerLen := bpf.LoadMemShift{Off: l}
	v4 := and(
		g.isIPv4(),
		or(v4protos...),
		g.ipv4First(),
		byDirection(p.direction,
			compare(headerLen, bpf.LoadIndirect{Off: l, Size: lengthHalf}),
			compare(headerLen, bpf.LoadIndirect{Off: l + 2, Size: lengthHalf}),
		),
	)
	v6 := and(
		g.isIPv6(),
		or(v6protos...),
		byDirection(p.direction,
			compare(bpf.LoadAbsolute{Off: l + 40, Size: lengthHalf}),
			compare(bpf.LoadAbsolute{Off: l + 42, Size: lengthHalf}),
		),
	)
	switch p.protocol {
	case filterProtocolIP:
		return v4, nil
	case filterProtocolIP6:
		return v6, nil
	}
	return or(v4, v6), nil
}

func (g generator) proto(p *primitive) (node, error) {
	switch p.protocol {
	case filterProtocolEther:
		val, ok := etherProtocolNames[p.id]
		if !ok {
			n, err := strconv.ParseUint(p.id, 0, 16)
			if err != nil {
				return nil, syntaxErrorf("invalid ethernet protocol %q", p.id)
			}
			val = uint32(n)
		}
		return g.etherType(val)
	case filterProtocolUnset, filterProtocolIP, filterProtocolIP6:
	default:
		return nil, syntaxErrorf("'%s' modifier applied to proto", p.protocol)
	}
	val, ok := ipProtocolNames[p.id]
	if !ok {
		n, err := strconv.ParseUint(p.id, 0, 8)
		if err != nil {
			return nil, syntaxErrorf("invalid ip protocol %q", p.id)
		}
		val = uint32(n)
	}
	v4 := and(g.isIPv4(), g.ipv4Protocol(val))
	v6 := and(g.isIPv6(), g.ipv6Protocol(val))
	switch p.protocol {
	case filterProtocolIP:
		return v4, nil
	case filterProtocolIP6:
		return v6, nil
	}
	return or(v4, v6), nil
}

func (g generator) length(p *primitive) (node, error) {
	n, err := strconv.ParseUint(p.id, 0, 32)
	if err != nil {
		return nil, syntaxErrorf("invalid length %q", p.id)
	}
	load := bpf.LoadExtension{Num: bpf.ExtLen}
	if p.kind == filterKindLess {
		return not(&test{load: []bpf.Instruction{load}, cond: bpf.JumpGreaterThan, val: uint32(n)}), nil
	}
	return &test{load: []bpf.Instruction{load}, cond: bpf.JumpGreaterOrEqual, val: uint32(n)}, nil
}

func swap32(v uint32) uint32 {
	return v>>24 | (v>>8)&0xff00 | (v<<8)&0xff0000 | v<<24
}
