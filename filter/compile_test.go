package filter

import (
	"encoding/binary"
	"errors"
	"net"
	"reflect"
	"strconv"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/bpf"
)

var (
	macA = net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	macB = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("unable to serialize packet: %v", err)
	}
	return buf.Bytes()
}

type l4 int

const (
	l4TCP l4 = iota
	l4UDP
	l4ICMP
)

// testPacket describes a test packet, built with gopacket
type testPacket struct {
	ip6        bool
	proto      l4
	src, dst   string
	sport      uint16
	dport      uint16
	fragOffset uint16
}

func (s testPacket) network(t *testing.T) []gopacket.SerializableLayer {
	t.Helper()
	var (
		ls  []gopacket.SerializableLayer
		nl  gopacket.NetworkLayer
		ipP layers.IPProtocol
	)
	switch s.proto {
	case l4TCP:
		ipP = layers.IPProtocolTCP
	case l4UDP:
		ipP = layers.IPProtocolUDP
	case l4ICMP:
		ipP = layers.IPProtocolICMPv4
	}
	if s.ip6 {
		ip := &layers.IPv6{Version: 6, NextHeader: ipP, HopLimit: 64, SrcIP: net.ParseIP(s.src), DstIP: net.ParseIP(s.dst)}
		ls, nl = append(ls, ip), ip
	} else {
		ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: ipP, FragOffset: s.fragOffset, SrcIP: net.ParseIP(s.src).To4(), DstIP: net.ParseIP(s.dst).To4()}
		ls, nl = append(ls, ip), ip
	}
	switch s.proto {
	case l4TCP:
		tcp := &layers.TCP{SrcPort: layers.TCPPort(s.sport), DstPort: layers.TCPPort(s.dport), SYN: true, Window: 1024}
		_ = tcp.SetNetworkLayerForChecksum(nl)
		ls = append(ls, tcp)
	case l4UDP:
		udp := &layers.UDP{SrcPort: layers.UDPPort(s.sport), DstPort: layers.UDPPort(s.dport)}
		_ = udp.SetNetworkLayerForChecksum(nl)
		ls = append(ls, udp)
	case l4ICMP:
		ls = append(ls, &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)})
	}
	return append(ls, gopacket.Payload("hello"))
}

func (s testPacket) ethernet(t *testing.T) []byte {
	t.Helper()
	etherType := layers.EthernetTypeIPv4
	if s.ip6 {
		etherType = layers.EthernetTypeIPv6
	}
	ls := []gopacket.SerializableLayer{&layers.Ethernet{SrcMAC: macA, DstMAC: macB, EthernetType: etherType}}
	return serialize(t, append(ls, s.network(t)...)...)
}

func (s testPacket) raw(t *testing.T) []byte {
	t.Helper()
	return serialize(t, s.network(t)...)
}

// null BSD loopback framing, family in little endian host order
func (s testPacket) null(t *testing.T) []byte {
	t.Helper()
	family := afInet
	if s.ip6 {
		family = afInet6Darwin
	}
	hdr := make([]byte, 4)
	binary.LittleEndian.PutUint32(hdr, family)
	return append(hdr, s.raw(t)...)
}

func arpPacket(t *testing.T, sender, target string) []byte {
	t.Helper()
	return serialize(t,
		&layers.Ethernet{SrcMAC: macA, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeARP},
		&layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPRequest,
			SourceHwAddress:   macA,
			SourceProtAddress: net.ParseIP(sender).To4(),
			DstHwAddress:      make([]byte, 6),
			DstProtAddress:    net.ParseIP(target).To4(),
		},
	)
}

func tcp4(src, dst string, sport, dport uint16) testPacket {
	return testPacket{proto: l4TCP, src: src, dst: dst, sport: sport, dport: dport}
}

func udp4(src, dst string, sport, dport uint16) testPacket {
	return testPacket{proto: l4UDP, src: src, dst: dst, sport: sport, dport: dport}
}

func tcp6(src, dst string, sport, dport uint16) testPacket {
	return testPacket{ip6: true, proto: l4TCP, src: src, dst: dst, sport: sport, dport: dport}
}

func TestCompileEthernetMatches(t *testing.T) {
	var (
		web       = tcp4("10.0.0.1", "192.168.1.10", 40000, 443).ethernet(t)
		ssh       = tcp4("10.0.0.1", "192.168.1.10", 40000, 22).ethernet(t)
		dns       = udp4("192.168.1.10", "8.8.8.8", 53, 53).ethernet(t)
		dnsReply  = udp4("8.8.8.8", "192.168.1.10", 53, 5353).ethernet(t)
		web6      = tcp6("2001:db8::1", "2001:db8:1::2", 40000, 443).ethernet(t)
		ping      = testPacket{proto: l4ICMP, src: "10.0.0.1", dst: "10.0.0.2"}.ethernet(t)
		fragment  = testPacket{proto: l4TCP, src: "10.0.0.1", dst: "10.0.0.2", sport: 80, dport: 80, fragOffset: 100}.ethernet(t)
		arp       = arpPacket(t, "10.0.0.1", "10.0.0.254")
		highPort  = tcp4("10.0.0.3", "10.0.0.4", 40000, 1500).ethernet(t)
		rangeEdge = tcp4("10.0.0.3", "10.0.0.4", 40000, 2000).ethernet(t)
		overRange = tcp4("10.0.0.3", "10.0.0.4", 40000, 2001).ethernet(t)
	)
	tests := []struct {
		expression string
		packet     []byte
		match      bool
	}{
		{"", web, true},
		{"ip", web, true},
		{"ip", web6, false},
		{"ip6", web6, true},
		{"ip6", arp, false},
		{"tcp", web, true},
		{"tcp", web6, true},
		{"tcp", dns, false},
		{"udp", dns, true},
		{"icmp", ping, true},
		{"icmp", web, false},
		{"arp", arp, true},
		{"arp", web, false},
		{"not tcp", dns, true},
		{"not tcp", web, false},
		{"! tcp", web, false},
		{"port 443", web, true},
		{"port 443", web6, true},
		{"port 443", ssh, false},
		{"port https", web, true},
		{"tcp port 443", web, true},
		{"udp port 443", web, false},
		{"ip6 port 443", web, false},
		{"ip6 port 443", web6, true},
		{"src port 40000", web, true},
		{"dst port 40000", web, false},
		{"src and dst port 53", dns, true},
		{"src and dst port 53", dnsReply, false},
		{"src or dst port 53", dnsReply, true},
		{"port 80", fragment, false},
		{"portrange 1000-2000", highPort, true},
		{"portrange 1000-2000", rangeEdge, true},
		{"portrange 1000-2000", overRange, false},
		{"portrange 2000-1000", highPort, true},
		{"tcp and (port 80 or port 443)", web, true},
		{"tcp and (port 80 or port 443)", ssh, false},
		{"port 80 or 443", web, true},
		{"tcp dst port http or https", web, true},
		{"tcp dst port http or https", ssh, false},
		{"tcp && !port 22", web, true},
		{"tcp && !port 22", ssh, false},
		{"udp || icmp", ping, true},
		{"host 10.0.0.1", web, true},
		{"host 192.168.1.10", web, true},
		{"host 10.9.9.9", web, false},
		{"src host 10.0.0.1", web, true},
		{"dst host 10.0.0.1", web, false},
		{"src and dst host 10.0.0.1", web, false},
		{"host 10.0.0.1", arp, true},
		{"ip host 10.0.0.1", arp, false},
		{"arp host 10.0.0.254", arp, true},
		{"arp dst host 10.0.0.1", arp, false},
		{"host 2001:db8::1", web6, true},
		{"dst host 2001:db8::1", web6, false},
		{"net 10.0.0.0/8", web, true},
		{"net 11.0.0.0/8", web, false},
		{"dst net 192.168.0.0/16", web, true},
		{"net 192.168.0.0 mask 255.255.0.0", web, true},
		{"net 0.0.0.0/0", web, true},
		{"net 0.0.0.0/0", web6, false},
		{"net 2001:db8::/32", web6, true},
		{"net 2001:db9::/32", web6, false},
		{"src net 2001:db8::/36", web6, true},
		{"ether host aa:bb:cc:dd:ee:ff", web, true},
		{"ether src aa:bb:cc:dd:ee:ff", web, true},
		{"ether dst aa:bb:cc:dd:ee:ff", web, false},
		{"ether dst 00:11:22:33:44:55", web, true},
		{"ether proto \\arp", arp, true},
		{"ether proto 0x86dd", web6, true},
		{"ip proto 17", dns, true},
		{"ip proto udp", web, false},
		{"ip6 proto tcp", web6, true},
		{"proto tcp", web6, true},
		{"less 60", web, true},
		{"less 50", web, false},
		{"greater 59", web, true},
		{"greater 100", web, false},
	}
	for _, tt := range tests {
		t.Run(tt.expression, func(t *testing.T) {
			p, err := Compile(tt.expression, LinkTypeEthernet)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			match, err := p.Matches(tt.packet)
			if err != nil {
				t.Fatalf("unexpected error running program: %v", err)
			}
			if match != tt.match {
				t.Errorf("mismatched result, actual %v, expected %v\n%s", match, tt.match, p)
			}
		})
	}
}

func TestCompileOtherLinkTypes(t *testing.T) {
	web := tcp4("10.0.0.1", "10.0.0.2", 40000, 80)
	web6 := tcp6("2001:db8::1", "2001:db8::2", 40000, 80)
	tests := []struct {
		linkType   layers.LinkType
		expression string
		packet     []byte
		match      bool
	}{
		{LinkTypeRaw, "ip", web.raw(t), true},
		{LinkTypeRaw, "ip6", web.raw(t), false},
		{LinkTypeRaw, "ip6", web6.raw(t), true},
		{LinkTypeRaw, "tcp port 80", web.raw(t), true},
		{LinkTypeRaw, "tcp port 80", web6.raw(t), true},
		{LinkTypeRaw, "host 10.0.0.2", web.raw(t), true},
		{LinkTypeRaw, "udp", web.raw(t), false},
		{LinkTypeNull, "ip", web.null(t), true},
		{LinkTypeNull, "ip6", web6.null(t), true},
		{LinkTypeNull, "port 80", web.null(t), true},
		{LinkTypeNull, "dst host 10.0.0.2", web.null(t), true},
		{LinkTypeNull, "src host 10.0.0.2", web.null(t), false},
	}
	for _, tt := range tests {
		t.Run(tt.linkType.String()+" "+tt.expression, func(t *testing.T) {
			p, err := Compile(tt.expression, tt.linkType)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.LinkType() != tt.linkType {
				t.Errorf("mismatched link type %v", p.LinkType())
			}
			match, err := p.Matches(tt.packet)
			if err != nil {
				t.Fatalf("unexpected error running program: %v", err)
			}
			if match != tt.match {
				t.Errorf("mismatched result, actual %v, expected %v\n%s", match, tt.match, p)
			}
		})
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		expression string
		linkType   layers.LinkType
		err        error
	}{
		{"tcp and", LinkTypeEthernet, ErrSyntax},
		{"(tcp", LinkTypeEthernet, ErrSyntax},
		{"tcp)", LinkTypeEthernet, ErrSyntax},
		{"and", LinkTypeEthernet, ErrSyntax},
		{"not", LinkTypeEthernet, ErrSyntax},
		{"port", LinkTypeEthernet, ErrSyntax},
		{"port abc", LinkTypeEthernet, ErrSyntax},
		{"port 70000", LinkTypeEthernet, ErrSyntax},
		{"portrange 10", LinkTypeEthernet, ErrSyntax},
		{"host", LinkTypeEthernet, ErrSyntax},
		{"src", LinkTypeEthernet, ErrSyntax},
		{"ether", LinkTypeEthernet, ErrSyntax},
		{"net 10.0.0.1/8", LinkTypeEthernet, ErrSyntax},
		{"net 10.0.0.0 mask 300.0.0.0", LinkTypeEthernet, ErrSyntax},
		{"tcp host 10.0.0.1", LinkTypeEthernet, ErrSyntax},
		{"arp port 80", LinkTypeEthernet, ErrSyntax},
		{"ip6 host 10.0.0.1", LinkTypeEthernet, ErrSyntax},
		{"host aa:bb:cc:dd:ee:ff", LinkTypeEthernet, ErrSyntax},
		{"ether host 10.0.0.1", LinkTypeEthernet, ErrSyntax},
		{"ip proto 999", LinkTypeEthernet, ErrSyntax},
		{"less", LinkTypeEthernet, ErrSyntax},
		{"tcp less 10", LinkTypeEthernet, ErrSyntax},
		{"src tcp", LinkTypeEthernet, ErrSyntax},
		{"ether host aa:bb:cc:dd:ee:ff", LinkTypeRaw, ErrUnsupported},
		{"arp", LinkTypeRaw, ErrUnsupported},
		{"rarp", LinkTypeNull, ErrUnsupported},
		{"ether proto 0x0800", LinkTypeNull, ErrUnsupported},
		{"wlan host 10.0.0.1", LinkTypeEthernet, ErrUnsupported},
		{"ra host 10.0.0.1", LinkTypeEthernet, ErrUnsupported},
		{"host www.example.com", LinkTypeEthernet, ErrUnsupported},
		{"tcp", layers.LinkTypeLinuxSLL, ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.expression, func(t *testing.T) {
			p, err := Compile(tt.expression, tt.linkType)
			if err == nil {
				t.Fatalf("expected error, got program\n%s", p)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("mismatched error\nActual  : %v\nExpected: %v", err, tt.err)
			}
		})
	}
}

func TestCompileInstructions(t *testing.T) {
	// output from "tcpdump -dd ip"
	expected := []bpf.RawInstruction{
		{Op: 0x28, Jt: 0, Jf: 0, K: 0x0000000c},
		{Op: 0x15, Jt: 0, Jf: 1, K: 0x00000800},
		{Op: 0x6, Jt: 0, Jf: 0, K: 0x00040000},
		{Op: 0x6, Jt: 0, Jf: 0, K: 0x00000000},
	}
	p, err := Compile("ip", LinkTypeEthernet)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(p.Instructions(), expected) {
		t.Errorf("mismatched instructions \nActual  : %#v\nExpected: %#v", p.Instructions(), expected)
	}
	if p.Len() != len(expected) {
		t.Errorf("mismatched length %d", p.Len())
	}
	listing := "{ 0x28, 0, 0, 0x0000000c },\n{ 0x15, 0, 1, 0x00000800 },\n{ 0x6, 0, 0, 0x00040000 },\n{ 0x6, 0, 0, 0x00000000 },\n"
	if p.String() != listing {
		t.Errorf("mismatched listing\nActual  :\n%s\nExpected:\n%s", p, listing)
	}
}

func TestCompileDeterministic(t *testing.T) {
	const expr = "tcp and (port 80 or portrange 8000-8100) and not net 10.0.0.0/8"
	a, err := Compile(expr, LinkTypeEthernet)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Compile(expr, LinkTypeEthernet)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(a.Instructions(), b.Instructions()) {
		t.Errorf("compiling twice gave different programs\n%s\n%s", a, b)
	}
	if a.Expression() != expr {
		t.Errorf("mismatched expression %q", a.Expression())
	}
}

func TestProgramInstructionsCopy(t *testing.T) {
	p, err := Compile("tcp", LinkTypeEthernet)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	insts := p.Instructions()
	insts[0].K = 0xdead
	if p.Instructions()[0].K == 0xdead {
		t.Error("program was mutated through Instructions()")
	}
}

func TestCompileTooLarge(t *testing.T) {
	expr := "host 10.0.0.1"
	for i := 2; i < 80; i++ {
		expr += " or host 10.0.0." + strconv.Itoa(i)
	}
	_, err := Compile(expr, LinkTypeEthernet)
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported for a program over the jump range, got %v", err)
	}
}

func TestFromInstructions(t *testing.T) {
	if _, err := FromInstructions(nil, LinkTypeEthernet); !errors.Is(err, ErrSyntax) {
		t.Errorf("expected ErrSyntax for an empty program, got %v", err)
	}
	// jump past the end of the program
	bad := []bpf.RawInstruction{
		{Op: 0x15, Jt: 5, Jf: 0, K: 1},
		{Op: 0x6, K: 0},
	}
	if _, err := FromInstructions(bad, LinkTypeEthernet); !errors.Is(err, ErrSyntax) {
		t.Errorf("expected ErrSyntax for an out of range jump, got %v", err)
	}
	good := []bpf.RawInstruction{{Op: 0x6, K: 0x40000}}
	p, err := FromInstructions(good, LinkTypeEthernet)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	match, err := p.Matches([]byte{1, 2, 3})
	if err != nil || !match {
		t.Errorf("accept-all program did not match: %v %v", match, err)
	}
}
