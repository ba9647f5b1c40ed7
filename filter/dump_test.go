package filter

import (
	"errors"
	"reflect"
	"testing"
)

// produced using "tcpdump -dd port 443"
const https443 = `{ 0x28, 0, 0, 0x0000000c },
{ 0x15, 0, 8, 0x000086dd },
{ 0x30, 0, 0, 0x00000014 },
{ 0x15, 2, 0, 0x00000084 },
{ 0x15, 1, 0, 0x00000006 },
{ 0x15, 0, 17, 0x00000011 },
{ 0x28, 0, 0, 0x00000036 },
{ 0x15, 14, 0, 0x000001bb },
{ 0x28, 0, 0, 0x00000038 },
{ 0x15, 12, 13, 0x000001bb },
{ 0x15, 0, 12, 0x00000800 },
{ 0x30, 0, 0, 0x00000017 },
{ 0x15, 2, 0, 0x00000084 },
{ 0x15, 1, 0, 0x00000006 },
{ 0x15, 0, 8, 0x00000011 },
{ 0x28, 0, 0, 0x00000014 },
{ 0x45, 6, 0, 0x00001fff },
{ 0xb1, 0, 0, 0x0000000e },
{ 0x48, 0, 0, 0x0000000e },
{ 0x15, 2, 0, 0x000001bb },
{ 0x48, 0, 0, 0x00000010 },
{ 0x15, 0, 1, 0x000001bb },
{ 0x6, 0, 0, 0x00040000 },
{ 0x6, 0, 0, 0x00000000 },`

// produced using "tcpdump -ddd ip"
const ipDecimal = `4
40 0 0 12
21 0 1 2048
6 0 0 262144
6 0 0 0
`

func TestParseDump(t *testing.T) {
	p, err := ParseDump(https443, LinkTypeEthernet)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Len() != 24 {
		t.Fatalf("expected 24 instructions, got %d", p.Len())
	}
	if p.String() != https443+"\n" {
		t.Errorf("listing does not round trip\n%s", p)
	}
	tests := []struct {
		name   string
		packet []byte
		match  bool
	}{
		{"tcp4 to 443", tcp4("10.0.0.1", "10.0.0.2", 40000, 443).ethernet(t), true},
		{"tcp4 from 443", tcp4("10.0.0.2", "10.0.0.1", 443, 40000).ethernet(t), true},
		{"udp4 to 443", udp4("10.0.0.1", "10.0.0.2", 40000, 443).ethernet(t), true},
		{"tcp6 to 443", tcp6("2001:db8::1", "2001:db8::2", 40000, 443).ethernet(t), true},
		{"tcp4 to 80", tcp4("10.0.0.1", "10.0.0.2", 40000, 80).ethernet(t), false},
		{"tcp6 to 80", tcp6("2001:db8::1", "2001:db8::2", 40000, 80).ethernet(t), false},
		{"arp", arpPacket(t, "10.0.0.1", "10.0.0.2"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			match, err := p.Matches(tt.packet)
			if err != nil {
				t.Fatalf("unexpected error running program: %v", err)
			}
			if match != tt.match {
				t.Errorf("mismatched result, actual %v, expected %v", match, tt.match)
			}
		})
	}
}

func TestParseDumpMatchesCompile(t *testing.T) {
	dumped, err := ParseDump(ipDecimal, LinkTypeEthernet)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	compiled, err := Compile("ip", LinkTypeEthernet)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(dumped.Instructions(), compiled.Instructions()) {
		t.Errorf("mismatched instructions \nActual  : %#v\nExpected: %#v", dumped.Instructions(), compiled.Instructions())
	}
}

func TestParseDumpErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"three fields", "{ 0x28, 0, 0 },"},
		{"bad opcode", "{ 0xzz, 0, 0, 0x0000000c },"},
		{"jump too wide", "{ 0x15, 300, 0, 0x00000800 },\n{ 0x6, 0, 0, 0 },"},
		{"count mismatch", "3\n6 0 0 0\n"},
		{"jump past end", "{ 0x15, 4, 0, 0x00000800 },\n{ 0x6, 0, 0, 0 },"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDump(tt.text, LinkTypeEthernet)
			if !errors.Is(err, ErrSyntax) {
				t.Errorf("expected ErrSyntax, got %v", err)
			}
		})
	}
}
