package filter

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/gopacket/layers"
	"golang.org/x/net/bpf"
)

// { 0x15, 0, 4, 0x00000800 },
var ddLine = regexp.MustCompile(`^\{\s*([^,\s]+)\s*,\s*([^,\s]+)\s*,\s*([^,\s]+)\s*,\s*([^,\s}]+)\s*\},?$`)

// ParseDump read a program as printed by "tcpdump -dd" (C array) or
// "tcpdump -ddd" (decimal, preceded by the instruction count).
func ParseDump(text string, linkType layers.LinkType) (*Program, error) {
	var (
		raw      []bpf.RawInstruction
		expected = -1
		scanner  = bufio.NewScanner(strings.NewReader(text))
		lineNo   int
	)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var fields []string
		if m := ddLine.FindStringSubmatch(line); m != nil {
			fields = m[1:]
		} else {
			fields = strings.Fields(line)
		}
		switch {
		case len(fields) == 1 && expected < 0 && len(raw) == 0:
			n, err := strconv.Atoi(fields[0])
			if err != nil {
				return nil, syntaxErrorf("line %d: invalid instruction count %q", lineNo, fields[0])
			}
			expected = n
			continue
		case len(fields) != 4:
			return nil, syntaxErrorf("line %d: expected 4 fields, got %q", lineNo, line)
		}
		ins, err := parseRawInstruction(fields)
		if err != nil {
			return nil, syntaxErrorf("line %d: %v", lineNo, err)
		}
		raw = append(raw, ins)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if expected >= 0 && expected != len(raw) {
		return nil, syntaxErrorf("program announces %d instructions, found %d", expected, len(raw))
	}
	return FromInstructions(raw, linkType)
}

func parseRawInstruction(fields []string) (bpf.RawInstruction, error) {
	op, err := strconv.ParseUint(fields[0], 0, 16)
	if err != nil {
		return bpf.RawInstruction{}, err
	}
	jt, err := strconv.ParseUint(fields[1], 0, 8)
	if err != nil {
		return bpf.RawInstruction{}, err
	}
	jf, err := strconv.ParseUint(fields[2], 0, 8)
	if err != nil {
		return bpf.RawInstruction{}, err
	}
	k, err := strconv.ParseUint(fields[3], 0, 32)
	if err != nil {
		return bpf.RawInstruction{}, err
	}
	return bpf.RawInstruction{Op: uint16(op), Jt: uint8(jt), Jf: uint8(jf), K: uint32(k)}, nil
}
