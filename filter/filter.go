package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/gopacket/layers"
	"golang.org/x/net/bpf"
)

var (
	// ErrSyntax the expression is not well-formed
	ErrSyntax = errors.New("filter syntax error")
	// ErrUnsupported the expression uses a predicate that cannot be evaluated
	// for the link type, or that this compiler does not implement
	ErrUnsupported = errors.New("unsupported filter predicate")
)

func syntaxErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrSyntax, fmt.Sprintf(format, args...))
}

func unsupportedf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}

// Program a compiled classic BPF program, ready to be attached to a socket.
// A Program is immutable.
type Program struct {
	expr     string
	linkType layers.LinkType
	raw      []bpf.RawInstruction
	insts    []bpf.Instruction
}

// Compile take a filter string compatible with tcpdump at
// https://www.tcpdump.org/manpages/pcap-filter.7.html and return
// a program for packets framed as linkType. A blank expression accepts
// every packet.
func Compile(expr string, linkType layers.LinkType) (*Program, error) {
	if !supportedLinkType(linkType) {
		return nil, unsupportedf("link type %s", linkType)
	}
	e := NewExpression(expr)
	var root node = constNode(true)
	if e != nil {
		var err error
		if root, err = e.Parse(); err != nil {
			return nil, err
		}
	}
	g := generator{linkType: linkType}
	tree, err := g.lower(root)
	if err != nil {
		return nil, err
	}
	insts, err := assemble(tree)
	if err != nil {
		return nil, err
	}
	return newProgram(expr, linkType, insts)
}

// FromInstructions wrap an already built program, for example one produced by
// another compiler, after checking it decodes and loads into a BPF VM.
func FromInstructions(raw []bpf.RawInstruction, linkType layers.LinkType) (*Program, error) {
	if len(raw) == 0 {
		return nil, syntaxErrorf("empty program")
	}
	insts, ok := bpf.Disassemble(raw)
	if !ok {
		return nil, syntaxErrorf("program contains undecodable instructions")
	}
	p, err := newProgram("", linkType, insts)
	if err != nil {
		return nil, err
	}
	// keep the caller's encoding, some opcodes have more than one form
	p.raw = append([]bpf.RawInstruction(nil), raw...)
	return p, nil
}

func newProgram(expr string, linkType layers.LinkType, insts []bpf.Instruction) (*Program, error) {
	if _, err := bpf.NewVM(insts); err != nil {
		return nil, syntaxErrorf("invalid program: %v", err)
	}
	raw, err := bpf.Assemble(insts)
	if err != nil {
		return nil, syntaxErrorf("unable to assemble program: %v", err)
	}
	return &Program{
		expr:     expr,
		linkType: linkType,
		raw:      raw,
		insts:    insts,
	}, nil
}

// Instructions a copy of the raw instructions, as passed to SO_ATTACH_FILTER or BIOCSETF
func (p *Program) Instructions() []bpf.RawInstruction {
	return append([]bpf.RawInstruction(nil), p.raw...)
}

// Len number of instructions in the program
func (p *Program) Len() int {
	return len(p.raw)
}

// LinkType the link type the program was built for
func (p *Program) LinkType() layers.LinkType {
	return p.linkType
}

// Expression the source expression, blank for programs not built by Compile
func (p *Program) Expression() string {
	return p.expr
}

// Matches run the program against a packet in the userland BPF VM.
func (p *Program) Matches(data []byte) (bool, error) {
	vm, err := bpf.NewVM(p.insts)
	if err != nil {
		return false, err
	}
	n, err := vm.Run(data)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// String the program in the format of "tcpdump -dd"
func (p *Program) String() string {
	var b strings.Builder
	for _, r := range p.raw {
		fmt.Fprintf(&b, "{ 0x%x, %d, %d, 0x%08x },\n", r.Op, r.Jt, r.Jf, r.K)
	}
	return b.String()
}

func supportedLinkType(linkType layers.LinkType) bool {
	switch linkType {
	case LinkTypeEthernet, LinkTypeNull, LinkTypeLoop, LinkTypeRaw:
		return true
	}
	return false
}
