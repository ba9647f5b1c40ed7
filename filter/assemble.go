package filter

import (
	"fmt"

	"golang.org/x/net/bpf"
)

type label int

// instruction either a plain instruction, or a jump whose targets are labels
// until the program is laid out
type instruction struct {
	inst   bpf.Instruction
	jump   bool
	always bool
	cond   bpf.JumpTest
	val    uint32
	jt, jf label
}

type assembler struct {
	code   []instruction
	labels []int
}

func (a *assembler) newLabel() label {
	a.labels = append(a.labels, -1)
	return label(len(a.labels) - 1)
}

// place bind the label to the next emitted instruction
func (a *assembler) place(l label) {
	a.labels[l] = len(a.code)
}

func (a *assembler) emit(inst ...bpf.Instruction) {
	for _, i := range inst {
		a.code = append(a.code, instruction{inst: i})
	}
}

// gen emit code that continues at t when n holds, and at f otherwise.
// Labels are always placed after the code that jumps to them, so every
// jump is forward, as classic BPF requires.
func (a *assembler) gen(n node, t, f label) {
	switch v := n.(type) {
	case andNode:
		m := a.newLabel()
		a.gen(v.left, m, f)
		a.place(m)
		a.gen(v.right, t, f)
	case orNode:
		m := a.newLabel()
		a.gen(v.left, t, m)
		a.place(m)
		a.gen(v.right, t, f)
	case notNode:
		a.gen(v.child, f, t)
	case constNode:
		target := f
		if v {
			target = t
		}
		a.code = append(a.code, instruction{jump: true, always: true, jt: target})
	case *test:
		a.emit(v.load...)
		a.code = append(a.code, instruction{jump: true, cond: v.cond, val: v.val, jt: t, jf: f})
	}
}

// assemble lay out the tree, ending with the keep and drop returns
func assemble(tree node) ([]bpf.Instruction, error) {
	if c, ok := tree.(constNode); ok {
		if c {
			return []bpf.Instruction{returnKeep}, nil
		}
		return []bpf.Instruction{returnDrop}, nil
	}
	a := &assembler{}
	keep, drop := a.newLabel(), a.newLabel()
	a.gen(tree, keep, drop)
	a.place(keep)
	a.emit(returnKeep)
	a.place(drop)
	a.emit(returnDrop)
	return a.resolve()
}

func (a *assembler) resolve() ([]bpf.Instruction, error) {
	out := make([]bpf.Instruction, 0, len(a.code))
	for i, c := range a.code {
		if !c.jump {
			out = append(out, c.inst)
			continue
		}
		skipTrue := a.labels[c.jt] - i - 1
		if c.always {
			out = append(out, bpf.Jump{Skip: uint32(skipTrue)})
			continue
		}
		skipFalse := a.labels[c.jf] - i - 1
		if skipTrue > maxJump || skipFalse > maxJump {
			return nil, unsupportedf("program too large: jump of %d instructions", max(skipTrue, skipFalse))
		}
		if skipTrue < 0 || skipFalse < 0 {
			return nil, fmt.Errorf("backward jump at instruction %d", i)
		}
		out = append(out, bpf.JumpIf{Cond: c.cond, Val: c.val, SkipTrue: uint8(skipTrue), SkipFalse: uint8(skipFalse)})
	}
	return out, nil
}
