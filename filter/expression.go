package filter

import (
	"strings"
)

// node an element of the parsed expression tree. After lowering, primitives
// are replaced by trees of *test.
type node interface{}

type andNode struct {
	left, right node
}

type orNode struct {
	left, right node
}

type notNode struct {
	child node
}

type constNode bool

// primitive a single "[proto] [dir] [type] id" term of the expression
type primitive struct {
	direction filterDirection
	kind      filterKind
	protocol  filterProtocol
	id        string
	mask      string
}

func (p primitive) qualified() bool {
	return p.direction != filterDirectionUnset || p.kind != filterKindUnset || p.protocol != filterProtocolUnset
}

// Equal if two primitives are the same
func (p primitive) Equal(o primitive) bool {
	return p == o
}

type Expression struct {
	raw     string
	split   []string
	current int
	// last primitive with an id, for "port 80 or 443" style abbreviations
	last *primitive
}

// NewExpression tokenize a filter string. Returns nil for a blank string.
func NewExpression(s string) *Expression {
	split := tokenize(s)
	if len(split) == 0 {
		return nil
	}
	return &Expression{
		raw:   s,
		split: split,
	}
}

// tokenize split on whitespace, and around parentheses and the C-style operators
func tokenize(s string) []string {
	var (
		tokens []string
		word   strings.Builder
	)
	flush := func() {
		if word.Len() > 0 {
			tokens = append(tokens, word.String())
			word.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			flush()
		case c == '(' || c == ')':
			flush()
			tokens = append(tokens, string(c))
		case c == '!' && word.Len() == 0:
			tokens = append(tokens, "!")
		case (c == '&' || c == '|') && i+1 < len(s) && s[i+1] == c:
			flush()
			tokens = append(tokens, s[i:i+2])
			i++
		default:
			word.WriteByte(c)
		}
	}
	flush()
	return tokens
}

// HasNext if there are any more tokens to parse
func (e *Expression) HasNext() bool {
	return len(e.split) > e.current
}

func (e *Expression) peek(ahead int) string {
	if e.current+ahead >= len(e.split) {
		return ""
	}
	return e.split[e.current+ahead]
}

func (e *Expression) next() string {
	word := e.peek(0)
	if word != "" {
		e.current++
	}
	return word
}

func isOperator(word string) bool {
	switch word {
	case "and", "&&", "or", "||", "not", "!", "(", ")":
		return true
	}
	return false
}

// Parse build the expression tree. "and" binds tighter than "or", and both
// associate to the left.
func (e *Expression) Parse() (node, error) {
	e.current = 0
	e.last = nil
	n, err := e.parseOr()
	if err != nil {
		return nil, err
	}
	if e.HasNext() {
		return nil, syntaxErrorf("unexpected %q", e.peek(0))
	}
	return n, nil
}

func (e *Expression) parseOr() (node, error) {
	left, err := e.parseAnd()
	if err != nil {
		return nil, err
	}
	for word := e.peek(0); word == "or" || word == "||"; word = e.peek(0) {
		e.next()
		right, err := e.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left: left, right: right}
	}
	return left, nil
}

func (e *Expression) parseAnd() (node, error) {
	left, err := e.parseUnary()
	if err != nil {
		return nil, err
	}
	for word := e.peek(0); word == "and" || word == "&&"; word = e.peek(0) {
		e.next()
		right, err := e.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left: left, right: right}
	}
	return left, nil
}

func (e *Expression) parseUnary() (node, error) {
	switch word := e.peek(0); word {
	case "":
		return nil, syntaxErrorf("unexpected end of expression")
	case "not", "!":
		e.next()
		child, err := e.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{child: child}, nil
	case "(":
		e.next()
		n, err := e.parseOr()
		if err != nil {
			return nil, err
		}
		if e.next() != ")" {
			return nil, syntaxErrorf("missing ')'")
		}
		return n, nil
	case ")", "and", "&&", "or", "||":
		return nil, syntaxErrorf("unexpected %q", word)
	}
	return e.parsePrimitive()
}

// id consume the id that must follow a keyword
func (e *Expression) id(after string) (string, error) {
	word := e.peek(0)
	if word == "" || isOperator(word) {
		return "", syntaxErrorf("missing value after %q", after)
	}
	e.next()
	return word, nil
}

func (e *Expression) parsePrimitive() (node, error) {
	p := &primitive{}
	for {
		word := e.peek(0)
		if word == "" || isOperator(word) {
			break
		}
		// "src or dst" and "src and dst" are directions, not joiners
		if word == "src" && (e.peek(1) == "or" || e.peek(1) == "and") && e.peek(2) == "dst" {
			word = strings.Join(e.split[e.current:e.current+3], " ")
			e.current += 2
		}
		if direction, ok := directions[word]; ok {
			if p.direction != filterDirectionUnset || p.kind != filterKindUnset {
				return nil, syntaxErrorf("unexpected direction %q", word)
			}
			p.direction = direction
			e.next()
			continue
		}
		if protocol, ok := protocols[word]; ok {
			if p.protocol != filterProtocolUnset || p.direction != filterDirectionUnset {
				return nil, syntaxErrorf("unexpected protocol %q", word)
			}
			p.protocol = protocol
			e.next()
			continue
		}
		e.next()
		var err error
		switch word {
		case "host", "net", "port", "portrange":
			p.kind = kinds[word]
			if p.id, err = e.id(word); err != nil {
				return nil, err
			}
			if p.kind == filterKindNet && e.peek(0) == "mask" {
				e.next()
				if p.mask, err = e.id("mask"); err != nil {
					return nil, err
				}
			}
		case "proto":
			if p.direction != filterDirectionUnset {
				return nil, syntaxErrorf("direction applied to proto")
			}
			p.kind = filterKindProto
			if p.id, err = e.id(word); err != nil {
				return nil, err
			}
			// we will accept the protocol as "name" or "\name", because some get escaped
			p.id = strings.TrimLeft(p.id, "\\")
		case "less", "greater":
			if p.qualified() {
				return nil, syntaxErrorf("qualifier applied to %q", word)
			}
			p.kind = filterKindLess
			if word == "greater" {
				p.kind = filterKindGreater
			}
			if p.id, err = e.id(word); err != nil {
				return nil, err
			}
			return p, nil
		default:
			p.id = word
			switch {
			case !p.qualified() && e.last != nil:
				// identical qualifier lists can be omitted, e.g.
				// "tcp dst port ftp or ftp-data or domain"
				p.direction = e.last.direction
				p.kind = e.last.kind
				p.protocol = e.last.protocol
			case p.kind == filterKindUnset:
				p.kind = filterKindHost
			}
		}
		if p.kind != filterKindProto {
			e.last = p
		}
		return p, nil
	}

	switch {
	case p.direction != filterDirectionUnset:
		return nil, syntaxErrorf("direction without an address")
	case p.protocol == filterProtocolUnset:
		return nil, syntaxErrorf("expected a primitive")
	case p.protocol == filterProtocolEther:
		return nil, syntaxErrorf("'ether' must be followed by a qualifier")
	}
	return p, nil
}
