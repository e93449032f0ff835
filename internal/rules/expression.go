// Package rules compiles operator-defined window expressions such as
//
//	inbound_total == 0 AND outbound_total >= 5000
//
// into predicates. Field names are checked at compile time, so a compiled
// rule cannot fail during evaluation.
package rules

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Window is the view of a WindowUpdate that expressions can read.
type Window struct {
	InboundTotal  float64
	OutboundTotal float64
	NetChange     float64
	Ratio         float64
	EventCount    int
}

// Predicate reports whether a window matches.
type Predicate func(w Window) bool

type operand func(w Window) float64

var fields = map[string]operand{
	"inbound_total":  func(w Window) float64 { return w.InboundTotal },
	"outbound_total": func(w Window) float64 { return w.OutboundTotal },
	"net_change":     func(w Window) float64 { return w.NetChange },
	"ratio":          func(w Window) float64 { return w.Ratio },
	"event_count":    func(w Window) float64 { return float64(w.EventCount) },
}

// Fields lists the names expressions may reference.
func Fields() []string {
	return []string{"inbound_total", "outbound_total", "net_change", "ratio", "event_count"}
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokCmp
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokenKind
	val  string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	for i := 0; i < len(src); {
		ch := src[i]
		switch {
		case unicode.IsSpace(rune(ch)):
			i++
		case ch == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case ch == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case strings.ContainsRune("=!<>", rune(ch)):
			op := string(ch)
			if i+1 < len(src) && src[i+1] == '=' {
				op += "="
			}
			if op == "=" || op == "!" {
				return nil, fmt.Errorf("unexpected %q at position %d", op, i)
			}
			toks = append(toks, token{tokCmp, op, i})
			i += len(op)
		case unicode.IsDigit(rune(ch)) || ch == '.' || (ch == '-' && i+1 < len(src) && (unicode.IsDigit(rune(src[i+1])) || src[i+1] == '.')):
			j := i + 1
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j], i})
			i = j
		case unicode.IsLetter(rune(ch)) || ch == '_':
			j := i + 1
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_') {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j], i})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", ch, i)
		}
	}
	return append(toks, token{tokEOF, "", len(src)}), nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.val, kw) {
		p.pos++
		return true
	}
	return false
}

// Compile parses src into a Predicate.
//
//	expr    = and { "OR" and }
//	and     = unary { "AND" unary }
//	unary   = "NOT" unary | "(" expr ")" | compare
//	compare = value ( "==" | "!=" | ">" | ">=" | "<" | "<=" ) value
//	value   = field | number
func Compile(src string) (Predicate, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	pred, err := p.or()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at position %d", t.val, t.pos)
	}
	return pred, nil
}

func (p *parser) or() (Predicate, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		l := left
		left = func(w Window) bool { return l(w) || right(w) }
	}
	return left, nil
}

func (p *parser) and() (Predicate, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		l := left
		left = func(w Window) bool { return l(w) && right(w) }
	}
	return left, nil
}

func (p *parser) unary() (Predicate, error) {
	if p.keyword("NOT") {
		inner, err := p.unary()
		if err != nil {
			return nil, err
		}
		return func(w Window) bool { return !inner(w) }, nil
	}
	if p.peek().kind == tokLParen {
		p.next()
		inner, err := p.or()
		if err != nil {
			return nil, err
		}
		if t := p.next(); t.kind != tokRParen {
			return nil, fmt.Errorf("expected \")\" at position %d, got %q", t.pos, t.val)
		}
		return inner, nil
	}
	return p.compare()
}

func (p *parser) compare() (Predicate, error) {
	left, err := p.value()
	if err != nil {
		return nil, err
	}
	t := p.next()
	if t.kind != tokCmp {
		return nil, fmt.Errorf("expected comparison operator at position %d, got %q", t.pos, t.val)
	}
	right, err := p.value()
	if err != nil {
		return nil, err
	}
	switch t.val {
	case "==":
		return func(w Window) bool { return left(w) == right(w) }, nil
	case "!=":
		return func(w Window) bool { return left(w) != right(w) }, nil
	case ">":
		return func(w Window) bool { return left(w) > right(w) }, nil
	case ">=":
		return func(w Window) bool { return left(w) >= right(w) }, nil
	case "<":
		return func(w Window) bool { return left(w) < right(w) }, nil
	case "<=":
		return func(w Window) bool { return left(w) <= right(w) }, nil
	}
	return nil, fmt.Errorf("unknown operator %q", t.val)
}

func (p *parser) value() (operand, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(t.val, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at position %d", t.val, t.pos)
		}
		return func(Window) float64 { return f }, nil
	case tokIdent:
		fn, ok := fields[strings.ToLower(t.val)]
		if !ok {
			return nil, fmt.Errorf("unknown field %q at position %d (known: %s)", t.val, t.pos, strings.Join(Fields(), ", "))
		}
		return fn, nil
	}
	if t.kind == tokEOF {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("expected field or number at position %d, got %q", t.pos, t.val)
}
