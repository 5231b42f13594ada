// Package expr implements the small boolean expression language used for
// edge conditions, conditional nodes, and journey stage entry criteria.
//
// Supported syntax:
//
//	comparisons:  ==  !=  >  <  >=  <=
//	logic:        &&  ||  !
//	literals:     numbers, "strings", true, false, null
//	fields:       dot-notation lookup into the variable map (a.b.c)
//	grouping:     ( ... )
//
// An empty expression evaluates to false. Missing fields resolve to nil and
// compare as less than any non-nil value.
package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Eval evaluates expression against vars and coerces the result to a boolean.
func Eval(expression string, vars map[string]any) (bool, error) {
	v, err := Value(expression, vars)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// Value evaluates expression against vars and returns the raw result.
func Value(expression string, vars map[string]any) (any, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return false, nil
	}
	s := &scanner{src: []rune(expression)}
	toks, err := s.scan()
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, vars: vars}
	v, err := p.or()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, fmt.Errorf("trailing input at %q", p.toks[p.pos].text)
	}
	return v, nil
}

type tokKind int

const (
	tokNum tokKind = iota
	tokStr
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type tok struct {
	kind tokKind
	text string
}

type scanner struct {
	src []rune
	pos int
}

func (s *scanner) scan() ([]tok, error) {
	var out []tok
	for s.pos < len(s.src) {
		ch := s.src[s.pos]
		switch {
		case unicode.IsSpace(ch):
			s.pos++
		case ch == '(':
			out = append(out, tok{tokLParen, "("})
			s.pos++
		case ch == ')':
			out = append(out, tok{tokRParen, ")"})
			s.pos++
		case ch == '"' || ch == '\'':
			lit, err := s.stringLit(ch)
			if err != nil {
				return nil, err
			}
			out = append(out, tok{tokStr, lit})
		case strings.ContainsRune("=!<>&|", ch):
			op, err := s.operator()
			if err != nil {
				return nil, err
			}
			out = append(out, tok{tokOp, op})
		case unicode.IsDigit(ch), ch == '-' && s.negStart(out):
			out = append(out, tok{tokNum, s.number()})
		case unicode.IsLetter(ch) || ch == '_':
			out = append(out, tok{tokIdent, s.ident()})
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", string(ch), s.pos)
		}
	}
	return out, nil
}

func (s *scanner) stringLit(quote rune) (string, error) {
	start := s.pos
	s.pos++
	var b strings.Builder
	for s.pos < len(s.src) {
		ch := s.src[s.pos]
		if ch == '\\' && s.pos+1 < len(s.src) {
			b.WriteRune(s.src[s.pos+1])
			s.pos += 2
			continue
		}
		if ch == quote {
			s.pos++
			return b.String(), nil
		}
		b.WriteRune(ch)
		s.pos++
	}
	return "", fmt.Errorf("unterminated string at offset %d", start)
}

func (s *scanner) operator() (string, error) {
	if s.pos+1 < len(s.src) {
		two := string(s.src[s.pos : s.pos+2])
		switch two {
		case "==", "!=", ">=", "<=", "&&", "||":
			s.pos += 2
			return two, nil
		}
	}
	one := string(s.src[s.pos])
	switch one {
	case ">", "<", "!":
		s.pos++
		return one, nil
	}
	return "", fmt.Errorf("invalid operator %q at offset %d", one, s.pos)
}

func (s *scanner) number() string {
	start := s.pos
	if s.src[s.pos] == '-' {
		s.pos++
	}
	for s.pos < len(s.src) && (unicode.IsDigit(s.src[s.pos]) || s.src[s.pos] == '.') {
		s.pos++
	}
	return string(s.src[start:s.pos])
}

func (s *scanner) ident() string {
	start := s.pos
	for s.pos < len(s.src) {
		ch := s.src[s.pos]
		if !unicode.IsLetter(ch) && !unicode.IsDigit(ch) && ch != '_' && ch != '.' {
			break
		}
		s.pos++
	}
	return string(s.src[start:s.pos])
}

// negStart reports whether a '-' at the current position begins a negative
// number literal: at expression start, or right after an operator or '('.
func (s *scanner) negStart(emitted []tok) bool {
	if s.pos+1 >= len(s.src) || !unicode.IsDigit(s.src[s.pos+1]) {
		return false
	}
	if len(emitted) == 0 {
		return true
	}
	last := emitted[len(emitted)-1]
	return last.kind == tokOp || last.kind == tokLParen
}

type parser struct {
	toks []tok
	pos  int
	vars map[string]any
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) match(kind tokKind, text string) bool {
	if p.done() {
		return false
	}
	t := p.toks[p.pos]
	if t.kind == kind && (text == "" || t.text == text) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) or() (any, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.match(tokOp, "||") {
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *parser) and() (any, error) {
	left, err := p.comparison()
	if err != nil {
		return nil, err
	}
	for p.match(tokOp, "&&") {
		right, err := p.comparison()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *parser) comparison() (any, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	if p.done() || p.toks[p.pos].kind != tokOp {
		return left, nil
	}
	op := p.toks[p.pos].text
	switch op {
	case "==", "!=", ">", "<", ">=", "<=":
		p.pos++
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		return compare(left, op, right), nil
	}
	return left, nil
}

func (p *parser) unary() (any, error) {
	if p.match(tokOp, "!") {
		v, err := p.unary()
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return p.primary()
}

func (p *parser) primary() (any, error) {
	if p.done() {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	t := p.toks[p.pos]
	switch t.kind {
	case tokNum:
		p.pos++
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", t.text, err)
		}
		return f, nil
	case tokStr:
		p.pos++
		return t.text, nil
	case tokIdent:
		p.pos++
		switch t.text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null", "nil":
			return nil, nil
		}
		return lookup(t.text, p.vars), nil
	case tokLParen:
		p.pos++
		v, err := p.or()
		if err != nil {
			return nil, err
		}
		if !p.match(tokRParen, "") {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return v, nil
	}
	return nil, fmt.Errorf("unexpected token %q", t.text)
}

// lookup resolves a dotted field path against the variable map.
func lookup(path string, vars map[string]any) any {
	var cur any = vars
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	default:
		return nil, false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}

// compare applies a comparison operator. Numeric comparison is attempted
// first; otherwise both sides are compared as strings. nil orders below
// every non-nil value.
func compare(left any, op string, right any) bool {
	if left == nil || right == nil {
		switch op {
		case "==":
			return left == right
		case "!=":
			return left != right
		case "<", "<=":
			return left == nil && right != nil || (op == "<=" && left == nil && right == nil)
		case ">", ">=":
			return right == nil && left != nil || (op == ">=" && left == nil && right == nil)
		}
		return false
	}

	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case ">":
			return lf > rf
		case "<":
			return lf < rf
		case ">=":
			return lf >= rf
		case "<=":
			return lf <= rf
		}
	}

	ls, rs := fmt.Sprintf("%v", left), fmt.Sprintf("%v", right)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case ">":
		return ls > rs
	case "<":
		return ls < rs
	case ">=":
		return ls >= rs
	case "<=":
		return ls <= rs
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case json64:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// json64 lets values decoded with json.Number compare numerically.
type json64 interface{ Float64() (float64, error) }
