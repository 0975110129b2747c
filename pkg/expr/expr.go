// Package expr implements the guard expression language evaluated at
// workflow gateways. Expressions are parsed once at workflow declaration
// into an AST and evaluated against a name->scalar scope. The language is
// deliberately restricted to comparisons, arithmetic, and boolean
// operators; there are no function calls and no host access, and parse
// depth is bounded.
package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/burrowhq/burrow/pkg/types"
)

const maxDepth = 64

// Program is a compiled guard expression
type Program struct {
	src  string
	root node
}

// Source returns the original expression text
func (p *Program) Source() string { return p.src }

// Compile parses an expression into a Program
func Compile(src string) (*Program, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, fmt.Errorf("guard %q: %w", src, err)
	}
	p := &parser{toks: toks}
	root, err := p.parseExpr(0, 0)
	if err != nil {
		return nil, fmt.Errorf("guard %q: %w", src, err)
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("guard %q: unexpected trailing input %q", src, p.toks[p.pos].text)
	}
	return &Program{src: src, root: root}, nil
}

// EvalBool evaluates the program and requires a boolean result
func (p *Program) EvalBool(vars map[string]types.Scalar) (bool, error) {
	v, err := p.root.eval(vars)
	if err != nil {
		return false, fmt.Errorf("guard %q: %w", p.src, err)
	}
	if v.Kind != types.ScalarBool {
		return false, fmt.Errorf("guard %q: result is %s, not bool", p.src, v.Kind)
	}
	return v.Bool, nil
}

// Eval evaluates the program to a scalar
func (p *Program) Eval(vars map[string]types.Scalar) (types.Scalar, error) {
	return p.root.eval(vars)
}

// --- lexer ---

type tokKind int

const (
	tokIdent tokKind = iota
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '"' || c == '\'':
			quote := c
			j := i + 1
			var sb strings.Builder
			for j < len(src) && src[j] != quote {
				if src[j] == '\\' && j+1 < len(src) {
					j++
				}
				sb.WriteByte(src[j])
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string literal")
			}
			toks = append(toks, token{tokString, sb.String()})
			i = j + 1
		case c >= '0' && c <= '9':
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j]})
			i = j
		case isIdentStart(rune(c)):
			j := i
			for j < len(src) && isIdentPart(rune(src[j])) {
				j++
			}
			word := src[i:j]
			switch word {
			case "and", "or", "not":
				toks = append(toks, token{tokOp, word})
			default:
				toks = append(toks, token{tokIdent, word})
			}
			i = j
		default:
			op := matchOp(src[i:])
			if op == "" {
				return nil, fmt.Errorf("unexpected character %q", string(c))
			}
			toks = append(toks, token{tokOp, op})
			i += len(op)
		}
	}
	return toks, nil
}

// matchOp matches the longest operator at the start of s
func matchOp(s string) string {
	for _, op := range []string{"==", "!=", "<=", ">=", "&&", "||"} {
		if strings.HasPrefix(s, op) {
			return op
		}
	}
	switch s[0] {
	case '<', '>', '+', '-', '*', '/', '%', '!':
		return s[:1]
	}
	return ""
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.'
}

// --- parser (precedence climbing) ---

type parser struct {
	toks []token
	pos  int
}

// binding powers, higher binds tighter
func binaryPower(op string) int {
	switch op {
	case "or", "||":
		return 1
	case "and", "&&":
		return 2
	case "==", "!=", "<", "<=", ">", ">=":
		return 3
	case "+", "-":
		return 4
	case "*", "/", "%":
		return 5
	}
	return 0
}

func (p *parser) peek() (token, bool) {
	if p.pos < len(p.toks) {
		return p.toks[p.pos], true
	}
	return token{}, false
}

func (p *parser) parseExpr(minPower, depth int) (node, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("expression nests too deeply")
	}

	lhs, err := p.parsePrefix(depth)
	if err != nil {
		return nil, err
	}

	for {
		tok, ok := p.peek()
		if !ok || tok.kind != tokOp {
			break
		}
		power := binaryPower(tok.text)
		if power == 0 || power < minPower {
			break
		}
		p.pos++
		rhs, err := p.parseExpr(power+1, depth+1)
		if err != nil {
			return nil, err
		}
		lhs = &binaryNode{op: tok.text, left: lhs, right: rhs}
	}
	return lhs, nil
}

func (p *parser) parsePrefix(depth int) (node, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("expression nests too deeply")
	}

	tok, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	p.pos++

	switch tok.kind {
	case tokNumber:
		if strings.Contains(tok.text, ".") {
			f, err := strconv.ParseFloat(tok.text, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", tok.text)
			}
			return &literalNode{val: types.Float(f)}, nil
		}
		n, err := strconv.ParseInt(tok.text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", tok.text)
		}
		return &literalNode{val: types.Int(n)}, nil
	case tokString:
		return &literalNode{val: types.String(tok.text)}, nil
	case tokIdent:
		switch tok.text {
		case "true":
			return &literalNode{val: types.Bool(true)}, nil
		case "false":
			return &literalNode{val: types.Bool(false)}, nil
		}
		return &identNode{name: tok.text}, nil
	case tokLParen:
		inner, err := p.parseExpr(0, depth+1)
		if err != nil {
			return nil, err
		}
		next, ok := p.peek()
		if !ok || next.kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	case tokOp:
		switch tok.text {
		case "not", "!":
			operand, err := p.parsePrefix(depth + 1)
			if err != nil {
				return nil, err
			}
			return &notNode{operand: operand}, nil
		case "-":
			operand, err := p.parsePrefix(depth + 1)
			if err != nil {
				return nil, err
			}
			return &negNode{operand: operand}, nil
		}
	}
	return nil, fmt.Errorf("unexpected token %q", tok.text)
}

// --- AST ---

type node interface {
	eval(vars map[string]types.Scalar) (types.Scalar, error)
}

type literalNode struct {
	val types.Scalar
}

func (n *literalNode) eval(map[string]types.Scalar) (types.Scalar, error) {
	return n.val, nil
}

type identNode struct {
	name string
}

func (n *identNode) eval(vars map[string]types.Scalar) (types.Scalar, error) {
	v, ok := vars[n.name]
	if !ok {
		return types.Scalar{}, fmt.Errorf("unknown variable %q", n.name)
	}
	return v, nil
}

type notNode struct {
	operand node
}

func (n *notNode) eval(vars map[string]types.Scalar) (types.Scalar, error) {
	v, err := n.operand.eval(vars)
	if err != nil {
		return types.Scalar{}, err
	}
	if v.Kind != types.ScalarBool {
		return types.Scalar{}, fmt.Errorf("not requires a bool, got %s", v.Kind)
	}
	return types.Bool(!v.Bool), nil
}

type negNode struct {
	operand node
}

func (n *negNode) eval(vars map[string]types.Scalar) (types.Scalar, error) {
	v, err := n.operand.eval(vars)
	if err != nil {
		return types.Scalar{}, err
	}
	switch v.Kind {
	case types.ScalarInt:
		return types.Int(-v.Int), nil
	case types.ScalarFloat:
		return types.Float(-v.Float), nil
	}
	return types.Scalar{}, fmt.Errorf("cannot negate %s", v.Kind)
}

type binaryNode struct {
	op          string
	left, right node
}

func (n *binaryNode) eval(vars map[string]types.Scalar) (types.Scalar, error) {
	switch n.op {
	case "and", "&&":
		l, err := evalBool(n.left, vars)
		if err != nil {
			return types.Scalar{}, err
		}
		if !l {
			return types.Bool(false), nil
		}
		r, err := evalBool(n.right, vars)
		if err != nil {
			return types.Scalar{}, err
		}
		return types.Bool(r), nil
	case "or", "||":
		l, err := evalBool(n.left, vars)
		if err != nil {
			return types.Scalar{}, err
		}
		if l {
			return types.Bool(true), nil
		}
		r, err := evalBool(n.right, vars)
		if err != nil {
			return types.Scalar{}, err
		}
		return types.Bool(r), nil
	}

	l, err := n.left.eval(vars)
	if err != nil {
		return types.Scalar{}, err
	}
	r, err := n.right.eval(vars)
	if err != nil {
		return types.Scalar{}, err
	}

	switch n.op {
	case "==":
		eq, err := compareEqual(l, r)
		if err != nil {
			return types.Scalar{}, err
		}
		return types.Bool(eq), nil
	case "!=":
		eq, err := compareEqual(l, r)
		if err != nil {
			return types.Scalar{}, err
		}
		return types.Bool(!eq), nil
	case "<", "<=", ">", ">=":
		c, err := compareOrder(l, r)
		if err != nil {
			return types.Scalar{}, err
		}
		switch n.op {
		case "<":
			return types.Bool(c < 0), nil
		case "<=":
			return types.Bool(c <= 0), nil
		case ">":
			return types.Bool(c > 0), nil
		default:
			return types.Bool(c >= 0), nil
		}
	case "+", "-", "*", "/", "%":
		return arith(n.op, l, r)
	}
	return types.Scalar{}, fmt.Errorf("unknown operator %q", n.op)
}

func evalBool(n node, vars map[string]types.Scalar) (bool, error) {
	v, err := n.eval(vars)
	if err != nil {
		return false, err
	}
	if v.Kind != types.ScalarBool {
		return false, fmt.Errorf("boolean operator requires bool operands, got %s", v.Kind)
	}
	return v.Bool, nil
}

func numeric(v types.Scalar) (float64, bool) {
	switch v.Kind {
	case types.ScalarInt:
		return float64(v.Int), true
	case types.ScalarFloat:
		return v.Float, true
	}
	return 0, false
}

func compareEqual(l, r types.Scalar) (bool, error) {
	if lf, ok := numeric(l); ok {
		if rf, rok := numeric(r); rok {
			return lf == rf, nil
		}
	}
	if l.Kind != r.Kind {
		return false, fmt.Errorf("cannot compare %s with %s", l.Kind, r.Kind)
	}
	return l.Equal(r), nil
}

func compareOrder(l, r types.Scalar) (int, error) {
	if lf, lok := numeric(l); lok {
		if rf, rok := numeric(r); rok {
			switch {
			case lf < rf:
				return -1, nil
			case lf > rf:
				return 1, nil
			}
			return 0, nil
		}
	}
	if l.Kind == types.ScalarString && r.Kind == types.ScalarString {
		return strings.Compare(l.Str, r.Str), nil
	}
	if l.Kind == types.ScalarTimestamp && r.Kind == types.ScalarTimestamp {
		switch {
		case l.Time.Before(r.Time):
			return -1, nil
		case l.Time.After(r.Time):
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("cannot order %s against %s", l.Kind, r.Kind)
}

func arith(op string, l, r types.Scalar) (types.Scalar, error) {
	if op == "+" && l.Kind == types.ScalarString && r.Kind == types.ScalarString {
		return types.String(l.Str + r.Str), nil
	}

	// Integer arithmetic stays integral
	if l.Kind == types.ScalarInt && r.Kind == types.ScalarInt {
		a, b := l.Int, r.Int
		switch op {
		case "+":
			return types.Int(a + b), nil
		case "-":
			return types.Int(a - b), nil
		case "*":
			return types.Int(a * b), nil
		case "/":
			if b == 0 {
				return types.Scalar{}, fmt.Errorf("division by zero")
			}
			return types.Int(a / b), nil
		case "%":
			if b == 0 {
				return types.Scalar{}, fmt.Errorf("division by zero")
			}
			return types.Int(a % b), nil
		}
	}

	lf, lok := numeric(l)
	rf, rok := numeric(r)
	if !lok || !rok {
		return types.Scalar{}, fmt.Errorf("arithmetic requires numbers, got %s and %s", l.Kind, r.Kind)
	}
	switch op {
	case "+":
		return types.Float(lf + rf), nil
	case "-":
		return types.Float(lf - rf), nil
	case "*":
		return types.Float(lf * rf), nil
	case "/":
		if rf == 0 {
			return types.Scalar{}, fmt.Errorf("division by zero")
		}
		return types.Float(lf / rf), nil
	}
	return types.Scalar{}, fmt.Errorf("operator %q not defined for floats", op)
}
