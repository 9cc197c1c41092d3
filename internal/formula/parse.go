package formula

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/efp"
)

// ErrEmpty is returned when there is no formula to parse.
var ErrEmpty = errors.New("formula: empty")

// SyntaxError describes a token stream the grammar cannot accept.
type SyntaxError struct {
	Pos   int
	Token string
	Msg   string
}

// Error implements the error interface.
func (e *SyntaxError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("formula: %s at token %d", e.Msg, e.Pos)
	}
	return fmt.Sprintf("formula: %s at token %d (%q)", e.Msg, e.Pos, e.Token)
}

// Infix binding powers. Comparison binds loosest; the reference operators
// (union and intersection) bind tightest.
var infixPrec = map[string]int{
	"=": 1, "<>": 1, "<": 1, ">": 1, "<=": 1, ">=": 1,
	"&": 2,
	"+": 3, "-": 3,
	"*": 4, "/": 4,
	"^": 5,
	",": 7, " ": 7,
}

// Parse tokenizes text with efp and builds its AST. A leading '=' is
// optional.
func Parse(text string) (*Node, error) {
	if IsEmpty(text) {
		return nil, ErrEmpty
	}
	ps := efp.ExcelParser()
	p := &parser{toks: ps.Parse(strings.TrimSpace(text))}
	if len(p.toks) == 0 {
		return nil, ErrEmpty
	}
	n, err := p.expr(1)
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, p.fail("unexpected trailing token")
	}
	return n, nil
}

// MustParse is Parse for literals in tests and tables; it panics on error.
func MustParse(text string) *Node {
	n, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return n
}

type parser struct {
	toks []efp.Token
	pos  int
}

func (p *parser) eof() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() efp.Token {
	if p.eof() {
		return efp.Token{}
	}
	return p.toks[p.pos]
}

func (p *parser) fail(msg string) error {
	return &SyntaxError{Pos: p.pos, Token: p.peek().TValue, Msg: msg}
}

func (p *parser) expr(minPrec int) (*Node, error) {
	lhs, err := p.unary()
	if err != nil {
		return nil, err
	}
	for !p.eof() {
		t := p.peek()
		if t.TType != efp.TokenTypeOperatorInfix {
			break
		}
		prec, ok := infixPrec[t.TValue]
		if !ok {
			return nil, p.fail("unknown operator")
		}
		if prec < minPrec {
			break
		}
		p.pos++
		rhs, err := p.expr(prec + 1)
		if err != nil {
			return nil, err
		}
		lhs = &Node{Kind: KindBinary, Op: t.TValue, Children: []*Node{lhs, rhs}}
	}
	return lhs, nil
}

func (p *parser) unary() (*Node, error) {
	if t := p.peek(); t.TType == efp.TokenTypeOperatorPrefix {
		p.pos++
		operand, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindUnary, Op: t.TValue, Children: []*Node{operand}}, nil
	}
	n, err := p.primary()
	if err != nil {
		return nil, err
	}
	for !p.eof() && p.peek().TType == efp.TokenTypeOperatorPostfix {
		n = &Node{Kind: KindPostfix, Op: p.peek().TValue, Children: []*Node{n}}
		p.pos++
	}
	return n, nil
}

func (p *parser) primary() (*Node, error) {
	if p.eof() {
		return nil, p.fail("unexpected end of formula")
	}
	t := p.peek()
	switch t.TType {
	case efp.TokenTypeOperand:
		p.pos++
		return operand(t)
	case efp.TokenTypeFunction:
		if t.TSubType != efp.TokenSubTypeStart {
			return nil, p.fail("unbalanced parenthesis")
		}
		p.pos++
		return p.call(strings.ToUpper(t.TValue))
	case efp.TokenTypeSubexpression:
		if t.TSubType != efp.TokenSubTypeStart {
			return nil, p.fail("unbalanced parenthesis")
		}
		p.pos++
		n, err := p.expr(1)
		if err != nil {
			return nil, err
		}
		if c := p.peek(); p.eof() || c.TType != efp.TokenTypeSubexpression || c.TSubType != efp.TokenSubTypeStop {
			return nil, p.fail("missing ')'")
		}
		p.pos++
		return n, nil
	}
	return nil, p.fail("unexpected token")
}

func (p *parser) call(name string) (*Node, error) {
	n := &Node{Kind: KindCall, Value: name}
	if p.closesCall() {
		p.pos++
		return n, nil
	}
	for {
		if p.eof() {
			return nil, p.fail("missing ')'")
		}
		var arg *Node
		if t := p.peek(); t.TType == efp.TokenTypeArgument || p.closesCall() {
			arg = &Node{Kind: KindEmpty}
		} else {
			var err error
			if arg, err = p.expr(1); err != nil {
				return nil, err
			}
		}
		n.Children = append(n.Children, arg)
		switch {
		case p.closesCall():
			p.pos++
			return n, nil
		case p.peek().TType == efp.TokenTypeArgument:
			p.pos++
		default:
			return nil, p.fail("expected ',' or ')'")
		}
	}
}

func (p *parser) closesCall() bool {
	t := p.peek()
	return !p.eof() && t.TType == efp.TokenTypeFunction && t.TSubType == efp.TokenSubTypeStop
}

func operand(t efp.Token) (*Node, error) {
	switch t.TSubType {
	case efp.TokenSubTypeNumber:
		f, err := strconv.ParseFloat(t.TValue, 64)
		if err != nil {
			return nil, &SyntaxError{Token: t.TValue, Msg: "bad number"}
		}
		return &Node{Kind: KindNumber, Value: strconv.FormatFloat(f, 'g', -1, 64)}, nil
	case efp.TokenSubTypeText:
		return &Node{Kind: KindText, Value: t.TValue}, nil
	case efp.TokenSubTypeLogical:
		return &Node{Kind: KindBool, Value: strings.ToUpper(t.TValue)}, nil
	case efp.TokenSubTypeError:
		return &Node{Kind: KindError, Value: strings.ToUpper(t.TValue)}, nil
	case efp.TokenSubTypeRange:
		v := strings.ToUpper(t.TValue)
		if v == "TRUE" || v == "FALSE" {
			return &Node{Kind: KindBool, Value: v}, nil
		}
		return &Node{Kind: KindRef, Value: v}, nil
	}
	return nil, &SyntaxError{Token: t.TValue, Msg: "unknown operand"}
}
