package glpp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// evalCondition evaluates the controlling expression of #if and #elif.
func (pp *Preprocessor) evalCondition(toks []Token) (bool, error) {
	toks = pp.replaceDefined(toks)
	toks = pp.expand(toks)
	operands := toks[:0:0]
	for _, t := range toks {
		if !t.IsSpace() {
			operands = append(operands, t)
		}
	}
	if len(operands) == 0 {
		return false, errors.New("#if with no expression")
	}
	e := exprParser{toks: operands}
	v, err := e.parseTernary()
	if err != nil {
		return false, err
	}
	if e.pos != len(e.toks) {
		return false, fmt.Errorf("unexpected token %q in #if expression", e.toks[e.pos].Text)
	}
	return v != 0, nil
}

// replaceDefined substitutes defined(X) and defined X by 1 or 0 before expansion.
func (pp *Preprocessor) replaceDefined(toks []Token) []Token {
	res := make([]Token, 0, len(toks))
	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		if tok.Kind != KindIdent || tok.Text != "defined" {
			res = append(res, tok)
			continue
		}
		j := nextNonSpace(toks, i+1)
		paren := j < len(toks) && toks[j].is("(")
		if paren {
			j = nextNonSpace(toks, j+1)
		}
		if j == len(toks) || toks[j].Kind != KindIdent {
			pp.errorf(tok.Source, tok.Line, "operator \"defined\" requires an identifier")
			res = append(res, number(0, tok))
			continue
		}
		name := toks[j].Text
		if paren {
			j = nextNonSpace(toks, j+1)
			if j == len(toks) || !toks[j].is(")") {
				pp.errorf(tok.Source, tok.Line, "missing ')' after \"defined\"")
				j--
			}
		}
		v := int64(0)
		if pp.IsDefined(name) {
			v = 1
		}
		res = append(res, number(v, tok))
		i = j
	}
	return res
}

func number(v int64, at Token) Token {
	return Token{Kind: KindNumber, Text: strconv.FormatInt(v, 10), Source: at.Source, Line: at.Line}
}

type exprParser struct {
	toks []Token
	pos  int
}

var binaryPrecedence = map[string]int{
	"||": 1,
	"&&": 2,
	"|":  3,
	"^":  4,
	"&":  5,
	"==": 6, "!=": 6,
	"<": 7, "<=": 7, ">": 7, ">=": 7,
	"<<": 8, ">>": 8,
	"+": 9, "-": 9,
	"*": 10, "/": 10, "%": 10,
}

func (e *exprParser) peek() (Token, bool) {
	if e.pos >= len(e.toks) {
		return Token{}, false
	}
	return e.toks[e.pos], true
}

func (e *exprParser) parseTernary() (int64, error) {
	cond, err := e.parseBinary(1)
	if err != nil {
		return 0, err
	}
	tok, ok := e.peek()
	if !ok || !tok.is("?") {
		return cond, nil
	}
	e.pos++
	a, err := e.parseTernary()
	if err != nil {
		return 0, err
	}
	tok, ok = e.peek()
	if !ok || !tok.is(":") {
		return 0, errors.New("expected ':' in conditional expression")
	}
	e.pos++
	b, err := e.parseTernary()
	if err != nil {
		return 0, err
	}
	if cond != 0 {
		return a, nil
	}
	return b, nil
}

func (e *exprParser) parseBinary(minPrec int) (int64, error) {
	lhs, err := e.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		tok, ok := e.peek()
		if !ok || tok.Kind != KindPunct {
			return lhs, nil
		}
		prec, isBinary := binaryPrecedence[tok.Text]
		if !isBinary || prec < minPrec {
			return lhs, nil
		}
		e.pos++
		rhs, err := e.parseBinary(prec + 1)
		if err != nil {
			return 0, err
		}
		lhs, err = applyBinary(tok.Text, lhs, rhs)
		if err != nil {
			return 0, err
		}
	}
}

func applyBinary(op string, a, b int64) (int64, error) {
	switch op {
	case "||":
		return b2i(a != 0 || b != 0), nil
	case "&&":
		return b2i(a != 0 && b != 0), nil
	case "|":
		return a | b, nil
	case "^":
		return a ^ b, nil
	case "&":
		return a & b, nil
	case "==":
		return b2i(a == b), nil
	case "!=":
		return b2i(a != b), nil
	case "<":
		return b2i(a < b), nil
	case "<=":
		return b2i(a <= b), nil
	case ">":
		return b2i(a > b), nil
	case ">=":
		return b2i(a >= b), nil
	case "<<":
		return a << uint64(b&63), nil
	case ">>":
		return a >> uint64(b&63), nil
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/", "%":
		if b == 0 {
			return 0, errors.New("division by zero in #if expression")
		}
		if op == "/" {
			return a / b, nil
		}
		return a % b, nil
	}
	return 0, fmt.Errorf("unknown operator %q", op)
}

func (e *exprParser) parseUnary() (int64, error) {
	tok, ok := e.peek()
	if !ok {
		return 0, errors.New("unexpected end of #if expression")
	}
	switch {
	case tok.is("!"), tok.is("~"), tok.is("-"), tok.is("+"):
		e.pos++
		v, err := e.parseUnary()
		if err != nil {
			return 0, err
		}
		switch tok.Text {
		case "!":
			return b2i(v == 0), nil
		case "~":
			return ^v, nil
		case "-":
			return -v, nil
		}
		return v, nil
	case tok.is("("):
		e.pos++
		v, err := e.parseTernary()
		if err != nil {
			return 0, err
		}
		tok, ok = e.peek()
		if !ok || !tok.is(")") {
			return 0, errors.New("missing ')' in #if expression")
		}
		e.pos++
		return v, nil
	case tok.Kind == KindNumber:
		e.pos++
		return parseInteger(tok.Text)
	case tok.Kind == KindChar:
		e.pos++
		s, err := strconv.Unquote(tok.Text)
		if err != nil || len(s) == 0 {
			return 0, fmt.Errorf("invalid character constant %s", tok.Text)
		}
		return int64(s[0]), nil
	case tok.Kind == KindIdent:
		// Identifiers remaining after expansion evaluate to zero.
		e.pos++
		return 0, nil
	}
	return 0, fmt.Errorf("unexpected token %q in #if expression", tok.Text)
}

func parseInteger(s string) (int64, error) {
	lit := strings.TrimRight(s, "uUlL")
	v, err := strconv.ParseInt(lit, 0, 64)
	if err != nil {
		u, uerr := strconv.ParseUint(lit, 0, 64)
		if uerr != nil {
			return 0, fmt.Errorf("invalid integer constant %q in #if expression", s)
		}
		v = int64(u)
	}
	return v, nil
}

func b2i(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
