package glpp

import (
	"fmt"
	"strings"
)

// hideset is the set of macro names a token may no longer be expanded by.
// Expanding a macro adds its name to the hidesets of the resulting tokens
// which guarantees termination of recursive definitions.
type hideset struct {
	name string
	next *hideset
}

func (hs *hideset) contains(name string) bool {
	for ; hs != nil; hs = hs.next {
		if hs.name == name {
			return true
		}
	}
	return false
}

func (hs *hideset) add(name string) *hideset {
	if hs.contains(name) {
		return hs
	}
	return &hideset{name: name, next: hs}
}

func (hs *hideset) union(other *hideset) *hideset {
	result := hs
	for ; other != nil; other = other.next {
		result = result.add(other.name)
	}
	return result
}

func (hs *hideset) intersect(other *hideset) *hideset {
	var result *hideset
	for ; hs != nil; hs = hs.next {
		if other.contains(hs.name) {
			result = &hideset{name: hs.name, next: result}
		}
	}
	return result
}

type macro struct {
	name     string
	funcLike bool
	params   []string
	// variadic is set when the last parameter collects the remaining arguments.
	variadic bool
	body     []Token
	builtin  func(at Token) Token
}

func (m *macro) paramIndex(name string) int {
	for i, p := range m.params {
		if p == name {
			return i
		}
	}
	return -1
}

// parseDefine parses the tokens following a #define directive.
func parseDefine(toks []Token) (*macro, error) {
	i := nextNonSpace(toks, 0)
	if i == len(toks) || toks[i].Kind != KindIdent {
		return nil, fmt.Errorf("macro name missing in #define")
	}
	m := &macro{name: toks[i].Text}
	i++
	if i < len(toks) && toks[i].is("(") {
		// Function-like only when the parenthesis immediately follows the name.
		m.funcLike = true
		i++
		for {
			i = nextNonSpace(toks, i)
			if i == len(toks) {
				return nil, fmt.Errorf("unterminated parameter list in definition of %s", m.name)
			}
			tok := toks[i]
			switch {
			case tok.is(")") && len(m.params) == 0:
			case tok.is("..."):
				m.params = append(m.params, "__VA_ARGS__")
				m.variadic = true
				i++
			case tok.Kind == KindIdent:
				if m.paramIndex(tok.Text) >= 0 {
					return nil, fmt.Errorf("duplicate macro parameter %q in definition of %s", tok.Text, m.name)
				}
				m.params = append(m.params, tok.Text)
				i++
				if j := nextNonSpace(toks, i); j < len(toks) && toks[j].is("...") {
					m.variadic = true
					i = j + 1
				}
			default:
				return nil, fmt.Errorf("invalid token %q in parameter list of %s", tok.Text, m.name)
			}
			i = nextNonSpace(toks, i)
			if i == len(toks) {
				return nil, fmt.Errorf("unterminated parameter list in definition of %s", m.name)
			} else if toks[i].is(")") {
				i++
				break
			} else if !toks[i].is(",") || m.variadic {
				return nil, fmt.Errorf("expected ',' or ')' in parameter list of %s, got %q", m.name, toks[i].Text)
			}
			i++
		}
	}
	m.body = cleanBody(toks[i:])
	return m, nil
}

// cleanBody trims the replacement list and removes whitespace around
// token pasting operators. Comments inside the body become single spaces.
func cleanBody(toks []Token) []Token {
	toks = trimSpace(toks)
	body := make([]Token, 0, len(toks))
	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		if tok.is("##") {
			for len(body) > 0 && body[len(body)-1].IsSpace() {
				body = body[:len(body)-1]
			}
			body = append(body, tok)
			i = nextNonSpace(toks, i+1) - 1
			continue
		}
		if tok.Kind == KindComment {
			tok.Kind, tok.Text = KindSpace, " "
		}
		body = append(body, tok)
	}
	return body
}

// expand fully macro-expands toks. Function-like invocations must be
// complete within toks.
func (pp *Preprocessor) expand(toks []Token) []Token {
	out := make([]Token, 0, len(toks))
	in := toks
	for len(in) > 0 {
		tok := in[0]
		if tok.Kind != KindIdent || tok.hide.contains(tok.Text) {
			out = append(out, tok)
			in = in[1:]
			continue
		}
		m := pp.macros[tok.Text]
		if m == nil {
			out = append(out, tok)
			in = in[1:]
			continue
		}
		if m.builtin != nil {
			out = append(out, m.builtin(tok))
			in = in[1:]
			continue
		}
		if !m.funcLike {
			body := relocate(m.body, tok, tok.hide.add(m.name))
			in = append(body, in[1:]...)
			continue
		}
		open := nextNonSpace(in, 1)
		if open == len(in) || !in[open].is("(") {
			// Not an invocation, treat as a normal identifier.
			out = append(out, tok)
			in = in[1:]
			continue
		}
		args, end, err := readArgs(in, open, m)
		if err != nil {
			pp.errorf(tok.Source, tok.Line, "%v", err)
			out = append(out, tok)
			in = in[1:]
			continue
		}
		hs := tok.hide.intersect(in[end].hide).add(m.name)
		body := pp.subst(m, args, tok)
		body = relocate(body, tok, hs)
		in = append(body, in[end+1:]...)
	}
	return out
}

// relocate copies body attributing every token to the invocation site at.
func relocate(body []Token, at Token, hs *hideset) []Token {
	res := make([]Token, len(body))
	for i, t := range body {
		t.Source = at.Source
		t.Line = at.Line
		t.hide = t.hide.union(hs)
		res[i] = t
	}
	return res
}

// readArgs reads the arguments of a function-like macro invocation whose
// opening parenthesis is at in[open]. It returns the index of the closing parenthesis.
func readArgs(in []Token, open int, m *macro) (args [][]Token, end int, err error) {
	depth := 0
	var cur []Token
	for i := open + 1; i < len(in); i++ {
		tok := in[i]
		switch {
		case tok.is("("):
			depth++
		case tok.is(")") && depth > 0:
			depth--
		case tok.is(")"):
			args = append(args, trimSpace(cur))
			if len(m.params) == 0 && len(args) == 1 && len(args[0]) == 0 {
				args = nil
			}
			if m.variadic && len(args) == len(m.params)-1 {
				args = append(args, nil)
			}
			if len(args) != len(m.params) {
				return nil, 0, fmt.Errorf("macro %s expects %d arguments, got %d", m.name, len(m.params), len(args))
			}
			return args, i, nil
		case tok.is(",") && depth == 0 && !(m.variadic && len(args) == len(m.params)-1):
			args = append(args, trimSpace(cur))
			cur = nil
			continue
		}
		if tok.Kind == KindNewline || tok.Kind == KindComment {
			tok.Kind, tok.Text = KindSpace, " "
		}
		cur = append(cur, tok)
	}
	return nil, 0, fmt.Errorf("unterminated invocation of macro %s", m.name)
}

// subst replaces parameters in the body of m with arguments. Arguments are
// fully expanded unless they are operands of # or ##.
func (pp *Preprocessor) subst(m *macro, args [][]Token, at Token) []Token {
	body := m.body
	res := make([]Token, 0, len(body))
	expanded := make([][]Token, len(args))
	for i := 0; i < len(body); i++ {
		tok := body[i]
		if tok.is("#") {
			j := nextNonSpace(body, i+1)
			if j < len(body) && body[j].Kind == KindIdent {
				if p := m.paramIndex(body[j].Text); p >= 0 {
					res = append(res, stringize(args[p], at))
					i = j
					continue
				}
			}
			pp.errorf(at.Source, at.Line, "'#' is not followed by a macro parameter in %s", m.name)
			res = append(res, tok)
			continue
		}
		if tok.is("##") && i+1 < len(body) {
			rhs := body[i+1]
			i++
			var rhsToks []Token
			if p := m.paramIndex(rhs.Text); p >= 0 && rhs.Kind == KindIdent {
				rhsToks = args[p]
				if len(rhsToks) == 0 && len(res) > 0 && res[len(res)-1].is(",") && m.variadic && p == len(m.params)-1 {
					// Swallow the comma before an empty variadic argument.
					res = res[:len(res)-1]
					continue
				}
			} else {
				rhsToks = []Token{rhs}
			}
			if len(rhsToks) == 0 {
				continue
			}
			if len(res) == 0 {
				res = append(res, rhsToks...)
				continue
			}
			lhs := res[len(res)-1]
			pasted, err := paste(lhs, rhsToks[0])
			if err != nil {
				pp.errorf(at.Source, at.Line, "%v", err)
			}
			res = append(res[:len(res)-1], pasted...)
			res = append(res, rhsToks[1:]...)
			continue
		}
		if tok.Kind == KindIdent {
			if p := m.paramIndex(tok.Text); p >= 0 {
				if i+1 < len(body) && body[i+1].is("##") {
					res = append(res, args[p]...)
					continue
				}
				if expanded[p] == nil {
					expanded[p] = pp.expand(args[p])
				}
				res = append(res, expanded[p]...)
				continue
			}
		}
		res = append(res, tok)
	}
	return res
}

func stringize(arg []Token, at Token) Token {
	var sb strings.Builder
	space := false
	for _, t := range arg {
		if t.IsSpace() {
			space = sb.Len() > 0
			continue
		}
		if space {
			sb.WriteByte(' ')
			space = false
		}
		if t.Kind == KindString || t.Kind == KindChar {
			sb.WriteString(strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(t.Text))
		} else {
			sb.WriteString(t.Text)
		}
	}
	return Token{Kind: KindString, Text: `"` + sb.String() + `"`, Source: at.Source, Line: at.Line}
}

func paste(lhs, rhs Token) ([]Token, error) {
	text := lhs.Text + rhs.Text
	toks := Tokenize(text, lhs.Source)
	for i := range toks {
		toks[i].Line = lhs.Line
		toks[i].hide = lhs.hide
	}
	if len(toks) != 1 {
		return toks, fmt.Errorf("pasting %q and %q does not give a valid preprocessing token", lhs.Text, rhs.Text)
	}
	return toks, nil
}
