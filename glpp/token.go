package glpp

import (
	"strings"
)

// Kind classifies a preprocessing token.
type Kind uint8

const (
	KindIdent Kind = iota + 1
	KindNumber
	KindString
	KindChar
	KindPunct
	KindSpace
	KindNewline
	KindComment
)

func (k Kind) String() string {
	switch k {
	case KindIdent:
		return "ident"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindChar:
		return "char"
	case KindPunct:
		return "punct"
	case KindSpace:
		return "space"
	case KindNewline:
		return "newline"
	case KindComment:
		return "comment"
	}
	return "invalid"
}

// Token is a preprocessing token. Whitespace and newlines are tokens too
// so that expanded text keeps the layout of the source.
type Token struct {
	Kind   Kind
	Text   string
	Source string
	Line   int
	hide   *hideset
}

// IsSpace reports whether the token carries no text relevant to expansion:
// spaces, newlines and comments.
func (t Token) IsSpace() bool {
	return t.Kind == KindSpace || t.Kind == KindNewline || t.Kind == KindComment
}

func (t Token) is(punct string) bool {
	return t.Kind == KindPunct && t.Text == punct
}

// Multi-character punctuators, longest first.
var puncts = []string{
	"...", "<<=", ">>=",
	"##", "<<", ">>", "<=", ">=", "==", "!=", "&&", "||", "++", "--",
	"+=", "-=", "*=", "/=", "%=", "&=", "|=", "^=", "->",
}

// splice removes backslash-newline sequences and normalizes line endings,
// returning the cleaned text and the source line of every byte in it.
func splice(src string) (text []byte, lines []int32) {
	text = make([]byte, 0, len(src))
	lines = make([]int32, 0, len(src))
	line := int32(1)
	for i := 0; i < len(src); i++ {
		c := src[i]
		if c == '\\' {
			if i+1 < len(src) && src[i+1] == '\n' {
				i++
				line++
				continue
			} else if i+2 < len(src) && src[i+1] == '\r' && src[i+2] == '\n' {
				i += 2
				line++
				continue
			}
		}
		if c == '\r' {
			if i+1 < len(src) && src[i+1] == '\n' {
				continue
			}
			c = '\n'
		}
		text = append(text, c)
		lines = append(lines, line)
		if c == '\n' {
			line++
		}
	}
	return text, lines
}

// Tokenize splits src into preprocessing tokens. Line continuations are
// joined and every token records the line it starts on.
func Tokenize(src, source string) []Token {
	text, lines := splice(src)
	toks := make([]Token, 0, len(text)/3)
	n := len(text)
	for i := 0; i < n; {
		c := text[i]
		start := i
		var kind Kind
		switch {
		case c == '\n':
			kind = KindNewline
			i++
		case isHorizontalSpace(c):
			kind = KindSpace
			for i < n && isHorizontalSpace(text[i]) {
				i++
			}
		case c == '/' && i+1 < n && text[i+1] == '/':
			kind = KindComment
			for i < n && text[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && text[i+1] == '*':
			kind = KindComment
			end := strings.Index(string(text[i+2:]), "*/")
			if end < 0 {
				i = n
			} else {
				i += end + 4
			}
		case isIdentStart(c):
			kind = KindIdent
			for i < n && isIdentChar(text[i]) {
				i++
			}
		case isDigit(c) || (c == '.' && i+1 < n && isDigit(text[i+1])):
			kind = KindNumber
			i = scanNumber(text, i)
		case c == '"' || c == '\'':
			kind = KindString
			if c == '\'' {
				kind = KindChar
			}
			i = scanQuoted(text, i)
		default:
			kind = KindPunct
			i++
			for _, p := range puncts {
				if strings.HasPrefix(string(text[start:min(n, start+len(p))]), p) {
					i = start + len(p)
					break
				}
			}
		}
		toks = append(toks, Token{
			Kind:   kind,
			Text:   string(text[start:i]),
			Source: source,
			Line:   int(lines[start]),
		})
	}
	return toks
}

func scanNumber(text []byte, i int) int {
	n := len(text)
	i++
	for i < n {
		c := text[i]
		switch {
		case (c == '+' || c == '-') && isExponent(text[i-1]):
			i++
		case isIdentChar(c) || c == '.':
			i++
		default:
			return i
		}
	}
	return i
}

func isExponent(c byte) bool { return c == 'e' || c == 'E' || c == 'p' || c == 'P' }

// scanQuoted scans a string or character literal. Unterminated literals end at the line end.
func scanQuoted(text []byte, i int) int {
	quote := text[i]
	n := len(text)
	i++
	for i < n {
		switch text[i] {
		case '\\':
			i += 2
		case quote:
			return i + 1
		case '\n':
			return i
		default:
			i++
		}
	}
	return n
}

func isHorizontalSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\f' || c == '\v' || c == '\r'
}

func isIdentStart(c byte) bool {
	return c == '_' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z'
}

func isIdentChar(c byte) bool { return isIdentStart(c) || isDigit(c) }

func isDigit(c byte) bool { return '0' <= c && c <= '9' }

// JoinTokens concatenates the text of toks.
func JoinTokens(toks []Token) string {
	var sb strings.Builder
	for _, t := range toks {
		sb.WriteString(t.Text)
	}
	return sb.String()
}

// trimSpace returns toks without leading and trailing whitespace tokens.
func trimSpace(toks []Token) []Token {
	for len(toks) > 0 && toks[0].IsSpace() {
		toks = toks[1:]
	}
	for len(toks) > 0 && toks[len(toks)-1].IsSpace() {
		toks = toks[:len(toks)-1]
	}
	return toks
}

// nextNonSpace returns the index of the first non-whitespace token at or after i, or len(toks).
func nextNonSpace(toks []Token, i int) int {
	for i < len(toks) && toks[i].IsSpace() {
		i++
	}
	return i
}
