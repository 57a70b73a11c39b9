package pragma

import (
	"strings"

	"github.com/soypat/gssv/glpp"
)

// Tokenize converts the tokens following a pragma's name into an argument
// list in the manner of a shell. Whitespace separates arguments and string
// literals are unquoted and concatenated with adjacent text, so
// foo"bar baz" yields the single argument `foobar baz`.
func Tokenize(toks []glpp.Token) []string {
	var (
		args []string
		buf  strings.Builder
		has  bool
	)
	flush := func() {
		if has {
			args = append(args, buf.String())
			buf.Reset()
			has = false
		}
	}
	for _, t := range toks {
		switch t.Kind {
		case glpp.KindSpace, glpp.KindNewline, glpp.KindComment:
			flush()
		case glpp.KindString:
			buf.WriteString(unescape(unquote(t.Text)))
			has = true
		default:
			buf.WriteString(t.Text)
			has = true
		}
	}
	flush()
	return args
}

// TokenizeString tokenizes the text of a pragma argument list.
func TokenizeString(s string) []string {
	return Tokenize(glpp.Tokenize(s, ""))
}

func unquote(s string) string {
	if len(s) > 0 && s[0] == '"' {
		s = s[1:]
	}
	if len(s) > 0 && s[len(s)-1] == '"' {
		s = s[:len(s)-1]
	}
	return s
}

// unescape replaces \", \n and \t escapes. Other escapes are kept as written.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			sb.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case '"':
			sb.WriteByte('"')
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		default:
			sb.WriteByte('\\')
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}
