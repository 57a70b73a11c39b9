package glpp

import (
	"io"
	"strings"

	"github.com/soypat/gssv/glbuild"
)

// maxLineGap is the largest run of skipped source lines written as blank
// lines. Larger gaps are bridged with a #line directive.
const maxLineGap = 6

// Write writes the preprocessed output to w. A #line directive precedes
// output whenever the source file changes or more than six source lines
// were skipped, unless line directives are disabled or prevented. Lines
// written while prevented are not padded with blank lines.
func (pp *Preprocessor) Write(w io.Writer) (int, error) {
	var b []byte
	b = AppendLines(b, pp.lines, !pp.cfg.NoLineDirectives)
	return w.Write(b)
}

// String returns the preprocessed output. See [Preprocessor.Write].
func (pp *Preprocessor) String() string {
	var sb strings.Builder
	pp.Write(&sb)
	return sb.String()
}

// AppendLines appends the text of lines to b reconstructing source line
// numbering with blank lines and, if lineDirectives is set, #line directives.
func AppendLines(b []byte, lines []Line, lineDirectives bool) []byte {
	var (
		lastSource string
		lastLine   int
		first      = true
	)
	for _, l := range lines {
		sameSource := !first && l.Source == lastSource
		gap := l.Line - lastLine - 1
		directive := lineDirectives && !l.NoLineDirective && (!sameSource || gap > maxLineGap)
		switch {
		case directive:
			b = glbuild.AppendLineDecl(b, l.Line, l.Source)
		case l.NoLineDirective:
			// Prevented regions are written compactly.
		case sameSource && gap > maxLineGap:
			b = append(b, '\n')
		case sameSource && gap > 0:
			for range gap {
				b = append(b, '\n')
			}
		}
		b = append(b, l.Text...)
		b = append(b, '\n')
		lastSource, lastLine, first = l.Source, l.EndLine, false
	}
	return b
}
