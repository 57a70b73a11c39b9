// Package glpp implements a C-like preprocessor for GLSL sources.
//
// Besides the usual macro, conditional and include directives it
// understands a few pragmas used by shader templates:
//
//	#pragma PreventLine true   // stop emitting #line directives
//	#pragma PreventLine false  // resume emitting #line directives
//	#pragma once               // include the file at most once
//
// #pragma SSV, SSVTemplate and BLEND are metadata and removed from the output.
// #version, #extension and any other unknown directive are passed through verbatim.
package glpp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// ErrNotFound is returned by resolvers when an included file does not exist.
var ErrNotFound = errors.New("include not found")

// IncludeResolver finds the contents of included files.
type IncludeResolver interface {
	// Resolve returns the resolved name and text for the include name
	// requested from within the file named from.
	Resolve(name, from string) (resolved, text string, err error)
}

// ResolverFunc adapts a function to the IncludeResolver interface.
type ResolverFunc func(name, from string) (resolved, text string, err error)

func (f ResolverFunc) Resolve(name, from string) (string, string, error) { return f(name, from) }

// Pragma is a #pragma directive seen while preprocessing.
type Pragma struct {
	// Name is the first token after #pragma, i.e: "SSV".
	Name string
	// Args holds the unexpanded tokens after Name, whitespace included.
	Args   []Token
	Source string
	Line   int
}

// PragmaHandler intercepts pragmas before they are processed by the preprocessor.
// Returning handled=true removes the pragma from the output. A non-nil error is
// recorded as a diagnostic at the pragma's location.
type PragmaHandler func(p *Pragma) (handled bool, err error)

// Config configures a [Preprocessor].
type Config struct {
	Resolver IncludeResolver
	// Pragma is called for every active #pragma before builtin handling.
	Pragma PragmaHandler
	// KeepComment reports whether comments in the named source are kept in the output.
	// When nil all comments are stripped.
	KeepComment func(source string) bool
	// NoLineDirectives disables #line generation altogether.
	NoLineDirectives bool
	// IgnoreMissingIncludes drops unresolved includes without recording an error.
	IgnoreMissingIncludes bool
	// MaxIncludeDepth limits nested includes. Defaults to 200.
	MaxIncludeDepth int
	Logger          *slog.Logger
}

// Diagnostic is an error or warning located in a source file.
type Diagnostic struct {
	Source  string
	Line    int
	Msg     string
	Warning bool
}

func (d Diagnostic) Error() string {
	return d.Source + ":" + strconv.Itoa(d.Line) + ": " + d.Msg
}

// Line is one line of preprocessed output.
type Line struct {
	Source string
	// Line is the source line the output line starts at.
	Line int
	// EndLine is the last source line spanned by Text.
	EndLine int
	Text    string
	// NoLineDirective is set for lines emitted while #pragma PreventLine was active.
	NoLineDirective bool
}

// Preprocessor expands macros, evaluates conditionals and resolves includes.
// A Preprocessor is not safe for concurrent use. Create one per compilation.
type Preprocessor struct {
	cfg         Config
	log         *slog.Logger
	macros      map[string]*macro
	lines       []Line
	diags       []Diagnostic
	errCount    int
	preventLine bool
	once        map[string]bool
	depth       int
}

// consumed pragmas carry metadata for the template system and never reach GLSL.
var consumedPragmas = map[string]bool{
	"SSV":         true,
	"SSVTemplate": true,
	"BLEND":       true,
}

// New returns a Preprocessor ready to parse sources.
func New(cfg Config) *Preprocessor {
	if cfg.MaxIncludeDepth <= 0 {
		cfg.MaxIncludeDepth = 200
	}
	pp := &Preprocessor{
		cfg:    cfg,
		log:    cfg.Logger,
		macros: make(map[string]*macro),
		once:   make(map[string]bool),
	}
	if pp.log == nil {
		pp.log = slog.New(nopHandler{})
	}
	pp.macros["__LINE__"] = &macro{name: "__LINE__", builtin: func(at Token) Token {
		return number(int64(at.Line), at)
	}}
	pp.macros["__FILE__"] = &macro{name: "__FILE__", builtin: func(at Token) Token {
		return Token{Kind: KindString, Text: strconv.Quote(at.Source), Source: at.Source, Line: at.Line}
	}}
	return pp
}

// Define defines an object-like macro as if by "#define name value".
// Newlines in value are kept in the replacement list. Later definitions win.
func (pp *Preprocessor) Define(name, value string) {
	pp.macros[name] = &macro{
		name: name,
		body: cleanBody(Tokenize(value, "<define>")),
	}
}

// DefineText parses text with #define syntax, i.e: "NAME VALUE" or "F(a,b) (a+b)".
func (pp *Preprocessor) DefineText(text string) error {
	m, err := parseDefine(Tokenize(text, "<define>"))
	if err != nil {
		return err
	}
	pp.macros[m.name] = m
	return nil
}

// Undefine removes the macro if it exists.
func (pp *Preprocessor) Undefine(name string) { delete(pp.macros, name) }

// IsDefined reports whether a macro named name exists.
func (pp *Preprocessor) IsDefined(name string) bool {
	_, ok := pp.macros[name]
	return ok
}

// Macro returns the replacement text of an object-like macro.
func (pp *Preprocessor) Macro(name string) (value string, ok bool) {
	m, ok := pp.macros[name]
	if !ok || m.builtin != nil {
		return "", ok
	}
	return JoinTokens(m.body), true
}

// Diagnostics returns the errors and warnings recorded so far.
func (pp *Preprocessor) Diagnostics() []Diagnostic { return pp.diags }

// ErrorCount returns the amount of errors recorded so far. Warnings are not counted.
func (pp *Preprocessor) ErrorCount() int { return pp.errCount }

// Err joins all recorded errors or returns nil if there are none.
func (pp *Preprocessor) Err() error {
	var errs []error
	for _, d := range pp.diags {
		if !d.Warning {
			errs = append(errs, d)
		}
	}
	return errors.Join(errs...)
}

// Lines returns the output produced so far.
func (pp *Preprocessor) Lines() []Line { return pp.lines }

func (pp *Preprocessor) errorf(source string, line int, format string, args ...any) {
	d := Diagnostic{Source: source, Line: line, Msg: fmt.Sprintf(format, args...)}
	pp.diags = append(pp.diags, d)
	pp.errCount++
	pp.log.Debug("preprocessor error", slog.String("at", d.Source), slog.Int("line", d.Line), slog.String("msg", d.Msg))
}

func (pp *Preprocessor) warnf(source string, line int, format string, args ...any) {
	d := Diagnostic{Source: source, Line: line, Msg: fmt.Sprintf(format, args...), Warning: true}
	pp.diags = append(pp.diags, d)
	pp.log.Warn(d.Msg, slog.String("at", d.Source), slog.Int("line", d.Line))
}

// Parse preprocesses src appending the result to the output. Errors are
// recorded as diagnostics; see [Preprocessor.Err].
func (pp *Preprocessor) Parse(src, source string) {
	pp.parseFile(Tokenize(src, source), source)
}

type cond struct {
	parentActive bool
	active       bool
	taken        bool
	sawElse      bool
	line         int
}

func (pp *Preprocessor) parseFile(toks []Token, source string) {
	keep := pp.cfg.KeepComment != nil && pp.cfg.KeepComment(source)
	if !keep {
		for i := range toks {
			if toks[i].Kind == KindComment {
				toks[i].Kind, toks[i].Text = KindSpace, " "
			}
		}
	}
	var (
		stack []cond
		chunk []Token
	)
	active := func() bool { return len(stack) == 0 || stack[len(stack)-1].active }
	flush := func() {
		if len(chunk) > 0 {
			pp.emit(pp.expand(chunk))
			chunk = chunk[:0]
		}
	}
	for len(toks) > 0 {
		line := toks
		end := 0
		for end < len(toks) && toks[end].Kind != KindNewline {
			end++
		}
		if end < len(toks) {
			line = toks[:end+1] // Include newline.
			toks = toks[end+1:]
		} else {
			toks = nil
		}
		hash := nextNonSpace(line, 0)
		if hash == len(line) || !line[hash].is("#") {
			if active() {
				chunk = append(chunk, line...)
			}
			continue
		}
		flush()
		body := trimNewline(line[hash+1:])
		nameIdx := nextNonSpace(body, 0)
		if nameIdx == len(body) {
			continue // Null directive.
		}
		at := line[hash]
		name := body[nameIdx].Text
		args := body[nameIdx+1:]
		switch name {
		case "if", "ifdef", "ifndef":
			c := cond{parentActive: active(), line: at.Line}
			if c.parentActive {
				var v bool
				var err error
				switch name {
				case "if":
					v, err = pp.evalCondition(args)
				default:
					v, err = pp.definedArg(args, name)
					if name == "ifndef" {
						v = !v
					}
				}
				if err != nil {
					pp.errorf(at.Source, at.Line, "%v", err)
				}
				c.active, c.taken = v, v
			} else {
				c.taken = true
			}
			stack = append(stack, c)
			continue
		case "elif":
			if len(stack) == 0 {
				pp.errorf(at.Source, at.Line, "#elif without #if")
				continue
			}
			c := &stack[len(stack)-1]
			if c.sawElse {
				pp.errorf(at.Source, at.Line, "#elif after #else")
			}
			if c.taken || !c.parentActive {
				c.active = false
				continue
			}
			v, err := pp.evalCondition(args)
			if err != nil {
				pp.errorf(at.Source, at.Line, "%v", err)
			}
			c.active, c.taken = v, v
			continue
		case "else":
			if len(stack) == 0 {
				pp.errorf(at.Source, at.Line, "#else without #if")
				continue
			}
			c := &stack[len(stack)-1]
			if c.sawElse {
				pp.errorf(at.Source, at.Line, "#else after #else")
			}
			c.active = c.parentActive && !c.taken
			c.taken = true
			c.sawElse = true
			continue
		case "endif":
			if len(stack) == 0 {
				pp.errorf(at.Source, at.Line, "#endif without #if")
				continue
			}
			stack = stack[:len(stack)-1]
			continue
		}
		if !active() {
			continue
		}
		switch name {
		case "define":
			m, err := parseDefine(args)
			if err != nil {
				pp.errorf(at.Source, at.Line, "%v", err)
				continue
			}
			if m.name == "defined" {
				pp.errorf(at.Source, at.Line, "\"defined\" cannot be used as a macro name")
				continue
			}
			pp.macros[m.name] = m
		case "undef":
			i := nextNonSpace(args, 0)
			if i == len(args) || args[i].Kind != KindIdent {
				pp.errorf(at.Source, at.Line, "macro name missing in #undef")
				continue
			}
			pp.Undefine(args[i].Text)
		case "include":
			pp.include(args, at)
		case "pragma":
			pp.pragma(line, args, at)
		case "error":
			pp.errorf(at.Source, at.Line, "#error %s", strings.TrimSpace(JoinTokens(args)))
		case "warning":
			pp.warnf(at.Source, at.Line, "#warning %s", strings.TrimSpace(JoinTokens(args)))
		default:
			// #version, #extension, #line and unknown directives.
			pp.emit(line)
		}
	}
	flush()
	for _, c := range stack {
		pp.errorf(source, c.line, "unterminated conditional directive")
	}
}

func trimNewline(toks []Token) []Token {
	if len(toks) > 0 && toks[len(toks)-1].Kind == KindNewline {
		return toks[:len(toks)-1]
	}
	return toks
}

func (pp *Preprocessor) definedArg(args []Token, directive string) (bool, error) {
	i := nextNonSpace(args, 0)
	if i == len(args) || args[i].Kind != KindIdent {
		return false, fmt.Errorf("macro name missing in #%s", directive)
	}
	return pp.IsDefined(args[i].Text), nil
}

func (pp *Preprocessor) include(args []Token, at Token) {
	args = trimSpace(args)
	if len(args) > 0 && args[0].Kind == KindIdent {
		args = trimSpace(pp.expand(args))
	}
	var name string
	switch {
	case len(args) == 1 && args[0].Kind == KindString:
		name = args[0].Text[1 : len(args[0].Text)-1]
	case len(args) >= 3 && args[0].is("<") && args[len(args)-1].is(">"):
		name = JoinTokens(args[1 : len(args)-1])
	default:
		pp.errorf(at.Source, at.Line, "#include expects \"FILENAME\" or <FILENAME>")
		return
	}
	if pp.cfg.Resolver == nil {
		pp.missingInclude(name, at, ErrNotFound)
		return
	}
	resolved, text, err := pp.cfg.Resolver.Resolve(name, at.Source)
	if err != nil {
		pp.missingInclude(name, at, err)
		return
	}
	if pp.once[resolved] {
		return
	}
	if pp.depth >= pp.cfg.MaxIncludeDepth {
		pp.errorf(at.Source, at.Line, "#include nested too deeply including %q", name)
		return
	}
	pp.depth++
	pp.parseFile(Tokenize(text, resolved), resolved)
	pp.depth--
}

func (pp *Preprocessor) missingInclude(name string, at Token, err error) {
	if pp.cfg.IgnoreMissingIncludes {
		pp.log.Debug("ignoring include", slog.String("name", name), slog.String("err", err.Error()))
		return
	}
	pp.errorf(at.Source, at.Line, "could not include %q: %v", name, err)
}

func (pp *Preprocessor) pragma(line, args []Token, at Token) {
	i := nextNonSpace(args, 0)
	if i == len(args) {
		return // Empty pragma.
	}
	p := &Pragma{
		Name:   args[i].Text,
		Args:   args[i+1:],
		Source: at.Source,
		Line:   at.Line,
	}
	if pp.cfg.Pragma != nil {
		handled, err := pp.cfg.Pragma(p)
		if err != nil {
			pp.errorf(at.Source, at.Line, "%v", err)
		}
		if handled {
			return
		}
	}
	switch {
	case p.Name == "once":
		pp.once[at.Source] = true
	case p.Name == "PreventLine":
		arg := strings.TrimSpace(JoinTokens(p.Args))
		switch strings.ToLower(arg) {
		case "true":
			pp.preventLine = true
		case "false":
			pp.preventLine = false
		default:
			pp.errorf(at.Source, at.Line, "#pragma PreventLine expects true or false, got %q", arg)
		}
	case consumedPragmas[p.Name]:
	default:
		pp.emit(line)
	}
}

// emit splits expanded tokens into output lines.
func (pp *Preprocessor) emit(toks []Token) {
	var (
		sb      strings.Builder
		started bool
		cur     Line
	)
	push := func() {
		text := strings.TrimRight(sb.String(), " \t\f\v")
		sb.Reset()
		if started && strings.TrimSpace(text) != "" {
			cur.Text = text
			cur.EndLine = cur.Line + strings.Count(text, "\n")
			cur.NoLineDirective = pp.preventLine
			pp.lines = append(pp.lines, cur)
		}
		started = false
	}
	for _, t := range toks {
		if t.Kind == KindNewline {
			push()
			continue
		}
		if !started {
			cur = Line{Source: t.Source, Line: t.Line}
			started = true
		}
		sb.WriteString(t.Text)
	}
	push()
}

type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }
