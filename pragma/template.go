package pragma

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/soypat/gssv/glpp"
)

// ErrReadOnly is returned when writing output from a metadata-only parser.
var ErrReadOnly = errors.New("template parser produces no output")

// Entry is one parsed #pragma SSVTemplate sub-command:
// [Define], [StageDecl], [Arg], [InputPrimitive] or [BlendModeDecl].
type Entry interface {
	Command() string
}

// Define names a template.
type Define struct {
	Name        string
	Author      string
	Description string
}

// StageDecl declares the stages a template is compiled for.
type StageDecl struct {
	Stages []Stage
}

// Arg declares a template argument bound from the shader's #pragma SSV line.
type Arg struct {
	Name          string
	NonPositional bool
	Action        Action
	Default       string
	HasDefault    bool
	Choices       []string
	Const         string
	HasConst      bool
	Description   string
}

// InputPrimitive declares the primitive the vertex stage consumes.
type InputPrimitive struct {
	Primitive Primitive
}

// BlendModeDecl declares the default blend function of a template.
type BlendModeDecl struct {
	BlendMode
}

func (Define) Command() string         { return "define" }
func (StageDecl) Command() string      { return "stage" }
func (Arg) Command() string            { return "arg" }
func (InputPrimitive) Command() string { return "input_primitive" }
func (BlendModeDecl) Command() string  { return "blend_mode" }

// TemplateMetadata groups the template's pragma entries by sub-command in declaration order.
type TemplateMetadata struct {
	Source  string
	Entries map[string][]Entry
}

func (md *TemplateMetadata) add(e Entry) {
	if md.Entries == nil {
		md.Entries = make(map[string][]Entry)
	}
	md.Entries[e.Command()] = append(md.Entries[e.Command()], e)
}

// Define returns the first define entry of the template.
func (md *TemplateMetadata) Define() (Define, bool) {
	for _, e := range md.Entries["define"] {
		return e.(Define), true
	}
	return Define{}, false
}

// Stages returns the union of all stage declarations in first-seen order.
func (md *TemplateMetadata) Stages() []Stage {
	var stages []Stage
	for _, e := range md.Entries["stage"] {
		for _, st := range e.(StageDecl).Stages {
			if !slices.Contains(stages, st) {
				stages = append(stages, st)
			}
		}
	}
	return stages
}

// Args returns the argument declarations in declaration order.
func (md *TemplateMetadata) Args() []Arg {
	entries := md.Entries["arg"]
	args := make([]Arg, len(entries))
	for i, e := range entries {
		args[i] = e.(Arg)
	}
	return args
}

// InputPrimitive returns the declared input primitive, if any.
func (md *TemplateMetadata) InputPrimitive() (Primitive, bool) {
	for _, e := range md.Entries["input_primitive"] {
		return e.(InputPrimitive).Primitive, true
	}
	return "", false
}

// BlendMode returns the declared blend mode, if any.
func (md *TemplateMetadata) BlendMode() (BlendMode, bool) {
	for _, e := range md.Entries["blend_mode"] {
		return e.(BlendModeDecl).BlendMode, true
	}
	return BlendMode{}, false
}

// TemplateParser extracts the metadata of a template from its #pragma SSVTemplate lines.
type TemplateParser struct {
	// Resolver resolves includes of the template. Unresolved includes are ignored.
	Resolver glpp.IncludeResolver
	Logger   *slog.Logger
}

// Parse preprocesses the template and returns its metadata. Pragmas in
// inactive conditional blocks are not seen. A malformed sub-command
// returns a [*PragmaError].
func (tp *TemplateParser) Parse(src, filename string) (*TemplateMetadata, error) {
	log := tp.Logger
	if log == nil {
		log = slog.New(nopHandler{})
	}
	md := &TemplateMetadata{Source: filename, Entries: make(map[string][]Entry)}
	var errs []error
	pp := glpp.New(glpp.Config{
		Resolver:              tp.Resolver,
		IgnoreMissingIncludes: true,
		NoLineDirectives:      true,
		Logger:                log,
		Pragma: func(p *glpp.Pragma) (bool, error) {
			switch p.Name {
			case "SSVTemplate":
				entry, err := ParseTemplateCommand(Tokenize(p.Args))
				if err != nil {
					errs = append(errs, &PragmaError{Source: p.Source, Line: p.Line, Msg: err.Error()})
				} else {
					md.add(entry)
				}
				return true, nil
			case "SSV", "PreventLine", "once":
				return false, nil
			}
			log.Error("unknown pragma in template", slog.String("pragma", p.Name), slog.String("at", p.Source), slog.Int("line", p.Line))
			return true, nil
		},
	})
	pp.Parse(src, filename)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return md, nil
}

// Write always fails: the template parser only gathers metadata.
func (tp *TemplateParser) Write(w io.Writer) (int, error) { return 0, ErrReadOnly }

// ParseTemplate parses template metadata using a default [TemplateParser].
func ParseTemplate(src, filename string, resolver glpp.IncludeResolver) (*TemplateMetadata, error) {
	tp := TemplateParser{Resolver: resolver}
	return tp.Parse(src, filename)
}

// ParseTemplateCommand parses the arguments of one #pragma SSVTemplate line.
func ParseTemplateCommand(args []string) (Entry, error) {
	if len(args) == 0 {
		return nil, errNoCommand
	}
	cmd, rest := args[0], args[1:]
	var (
		e   Entry
		err error
	)
	switch cmd {
	case "define":
		e, err = parseDefine(rest)
	case "stage":
		e, err = parseStageDecl(rest)
	case "arg":
		e, err = parseArg(rest)
	case "input_primitive":
		e, err = parseInputPrimitive(rest)
	case "blend_mode":
		var bm BlendMode
		bm, err = ParseBlendMode(rest)
		e = BlendModeDecl{BlendMode: bm}
	default:
		return nil, fmt.Errorf("invalid sub-command %q (choose from define, stage, arg, input_primitive, blend_mode)", cmd)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	return e, nil
}

func parseDefine(args []string) (Define, error) {
	po, err := parseOptions(args, []option{
		{long: "--author", short: "-a", nargs: -1},
		{long: "--description", short: "-d", nargs: -1},
	})
	if err != nil {
		return Define{}, err
	}
	if err := onePositional(po, "name"); err != nil {
		return Define{}, err
	}
	d := Define{Name: po.positional[0]}
	d.Author, _ = po.joined("--author")
	d.Description, _ = po.joined("--description")
	return d, nil
}

func parseStageDecl(args []string) (StageDecl, error) {
	po, err := parseOptions(args, nil)
	if err != nil {
		return StageDecl{}, err
	}
	if len(po.positional) == 0 {
		return StageDecl{}, errors.New("the following arguments are required: stage")
	}
	var decl StageDecl
	for _, s := range po.positional {
		st, err := ParseStage(s)
		if err != nil {
			return StageDecl{}, err
		}
		decl.Stages = append(decl.Stages, st)
	}
	return decl, nil
}

func parseArg(args []string) (Arg, error) {
	po, err := parseOptions(args, []option{
		{long: "--non_positional", short: "-n", nargs: 0},
		{long: "--action", short: "-a", nargs: 1},
		{long: "--default", nargs: -1},
		{long: "--choices", short: "-c", nargs: -1, extend: true},
		{long: "--const", nargs: 1},
		{long: "--description", short: "-d", nargs: -1},
	})
	if err != nil {
		return Arg{}, err
	}
	if err := onePositional(po, "name"); err != nil {
		return Arg{}, err
	}
	a := Arg{
		Name:          po.positional[0],
		NonPositional: po.has("--non_positional"),
		Action:        ActionStore,
		Choices:       po.values["--choices"],
	}
	if strings.HasPrefix(a.Name, "_") {
		a.Name = a.Name[1:]
		a.NonPositional = true
	}
	if a.Name == "" {
		return Arg{}, errors.New("empty argument name")
	}
	if action, ok := po.joined("--action"); ok {
		a.Action, err = ParseAction(action)
		if err != nil {
			return Arg{}, err
		}
	}
	a.Default, a.HasDefault = po.joined("--default")
	a.Const, a.HasConst = po.joined("--const")
	a.Description, _ = po.joined("--description")
	if a.Action == ActionStoreConst && !a.HasConst {
		return Arg{}, fmt.Errorf("argument %s: store_const action requires --const", a.Name)
	}
	return a, nil
}

func parseInputPrimitive(args []string) (InputPrimitive, error) {
	po, err := parseOptions(args, nil)
	if err != nil {
		return InputPrimitive{}, err
	}
	if err := onePositional(po, "primitive_type"); err != nil {
		return InputPrimitive{}, err
	}
	p, err := ParsePrimitive(po.positional[0])
	return InputPrimitive{Primitive: p}, err
}

func onePositional(po *parsedOptions, name string) error {
	switch {
	case len(po.positional) == 0:
		return fmt.Errorf("the following arguments are required: %s", name)
	case len(po.positional) > 1:
		return fmt.Errorf("unrecognized arguments: %s", strings.Join(po.positional[1:], " "))
	}
	return nil
}
