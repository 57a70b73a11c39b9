package gssv

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/soypat/gssv/pragma"
)

// ArgSpec is one template argument of an [ArgSchema].
type ArgSpec struct {
	pragma.Arg
	// Flag is "--<name>" for non-positional arguments.
	Flag string
	// Short is the "-<letter>" alias of a non-positional argument, empty
	// when an earlier argument already took it.
	Short string
}

// defaultValue returns the value an argument takes when not given.
func (s *ArgSpec) defaultValue() (string, bool) {
	if s.HasDefault {
		return s.Default, true
	}
	switch s.Action {
	case pragma.ActionStoreTrue:
		return "false", true
	case pragma.ActionStoreFalse:
		return "true", true
	}
	return "", false
}

// required reports whether the argument must be given.
func (s *ArgSpec) required() bool {
	return !s.NonPositional && !s.HasDefault
}

// ArgSchema is the command line grammar of a template's #pragma SSV arguments.
type ArgSchema struct {
	// Template is the template's define name.
	Template    string
	Author      string
	Description string
	Args        []ArgSpec
}

// NewArgSchema compiles the argument declarations of a template. Short
// aliases are assigned in declaration order, a later argument whose alias
// is taken gets only its long flag.
func NewArgSchema(md *pragma.TemplateMetadata) (*ArgSchema, error) {
	s := &ArgSchema{Template: "SSV"}
	if def, ok := md.Define(); ok {
		s.Template, s.Author, s.Description = def.Name, def.Author, def.Description
	}
	seen := make(map[string]bool)
	shorts := make(map[string]bool)
	for _, a := range md.Args() {
		if seen[a.Name] {
			return nil, fmt.Errorf("%s: duplicate template argument %q", md.Source, a.Name)
		}
		seen[a.Name] = true
		spec := ArgSpec{Arg: a}
		if a.NonPositional {
			spec.Flag = "--" + a.Name
			short := spec.Flag[1:3]
			if shorts[short] {
				Logger().Debug("short flag taken, using long flag only", slog.String("arg", a.Name), slog.String("short", short))
			} else {
				shorts[short] = true
				spec.Short = short
			}
		} else if a.Action != pragma.ActionStore {
			return nil, fmt.Errorf("%s: positional argument %q must use the store action, got %s", md.Source, a.Name, a.Action)
		}
		if a.HasDefault && len(a.Choices) > 0 && !slices.Contains(a.Choices, a.Default) {
			return nil, fmt.Errorf("%s: argument %q default %q is not one of its choices", md.Source, a.Name, a.Default)
		}
		s.Args = append(s.Args, spec)
	}
	return s, nil
}

// ArgError is an argument binding failure.
type ArgError struct {
	// Usage is the usage line of the template.
	Usage string
	Msg   string
}

func (e *ArgError) Error() string {
	return e.Usage + "\nerror: " + e.Msg
}

// BoundArg is the value of one template argument after binding.
type BoundArg struct {
	Name string
	// Value is the bound or default value. Boolean actions bind "true" or "false".
	Value string
	// Valid is false for an argument that was neither given nor has a default.
	Valid bool
	// Given is set when the argument appeared in the shader's arguments.
	Given bool
	// IsDefault is set when Value equals the declared default.
	IsDefault bool
}

// BoundArgs are bound arguments in declaration order.
type BoundArgs []BoundArg

// Lookup returns the value of the named argument.
func (b BoundArgs) Lookup(name string) (string, bool) {
	for _, a := range b {
		if a.Name == name {
			return a.Value, a.Valid
		}
	}
	return "", false
}

// Bind binds the arguments of a #pragma SSV line. Positional arguments are
// consumed in declaration order and may be interleaved with flags. Long
// flags accept "--name=value" and unique prefixes. "--" ends flag parsing.
func (s *ArgSchema) Bind(args []string) (BoundArgs, error) {
	bound := make(BoundArgs, len(s.Args))
	for i := range s.Args {
		bound[i].Name = s.Args[i].Name
	}
	set := func(i int, v string) error {
		spec := &s.Args[i]
		if len(spec.Choices) > 0 && !slices.Contains(spec.Choices, v) {
			return s.errorf("argument %s: invalid choice: %q (choose from %s)", spec.displayName(), v, strings.Join(spec.Choices, ", "))
		}
		bound[i].Value, bound[i].Valid, bound[i].Given = v, true, true
		return nil
	}
	var positional []int
	var longs []string
	for i := range s.Args {
		if s.Args[i].NonPositional {
			longs = append(longs, s.Args[i].Flag)
		} else {
			positional = append(positional, i)
		}
	}
	var extra []string
	onlyPositional := false
	for k := 0; k < len(args); k++ {
		arg := args[k]
		if !onlyPositional && arg == "--" {
			onlyPositional = true
			continue
		}
		if onlyPositional || !pragma.IsFlag(arg) {
			if len(positional) == 0 {
				extra = append(extra, arg)
				continue
			}
			if err := set(positional[0], arg); err != nil {
				return nil, err
			}
			positional = positional[1:]
			continue
		}
		i, inline, hasInline, err := s.lookupFlag(arg, longs)
		if err != nil {
			return nil, err
		}
		spec := &s.Args[i]
		switch spec.Action {
		case pragma.ActionStore:
			if !hasInline {
				if k+1 == len(args) || pragma.IsFlag(args[k+1]) {
					return nil, s.errorf("argument %s: expected one argument", spec.displayName())
				}
				k++
				inline = args[k]
			}
			err = set(i, inline)
		default:
			if hasInline {
				return nil, s.errorf("argument %s: ignored explicit argument %q", spec.displayName(), inline)
			}
			switch spec.Action {
			case pragma.ActionStoreTrue:
				err = set(i, "true")
			case pragma.ActionStoreFalse:
				err = set(i, "false")
			case pragma.ActionStoreConst:
				bound[i].Value, bound[i].Valid, bound[i].Given = spec.Const, true, true
			}
		}
		if err != nil {
			return nil, err
		}
	}
	if len(extra) > 0 {
		return nil, s.errorf("unrecognized arguments: %s", strings.Join(extra, " "))
	}
	var missing []string
	for _, i := range positional {
		if s.Args[i].required() {
			missing = append(missing, s.Args[i].Name)
		}
	}
	if len(missing) > 0 {
		return nil, s.errorf("the following arguments are required: %s", strings.Join(missing, ", "))
	}
	for i := range bound {
		spec := &s.Args[i]
		def, hasDef := spec.defaultValue()
		if !bound[i].Given && hasDef {
			bound[i].Value, bound[i].Valid = def, true
		}
		bound[i].IsDefault = hasDef && bound[i].Valid && bound[i].Value == def
	}
	return bound, nil
}

// lookupFlag finds the argument a flag refers to. It returns the argument
// index and the value attached to the flag with "=" or, for short flags, directly.
func (s *ArgSchema) lookupFlag(arg string, longs []string) (idx int, inline string, hasInline bool, err error) {
	name, inline, hasInline := strings.Cut(arg, "=")
	if strings.HasPrefix(name, "--") {
		long, err := pragma.MatchLong(name, longs)
		if err != nil {
			return 0, "", false, s.errorf("%v", err)
		}
		for i := range s.Args {
			if s.Args[i].Flag == long {
				return i, inline, hasInline, nil
			}
		}
	}
	for i := range s.Args {
		short := s.Args[i].Short
		switch {
		case short == "":
		case name == short:
			return i, inline, hasInline, nil
		case strings.HasPrefix(arg, short) && s.Args[i].Action == pragma.ActionStore:
			// "-mvalue" form.
			return i, arg[len(short):], true, nil
		}
	}
	return 0, "", false, s.errorf("unrecognized arguments: %s", arg)
}

func (s *ArgSchema) errorf(format string, args ...any) error {
	return &ArgError{Usage: s.Usage(), Msg: fmt.Sprintf(format, args...)}
}

func (spec *ArgSpec) displayName() string {
	if !spec.NonPositional {
		return spec.Name
	}
	if spec.Short != "" {
		return spec.Flag + "/" + spec.Short
	}
	return spec.Flag
}

// metavar returns the placeholder of the argument's value.
func (spec *ArgSpec) metavar() string {
	if len(spec.Choices) > 0 {
		return "{" + strings.Join(spec.Choices, ",") + "}"
	}
	return strings.ToUpper(spec.Name)
}

// Prog returns the pragma line the template is selected with.
func (s *ArgSchema) Prog() string { return "#pragma SSV " + s.Template }

// Usage returns the one line usage summary of the template.
func (s *ArgSchema) Usage() string {
	var sb strings.Builder
	sb.WriteString("usage: ")
	sb.WriteString(s.Prog())
	for i := range s.Args {
		spec := &s.Args[i]
		if !spec.NonPositional {
			continue
		}
		sb.WriteString(" [")
		sb.WriteString(spec.Flag)
		if spec.Action == pragma.ActionStore {
			sb.WriteByte(' ')
			sb.WriteString(spec.metavar())
		}
		sb.WriteByte(']')
	}
	for i := range s.Args {
		spec := &s.Args[i]
		if spec.NonPositional {
			continue
		}
		name := spec.Name
		if len(spec.Choices) > 0 {
			name = spec.metavar()
		}
		if spec.required() {
			sb.WriteString(" " + name)
		} else {
			sb.WriteString(" [" + name + "]")
		}
	}
	return sb.String()
}

const helpIndent = 24

// Help returns the usage, description and per-argument help of the template.
func (s *ArgSchema) Help() string {
	var sb strings.Builder
	sb.WriteString(s.Usage())
	sb.WriteString("\n")
	if s.Description != "" {
		sb.WriteString("\n" + s.Description + "\n")
	}
	section := func(title string, nonPositional bool) {
		first := true
		for i := range s.Args {
			spec := &s.Args[i]
			if spec.NonPositional != nonPositional {
				continue
			}
			if first {
				sb.WriteString("\n" + title + ":\n")
				first = false
			}
			var head string
			switch {
			case !nonPositional && len(spec.Choices) > 0:
				head = spec.metavar()
			case !nonPositional:
				head = spec.Name
			default:
				head = spec.Flag
				if spec.Action == pragma.ActionStore {
					head += " " + spec.metavar()
				}
				if spec.Short != "" {
					head += ", " + spec.Short
					if spec.Action == pragma.ActionStore {
						head += " " + spec.metavar()
					}
				}
			}
			help := spec.Description
			if def, ok := spec.defaultValue(); ok && spec.Action != pragma.ActionStoreConst {
				help = strings.TrimSpace(help + " (default: " + def + ")")
			}
			line := "  " + head
			switch {
			case help == "":
			case len(line) <= helpIndent-2:
				line += strings.Repeat(" ", helpIndent-len(line)) + help
			default:
				line += "\n" + strings.Repeat(" ", helpIndent) + help
			}
			sb.WriteString(line + "\n")
		}
	}
	section("positional arguments", false)
	section("options", true)
	if s.Author != "" {
		sb.WriteString("\nauthor: " + s.Author + "\n")
	}
	return sb.String()
}
