package gssv

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/soypat/gssv/glbuild"
)

// MacroDefine is a macro handed to the preprocessor. Later definitions of
// the same name override earlier ones.
type MacroDefine struct {
	Name  string
	Value string
}

// DefineValue returns a define whose value is the GLSL literal of v, i.e:
// DefineValue("SCALE", float32(2)) defines SCALE as "2.".
func DefineValue(name string, v any) (MacroDefine, error) {
	b, err := glbuild.AppendLiteral(nil, v)
	if err != nil {
		return MacroDefine{}, fmt.Errorf("define %s: %w", name, err)
	}
	return MacroDefine{Name: name, Value: string(b)}, nil
}

// ArgMacro returns the macro name of a template argument: "render_mode" is T_RENDER_MODE.
func ArgMacro(name string) string {
	return "T_" + strings.ToUpper(name)
}

// AppendDefines appends defines as #define directives. Newlines in
// multi-line values are escaped with line continuations.
func AppendDefines(b []byte, defines []MacroDefine) []byte {
	for _, d := range defines {
		b = glbuild.AppendDefineDecl(b, d.Name, strings.ReplaceAll(d.Value, "\n", "\\\n"))
	}
	return b
}

// ChoiceMacro returns the macro holding the index of one choice of a
// template argument, i.e: choice "slice" of render_mode is T_RENDER_MODE_SLICE.
// Characters that cannot appear in an identifier become underscores.
func ChoiceMacro(arg, choice string) string {
	return ArgMacro(arg) + "_" + strings.Map(func(r rune) rune {
		switch {
		case r == '_', '0' <= r && r <= '9', 'A' <= r && r <= 'Z':
			return r
		case 'a' <= r && r <= 'z':
			return r - 'a' + 'A'
		}
		return '_'
	}, choice)
}

// makeDefines returns the macros shared by all stages of a compilation.
func (p *Preprocessor) makeDefines(schema *ArgSchema, bound BoundArgs, opts PreprocessOptions) []MacroDefine {
	var defines []MacroDefine
	// Each distinct choice value of the template gets a stable index in
	// first-seen order. Choices are defined under their argument's
	// namespace and the argument expands to the chosen constant, so
	// templates compare with #if T_MODE == T_MODE_FAST.
	index := make(map[string]int)
	choices := make(map[string][]string)
	for _, spec := range schema.Args {
		if len(spec.Choices) == 0 {
			continue
		}
		choices[spec.Name] = spec.Choices
		seen := make(map[string]bool)
		for _, c := range spec.Choices {
			i, ok := index[c]
			if !ok {
				i = len(index)
				index[c] = i
			}
			name := ChoiceMacro(spec.Name, c)
			if seen[name] {
				continue
			}
			seen[name] = true
			defines = append(defines, MacroDefine{Name: name, Value: fmt.Sprint(i)})
		}
	}
	for _, a := range bound {
		if !a.Valid {
			continue
		}
		name := ArgMacro(a.Name)
		if a.IsDefault {
			defines = append(defines, MacroDefine{Name: name + "_ISDEFAULT", Value: "1"})
		}
		if _, ok := choices[a.Name]; ok {
			defines = append(defines, MacroDefine{Name: name, Value: ChoiceMacro(a.Name, a.Value)})
			continue
		}
		switch strings.ToLower(a.Value) {
		case "false":
			continue
		case "true":
			defines = append(defines, MacroDefine{Name: name, Value: "1"})
		default:
			defines = append(defines, MacroDefine{Name: name, Value: a.Value})
		}
	}

	defines = append(defines,
		MacroDefine{Name: "SSV_SHADER", Value: "1"},
		MacroDefine{Name: "_GL_VERSION", Value: strings.TrimSuffix(string(glbuild.AppendVersionDecl(nil, p.cfg.GLVersion)), "\n")},
	)
	if !p.cfg.NoLineDirectives {
		defines = append(defines, MacroDefine{Name: "_GL_SUPPORTS_LINE_DIRECTIVES", Value: "1"})
	}
	if len(opts.Extensions) > 0 {
		var b []byte
		for _, ext := range opts.Extensions {
			b = glbuild.AppendExtensionDecl(b, ext, "require")
		}
		defines = append(defines, MacroDefine{Name: "_GL_ADDITIONAL_EXTENSIONS", Value: strings.TrimSuffix(string(b), "\n")})
	}
	defines = append(defines, p.cfg.Defines...)
	defines = append(defines, opts.Defines...)
	defines = append(defines, MacroDefine{Name: "_DYNAMIC_UNIFORMS", Value: p.DynamicUniforms()})

	log := p.logger()
	if log.Enabled(context.Background(), slog.LevelDebug) {
		for _, d := range defines {
			log.Debug("define", slog.String("name", d.Name), slog.String("value", d.Value))
		}
	}
	return defines
}
