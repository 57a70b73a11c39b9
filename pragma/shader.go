package pragma

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/soypat/gssv/glpp"
)

var (
	// ErrNoSelection is returned when a shader has no #pragma SSV line.
	ErrNoSelection = errors.New("shader does not select a template, did you forget `#pragma SSV <template_name>`?")
	// ErrMultipleSelections is returned when a shader has more than one #pragma SSV line.
	ErrMultipleSelections = errors.New("shader selects more than one template, only one `#pragma SSV` is allowed")
)

// ShaderSelection is the template selection of a user shader.
type ShaderSelection struct {
	Template string
	// Args are the template arguments following the template name.
	Args []string
	// Blend overrides the template's blend mode when not nil.
	Blend *BlendMode
	// Source and Line locate the #pragma SSV line.
	Source string
	Line   int
}

// ShaderParser extracts the template selection of a user shader.
type ShaderParser struct {
	Resolver glpp.IncludeResolver
	Logger   *slog.Logger
}

// Parse preprocesses the shader source and returns its single template selection.
func (sp *ShaderParser) Parse(src, filename string) (*ShaderSelection, error) {
	var (
		selections []ShaderSelection
		blend      *BlendMode
		errs       []error
	)
	pp := glpp.New(glpp.Config{
		Resolver:              sp.Resolver,
		IgnoreMissingIncludes: true,
		NoLineDirectives:      true,
		Logger:                sp.Logger,
		Pragma: func(p *glpp.Pragma) (bool, error) {
			switch p.Name {
			case "SSV":
				args := Tokenize(p.Args)
				if len(args) == 0 {
					errs = append(errs, &PragmaError{Source: p.Source, Line: p.Line, Msg: "the following arguments are required: template_name"})
					return true, nil
				}
				selections = append(selections, ShaderSelection{
					Template: args[0],
					Args:     args[1:],
					Source:   p.Source,
					Line:     p.Line,
				})
			case "BLEND":
				bm, err := ParseBlendMode(Tokenize(p.Args))
				if err != nil {
					errs = append(errs, &PragmaError{Source: p.Source, Line: p.Line, Msg: err.Error()})
					return true, nil
				}
				blend = &bm
			default:
				return false, nil
			}
			return true, nil
		},
	})
	pp.Parse(src, filename)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	switch len(selections) {
	case 0:
		return nil, ErrNoSelection
	case 1:
	default:
		second := selections[1]
		return nil, fmt.Errorf("%s:%d: %w", second.Source, second.Line, ErrMultipleSelections)
	}
	sel := selections[0]
	sel.Blend = blend
	return &sel, nil
}

// ParseShader parses a shader's template selection using a default [ShaderParser].
func ParseShader(src, filename string, resolver glpp.IncludeResolver) (*ShaderSelection, error) {
	sp := ShaderParser{Resolver: resolver}
	return sp.Parse(src, filename)
}

type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }
