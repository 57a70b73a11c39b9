// Package gssv compiles template based GLSL shaders.
//
// A user shader selects a template with a single pragma line and may pass
// it arguments:
//
//	#pragma SSV shadertoy myImage
//	void myImage(out vec4 fragColor, in vec2 fragCoord) { ... }
//
// The template is a complete GLSL program declaring its metadata with
// #pragma SSVTemplate lines and splicing the user shader in with
// #include "TEMPLATE_DATA". [Preprocessor.Preprocess] binds the arguments,
// turns them into macros and runs the template through [glpp] once per
// pipeline stage the template declares.
package gssv

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/soypat/gssv/glbuild"
	"github.com/soypat/gssv/glpp"
	"github.com/soypat/gssv/pragma"
	"github.com/soypat/gssv/shaders"
	"golang.org/x/sync/errgroup"
)

// TemplateData is the include name under which the user shader is spliced into a template.
const TemplateData = "TEMPLATE_DATA"

// Config configures a [Preprocessor]. The zero value is ready to use.
type Config struct {
	// GLVersion is written by the _GL_VERSION macro. Defaults to [glbuild.DefaultVersion].
	GLVersion string
	// NoLineDirectives disables #line output and leaves _GL_SUPPORTS_LINE_DIRECTIVES undefined.
	NoLineDirectives bool
	// Defines are added to every compilation.
	Defines []MacroDefine
	// TemplateFS holds the built-in templates and includes. Defaults to [shaders.FS].
	TemplateFS fs.FS
	// Logger defaults to the package logger.
	Logger *slog.Logger
}

// PreprocessOptions configures a single [Preprocessor.Preprocess] call.
type PreprocessOptions struct {
	// Filename names the user shader in diagnostics.
	Filename string
	// TemplateDir is searched for template_<name>.glsl before the built-in templates.
	TemplateDir string
	// AdditionalTemplates are template sources searched first, matched by their define name.
	AdditionalTemplates []string
	// Defines are added after the configured defines.
	Defines []MacroDefine
	// Extensions are GLSL extensions required by the shader, i.e: GL_EXT_control_flow_attributes.
	Extensions []string
}

// CompiledShaders is the result of preprocessing a shader.
type CompiledShaders struct {
	// Shaders maps "<stage>_shader" keys to GLSL source.
	Shaders map[string]string
	// PrimitiveType is the template's input primitive or empty.
	PrimitiveType pragma.Primitive
	// Blend is the shader's #pragma BLEND mode, else the template's blend_mode, else nil.
	Blend *pragma.BlendMode
	// Defines are the macros every stage was compiled with, excluding SHADER_STAGE_<STAGE>.
	Defines []MacroDefine
}

// Map returns the compiled sources keyed by stage plus "primitive_type" when set.
func (cs *CompiledShaders) Map() map[string]string {
	m := maps.Clone(cs.Shaders)
	if m == nil {
		m = make(map[string]string)
	}
	if cs.PrimitiveType != "" {
		m["primitive_type"] = string(cs.PrimitiveType)
	}
	return m
}

// Stage returns the compiled source of st.
func (cs *CompiledShaders) Stage(st pragma.Stage) (string, bool) {
	src, ok := cs.Shaders[st.Key()]
	return src, ok
}

// ErrTemplateNotFound is returned when no template matches the selected name.
var ErrTemplateNotFound = errors.New("shader template not found")

// StageError reports the preprocessing errors of one pipeline stage.
type StageError struct {
	Stage       pragma.Stage
	Diagnostics []glpp.Diagnostic
}

func (e *StageError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s stage failed with %d error(s)", e.Stage, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		sb.WriteString("\n\t")
		sb.WriteString(d.Error())
	}
	return sb.String()
}

// Preprocessor compiles user shaders against templates. It is safe for
// concurrent use; every call uses its own preprocessing engines.
type Preprocessor struct {
	cfg  Config
	fsys fs.FS

	mu       sync.Mutex
	uniforms []MacroDefine // Name is the uniform name, Value its declaration.
}

// New returns a Preprocessor configured with cfg.
func New(cfg Config) *Preprocessor {
	if cfg.GLVersion == "" {
		cfg.GLVersion = glbuild.DefaultVersion
	}
	p := &Preprocessor{cfg: cfg, fsys: cfg.TemplateFS}
	if p.fsys == nil {
		p.fsys = shaders.FS
	}
	return p
}

func (p *Preprocessor) logger() *slog.Logger {
	if p.cfg.Logger != nil {
		return p.cfg.Logger
	}
	return Logger()
}

// Preprocess compiles source into one GLSL program per stage of the
// template it selects.
func (p *Preprocessor) Preprocess(source string, opts PreprocessOptions) (*CompiledShaders, error) {
	log := p.logger()
	filename := opts.Filename
	if filename == "" {
		filename = TemplateData
	}
	sp := pragma.ShaderParser{Resolver: p.resolver(""), Logger: log}
	sel, err := sp.Parse(source, filename)
	if err != nil {
		return nil, err
	}
	tmpl, err := p.findTemplate(sel.Template, opts)
	if err != nil {
		return nil, err
	}
	log.Debug("template resolved", slog.String("template", sel.Template), slog.String("path", tmpl.path))

	md, err := p.parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	schema, err := NewArgSchema(md)
	if err != nil {
		return nil, err
	}
	bound, err := schema.Bind(sel.Args)
	if err != nil {
		return nil, err
	}
	defines := p.makeDefines(schema, bound, opts)
	stages := md.Stages()
	if len(stages) == 0 {
		return nil, fmt.Errorf("template %q declares no stages", tmpl.path)
	}

	var (
		g       errgroup.Group
		outputs = make([]string, len(stages))
		errs    = make([]error, len(stages))
	)
	for i, st := range stages {
		g.Go(func() error {
			outputs[i], errs[i] = p.compileStage(st, tmpl, source, defines)
			return nil
		})
	}
	g.Wait()
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	cs := &CompiledShaders{Shaders: make(map[string]string, len(stages)), Defines: defines}
	for i, st := range stages {
		cs.Shaders[st.Key()] = outputs[i]
	}
	cs.PrimitiveType, _ = md.InputPrimitive()
	if bm, ok := md.BlendMode(); ok {
		cs.Blend = &bm
	}
	if sel.Blend != nil {
		bm := *sel.Blend
		cs.Blend = &bm
	}
	return cs, nil
}

func (p *Preprocessor) compileStage(st pragma.Stage, tmpl template, source string, defines []MacroDefine) (string, error) {
	pp := glpp.New(glpp.Config{
		Resolver:         p.resolver(source),
		KeepComment:      func(src string) bool { return src == TemplateData },
		NoLineDirectives: p.cfg.NoLineDirectives,
		Logger:           p.logger(),
	})
	for _, d := range defines {
		pp.Define(d.Name, d.Value)
	}
	pp.Define(st.Macro(), "1")
	pp.Parse(tmpl.source, tmpl.path)
	if pp.ErrorCount() > 0 {
		var diags []glpp.Diagnostic
		for _, d := range pp.Diagnostics() {
			if !d.Warning {
				diags = append(diags, d)
			}
		}
		return "", &StageError{Stage: st, Diagnostics: diags}
	}
	return pp.String(), nil
}

// resolver returns the include resolver used while compiling. Includes are
// looked up on disk, then TEMPLATE_DATA is matched to the user shader source,
// then the template filesystem is searched by base name.
func (p *Preprocessor) resolver(source string) glpp.IncludeResolver {
	return glpp.ResolverFunc(func(name, from string) (string, string, error) {
		if b, err := os.ReadFile(name); err == nil {
			return name, string(b), nil
		}
		base := path.Base(filepath.ToSlash(name))
		if base == TemplateData {
			return TemplateData, source, nil
		}
		b, err := fs.ReadFile(p.fsys, base)
		if err != nil {
			return "", "", fmt.Errorf("%w: %s", glpp.ErrNotFound, name)
		}
		return base, string(b), nil
	})
}

func (p *Preprocessor) parseTemplate(tmpl template) (*pragma.TemplateMetadata, error) {
	tp := pragma.TemplateParser{Resolver: p.resolver(""), Logger: p.logger()}
	return tp.Parse(tmpl.source, tmpl.path)
}

// AddDynamicUniform adds "uniform <glslType> <name>;" to the _DYNAMIC_UNIFORMS
// macro of subsequent compilations. Adding an existing name replaces its type.
func (p *Preprocessor) AddDynamicUniform(name, glslType string) error {
	if !glbuild.IsIdentifier(name) {
		return fmt.Errorf("invalid uniform name %q", name)
	}
	if !glbuild.IsIdentifier(glslType) {
		return fmt.Errorf("invalid uniform type %q", glslType)
	}
	decl := string(glbuild.AppendUniformDecl(nil, glslType, name))
	p.mu.Lock()
	defer p.mu.Unlock()
	i := slices.IndexFunc(p.uniforms, func(d MacroDefine) bool { return d.Name == name })
	if i >= 0 {
		p.uniforms[i].Value = decl
	} else {
		p.uniforms = append(p.uniforms, MacroDefine{Name: name, Value: decl})
	}
	return nil
}

// AddDynamicUniformValue adds a dynamic uniform whose GLSL type is inferred
// from sample, see [glbuild.Typename].
func (p *Preprocessor) AddDynamicUniformValue(name string, sample any) error {
	typename, err := glbuild.TypenameOf(sample)
	if err != nil {
		return fmt.Errorf("uniform %s: %w", name, err)
	}
	return p.AddDynamicUniform(name, typename)
}

// RemoveDynamicUniform removes a uniform added with [Preprocessor.AddDynamicUniform].
// It reports whether the uniform existed.
func (p *Preprocessor) RemoveDynamicUniform(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.uniforms)
	p.uniforms = slices.DeleteFunc(p.uniforms, func(d MacroDefine) bool { return d.Name == name })
	return len(p.uniforms) != n
}

// DynamicUniforms returns the current _DYNAMIC_UNIFORMS block.
func (p *Preprocessor) DynamicUniforms() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	decls := make([]string, len(p.uniforms))
	for i, d := range p.uniforms {
		decls[i] = d.Value
	}
	return strings.Join(decls, "\n")
}
