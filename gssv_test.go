package gssv_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/soypat/gssv"
	"github.com/soypat/gssv/pragma"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const shadertoyTemplate = `
#pragma SSVTemplate define test_shadertoy
#pragma SSVTemplate stage vertex
#pragma SSVTemplate stage fragment
// Arguments get converted into compiler defines by the preprocessor
// an argument's name is transformed to match our naming convention:
//    entrypoint -> T_ENTRYPOINT
//    _varying_struct -> T_VARYING_STRUCT
#pragma SSVTemplate arg entrypoint --default mainImage -d "The name of the entrypoint function to the shader."
// Prefixing an argument name with an underscore is shorthand for --non_positional
// #pragma SSVTemplate arg _varying_struct --type str
// An example for an SDF shader
// #pragma SSVTemplate arg _render_mode --choices solid xray isolines 2d

#define SHADERTOY_COMPAT
// Include any default includes we think the user might want
#include "compat.glsl"
#include "global_uniforms.glsl"


#ifdef SHADER_STAGE_VERTEX
in vec2 in_vert;
in vec3 in_color;
out vec3 color;
out vec2 position;
void main() {
    gl_Position = vec4(in_vert, 0.0, 1.0);
    color = in_color;
    position = in_vert*0.5+0.5;
}
#endif //SHADER_STAGE_VERTEX


#ifdef SHADER_STAGE_FRAGMENT
out vec4 fragColor;
in vec3 color;
in vec2 position;

#include "TEMPLATE_DATA"

void main() {
    // Not using the color attribute causes the compiler to strip it and confuses modernGL.
    fragColor = T_ENTRYPOINT(position * iResolution) + vec4(color, 1.0)*1e-6;
}
#endif //SHADER_STAGE_FRAGMENT
`

const shadertoyShader = `
#pragma SSV test_shadertoy frag
// The entrypoint to the fragment shader
vec4 frag(vec2 fragPos)
{
    vec2 uv = fragPos.xy / iResolution.xy;

    return mix(uv.xyx, uv.yyx, sin(iTime)*0.5+0.5);
}
`

const wantVertex = `#version 420
#extension GL_ARB_shading_language_include : require
#line 3 "global_uniforms.glsl"
uniform float uTime;
uniform vec4 uResolution;
uniform vec2 uMouse;
#line 22 "test_shadertoy"
in vec2 in_vert;
in vec3 in_color;
out vec3 color;
out vec2 position;
void main() {
    gl_Position = vec4(in_vert, 0.0, 1.0);
    color = in_color;
    position = in_vert*0.5+0.5;
}
`

const wantFragment = `#version 420
#extension GL_ARB_shading_language_include : require
#line 3 "global_uniforms.glsl"
uniform float uTime;
uniform vec4 uResolution;
uniform vec2 uMouse;
#line 35 "test_shadertoy"
out vec4 fragColor;
in vec3 color;
in vec2 position;
#line 3 "TEMPLATE_DATA"
// The entrypoint to the fragment shader
vec4 frag(vec2 fragPos)
{
    vec2 uv = fragPos.xy / uResolution.xy;

    return mix(uv.xyx, uv.yyx, sin(uTime)*0.5+0.5);
}
#line 41 "test_shadertoy"
void main() {

    fragColor = frag(position * uResolution) + vec4(color, 1.0)*1e-6;
}
`

func TestPreprocessShadertoy(t *testing.T) {
	p := gssv.New(gssv.Config{GLVersion: "420"})
	cs, err := p.Preprocess(shadertoyShader, gssv.PreprocessOptions{
		Filename:            "test_shader.glsl",
		AdditionalTemplates: []string{shadertoyTemplate},
	})
	require.NoError(t, err)
	require.Len(t, cs.Shaders, 2)
	assert.Equal(t, wantVertex, cs.Shaders["vertex_shader"])
	assert.Equal(t, wantFragment, cs.Shaders["fragment_shader"])
	assert.Empty(t, cs.PrimitiveType)
	assert.Nil(t, cs.Blend)

	// Fresh engines every call give identical output.
	cs2, err := p.Preprocess(shadertoyShader, gssv.PreprocessOptions{AdditionalTemplates: []string{shadertoyTemplate}})
	require.NoError(t, err)
	assert.Equal(t, cs.Shaders, cs2.Shaders)
}

func TestArgSchemaShadertoy(t *testing.T) {
	sel, err := pragma.ParseShader(shadertoyShader, "test_shader.glsl", nil)
	require.NoError(t, err)
	md, err := pragma.ParseTemplate(shadertoyTemplate, "test_template.glsl", nil)
	require.NoError(t, err)
	schema, err := gssv.NewArgSchema(md)
	require.NoError(t, err)
	bound, err := schema.Bind(sel.Args)
	require.NoError(t, err)
	v, ok := bound.Lookup("entrypoint")
	assert.True(t, ok)
	assert.Equal(t, "frag", v)
	assert.Equal(t, "usage: #pragma SSV test_shadertoy [entrypoint]", schema.Usage())
}

const defaultsTemplate = `#pragma SSVTemplate define defaults --author "someone"
#pragma SSVTemplate stage fragment
#pragma SSVTemplate arg entrypoint --default mainImage
#pragma SSVTemplate arg _flip --action store_true
#pragma SSVTemplate arg _mode -c fast precise --default fast
#pragma SSVTemplate arg _scale --action store_const --const 2
#pragma SSVTemplate arg _label
entry T_ENTRYPOINT
#ifdef T_FLIP
flipped
#endif
#ifdef T_ENTRYPOINT_ISDEFAULT
entry_default
#endif
#if T_MODE == T_MODE_PRECISE
precise_mode
#else
fast_mode
#endif
#ifdef T_SCALE
scale T_SCALE
#endif
#ifdef T_LABEL
label T_LABEL
#endif
#include "TEMPLATE_DATA"
`

func nonBlankLines(s string) []string {
	var lines []string
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func TestArgumentMacros(t *testing.T) {
	p := gssv.New(gssv.Config{NoLineDirectives: true})
	opts := gssv.PreprocessOptions{AdditionalTemplates: []string{defaultsTemplate}}
	for _, test := range []struct {
		args string
		want []string
	}{
		{args: "", want: []string{"entry mainImage", "entry_default", "fast_mode"}},
		{args: "mainImage --mode=fast", want: []string{"entry mainImage", "entry_default", "fast_mode"}},
		{
			args: `frag --flip -m precise --sc --label="hello world"`,
			want: []string{"entry frag", "flipped", "precise_mode", "scale 2", "label hello world"},
		},
		{args: "--f -mprecise -- --neg", want: []string{"entry --neg", "flipped", "precise_mode"}},
	} {
		cs, err := p.Preprocess("#pragma SSV defaults "+test.args+"\n", opts)
		require.NoError(t, err, test.args)
		require.Len(t, cs.Shaders, 1)
		assert.Equal(t, test.want, nonBlankLines(cs.Shaders["fragment_shader"]), test.args)
	}
}

func TestArgumentErrors(t *testing.T) {
	p := gssv.New(gssv.Config{})
	opts := gssv.PreprocessOptions{AdditionalTemplates: []string{defaultsTemplate}}
	for args, msg := range map[string]string{
		"--mode slow":     "invalid choice",
		"--bogus":         "unrecognized arguments: --bogus",
		"a b":             "unrecognized arguments: b",
		"--mode":          "expected one argument",
		"--flip=yes":      "ignored explicit argument",
		"--mode --flip":   "expected one argument",
		"--label x --m y": "invalid choice",
	} {
		_, err := p.Preprocess("#pragma SSV defaults "+args+"\n", opts)
		var argErr *gssv.ArgError
		require.True(t, errors.As(err, &argErr), args)
		assert.Contains(t, argErr.Msg, msg, args)
		assert.Equal(t, "usage: #pragma SSV defaults [--flip] [--mode {fast,precise}] [--scale] [--label LABEL] [entrypoint]", argErr.Usage)
	}

	required := "#pragma SSVTemplate define req\n#pragma SSVTemplate stage fragment\n#pragma SSVTemplate arg name\n"
	_, err := p.Preprocess("#pragma SSV req\n", gssv.PreprocessOptions{AdditionalTemplates: []string{required}})
	var argErr *gssv.ArgError
	require.True(t, errors.As(err, &argErr))
	assert.Equal(t, "the following arguments are required: name", argErr.Msg)

	dup := "#pragma SSVTemplate define dup\n#pragma SSVTemplate stage fragment\n#pragma SSVTemplate arg x\n#pragma SSVTemplate arg _x\n"
	_, err = p.Preprocess("#pragma SSV dup\n", gssv.PreprocessOptions{AdditionalTemplates: []string{dup}})
	assert.ErrorContains(t, err, "duplicate template argument")
}

func TestShortFlagCollision(t *testing.T) {
	md, err := pragma.ParseTemplate("#pragma SSVTemplate arg _mode\n#pragma SSVTemplate arg _mask\n", "t", nil)
	require.NoError(t, err)
	schema, err := gssv.NewArgSchema(md)
	require.NoError(t, err)
	require.Len(t, schema.Args, 2)
	assert.Equal(t, "-m", schema.Args[0].Short)
	assert.Empty(t, schema.Args[1].Short)
	assert.Equal(t, "--mask", schema.Args[1].Flag)

	bound, err := schema.Bind([]string{"-m", "a", "--mas", "b"})
	require.NoError(t, err)
	mode, _ := bound.Lookup("mode")
	mask, _ := bound.Lookup("mask")
	assert.Equal(t, "a", mode)
	assert.Equal(t, "b", mask)
}

func TestChoiceMacrosKeepIdentifiers(t *testing.T) {
	const tmpl = `#pragma SSVTemplate define interp
#pragma SSVTemplate stage fragment
#pragma SSVTemplate arg _interp --choices mix step smooth_step --default mix
#if T_INTERP == T_INTERP_STEP
step_mode
#elif T_INTERP == T_INTERP_SMOOTH_STEP
smooth_mode
#else
mix_mode
#endif
#include "TEMPLATE_DATA"
`
	const body = "vec4 f(vec4 a, vec4 b) { float step = 0.5; return mix(a, b, step); }"
	p := gssv.New(gssv.Config{NoLineDirectives: true})
	opts := gssv.PreprocessOptions{AdditionalTemplates: []string{tmpl}}
	for args, mode := range map[string]string{
		"":                     "mix_mode",
		"--interp step":        "step_mode",
		"--interp smooth_step": "smooth_mode",
	} {
		cs, err := p.Preprocess("#pragma SSV interp "+args+"\n"+body+"\n", opts)
		require.NoError(t, err, args)
		assert.Equal(t, []string{mode, body}, nonBlankLines(cs.Shaders["fragment_shader"]), args)
	}
	assert.Equal(t, "T_RENDER_MODE_SMOOTH_STEP", gssv.ChoiceMacro("render_mode", "smooth-step"))

	// Equal choices of different arguments share their index.
	const shared = `#pragma SSVTemplate define shared
#pragma SSVTemplate stage fragment
#pragma SSVTemplate arg _a --choices x fast --default x
#pragma SSVTemplate arg _b --choices fast y --default y
#if T_A_FAST == T_B_FAST && T_A_X == 0 && T_B_Y == 2 && T_B == T_B_Y
shared
#endif
#include "TEMPLATE_DATA"
`
	cs, err := p.Preprocess("#pragma SSV shared\nfloat fast = 1.0;\n", gssv.PreprocessOptions{AdditionalTemplates: []string{shared}})
	require.NoError(t, err)
	assert.Equal(t, []string{"shared", "float fast = 1.0;"}, nonBlankLines(cs.Shaders["fragment_shader"]))

	// Built-in template choices are not user identifiers either.
	const sdf = "#pragma SSV sdf --render_mode slice\n" +
		"float map(vec3 p) { float slice = p.z; float solid = length(p)-1.0; return max(solid, slice); }\n"
	cs, err = p.Preprocess(sdf, gssv.PreprocessOptions{})
	require.NoError(t, err)
	frag := cs.Shaders["fragment_shader"]
	assert.Contains(t, frag, "float slice = p.z; float solid = length(p)-1.0; return max(solid, slice);")
	assert.Contains(t, frag, "cos(150.0*d)")
	assert.NotContains(t, frag, "glow")
}

func TestStageIsolation(t *testing.T) {
	const tmpl = `#pragma SSVTemplate define iso
#pragma SSVTemplate stage vertex fragment
#ifdef SHADER_STAGE_VERTEX
#define ONLY_VERTEX
vertex_code
#endif
#ifndef ONLY_VERTEX
not_vertex
#endif
#include "TEMPLATE_DATA"
`
	p := gssv.New(gssv.Config{NoLineDirectives: true})
	cs, err := p.Preprocess("#pragma SSV iso\nuser_code\n", gssv.PreprocessOptions{AdditionalTemplates: []string{tmpl}})
	require.NoError(t, err)
	assert.Equal(t, []string{"vertex_code", "user_code"}, nonBlankLines(cs.Shaders["vertex_shader"]))
	assert.Equal(t, []string{"not_vertex", "user_code"}, nonBlankLines(cs.Shaders["fragment_shader"]))
}

func TestTemplateNotFound(t *testing.T) {
	p := gssv.New(gssv.Config{})
	_, err := p.Preprocess("#pragma SSV Nope\n", gssv.PreprocessOptions{})
	require.ErrorIs(t, err, gssv.ErrTemplateNotFound)
	assert.Contains(t, err.Error(), "template_nope.glsl")

	_, err = p.TemplateUsage("nope", gssv.PreprocessOptions{})
	assert.ErrorIs(t, err, gssv.ErrTemplateNotFound)
}

func TestSelectionCount(t *testing.T) {
	p := gssv.New(gssv.Config{})
	_, err := p.Preprocess("void main(){}\n", gssv.PreprocessOptions{})
	assert.ErrorIs(t, err, pragma.ErrNoSelection)
	_, err = p.Preprocess("#pragma SSV shadertoy\n#pragma SSV shadertoy\n", gssv.PreprocessOptions{})
	assert.ErrorIs(t, err, pragma.ErrMultipleSelections)
	_, err = p.Preprocess("#pragma SSV shadertoy\nvoid mainImage(out vec4 c, in vec2 p){ c = vec4(1.0); }\n", gssv.PreprocessOptions{})
	assert.NoError(t, err)
}

func TestBuiltinTemplates(t *testing.T) {
	p := gssv.New(gssv.Config{})
	infos, err := p.Templates("")
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, info := range infos {
		assert.True(t, info.Builtin)
		names[info.Name] = true
	}
	for _, name := range []string{"shadertoy", "sdf", "point_cloud"} {
		assert.True(t, names[name], name)
	}

	cs, err := p.Preprocess("#pragma SSV sdf sphere --render_mode xray\nfloat sphere(vec3 p) { return length(p)-1.0; }\n", gssv.PreprocessOptions{})
	require.NoError(t, err)
	frag := cs.Shaders["fragment_shader"]
	assert.Contains(t, frag, "float sphere(vec3 p)")
	assert.Contains(t, frag, "glow/float(128)")
	assert.Contains(t, frag, "sphere(ro + rd*t)")
	assert.NotContains(t, frag, "T_RENDER_MODE")
	assert.Equal(t, pragma.PrimitiveTriangles, cs.PrimitiveType)

	cs, err = p.Preprocess("#pragma SSV point_cloud --round\n#pragma BLEND ONE ONE ONE ONE\nvec4 colour(vec3 p) { return vec4(p, 1.0); }\n", gssv.PreprocessOptions{})
	require.NoError(t, err)
	require.NotNil(t, cs.Blend)
	assert.Equal(t, pragma.BlendMode{SrcColor: pragma.BlendOne, DstColor: pragma.BlendOne, SrcAlpha: pragma.BlendOne, DstAlpha: pragma.BlendOne}, *cs.Blend)
	m := cs.Map()
	assert.Equal(t, "POINTS", m["primitive_type"])
	assert.Contains(t, m["fragment_shader"], "discard;")
	assert.Contains(t, m["vertex_shader"], "gl_PointSize = 4.0;")

	usage, err := p.TemplateUsage("SHADERTOY", gssv.PreprocessOptions{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(usage, "usage: #pragma SSV shadertoy [entrypoint]\n"), usage)
	assert.Contains(t, usage, "(default: mainImage)")
}

func TestTemplateDir(t *testing.T) {
	dir := t.TempDir()
	const tmpl = "#pragma SSVTemplate define custom -d \"From disk\"\n#pragma SSVTemplate stage fragment\ncustom_template\n#include \"TEMPLATE_DATA\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Template_Custom.GLSL"), []byte(tmpl), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	p := gssv.New(gssv.Config{})
	cs, err := p.Preprocess("#pragma SSV custom\nuser\n", gssv.PreprocessOptions{TemplateDir: dir})
	require.NoError(t, err)
	frag := cs.Shaders["fragment_shader"]
	assert.Contains(t, frag, "custom_template\n")
	assert.Contains(t, frag, "Template_Custom.GLSL")

	infos, err := p.Templates(dir)
	require.NoError(t, err)
	require.NotEmpty(t, infos)
	assert.Equal(t, "custom", infos[0].Name)
	assert.Equal(t, "From disk", infos[0].Description)
	assert.False(t, infos[0].Builtin)

	notDir := filepath.Join(dir, "notes.txt")
	_, err = p.Preprocess("#pragma SSV custom\n", gssv.PreprocessOptions{TemplateDir: notDir})
	assert.ErrorContains(t, err, "not a valid directory")
	_, err = p.Templates(notDir)
	assert.Error(t, err)
}

func TestFrameworkMacros(t *testing.T) {
	const shader = "#pragma SSV shadertoy\nvoid mainImage(out vec4 c, in vec2 p) { c = vec4(SCALE); }\n"
	p := gssv.New(gssv.Config{GLVersion: "330 core"})
	scale, err := gssv.DefineValue("SCALE", float32(0.5))
	require.NoError(t, err)
	cs, err := p.Preprocess(shader, gssv.PreprocessOptions{
		Extensions: []string{"GL_EXT_a", "GL_EXT_b"},
		Defines:    []gssv.MacroDefine{scale},
	})
	require.NoError(t, err)
	frag := cs.Shaders["fragment_shader"]
	assert.True(t, strings.HasPrefix(frag, "#version 330 core\n"+
		"#extension GL_ARB_shading_language_include : require\n"+
		"#extension GL_EXT_a : require\n"+
		"#extension GL_EXT_b : require\n"+
		"#line 3 \"global_uniforms.glsl\"\n"), frag)
	assert.Contains(t, frag, "c = vec4(0.5);")

	p = gssv.New(gssv.Config{NoLineDirectives: true})
	cs, err = p.Preprocess(shader, gssv.PreprocessOptions{Defines: []gssv.MacroDefine{{Name: "SCALE", Value: "2.0"}}})
	require.NoError(t, err)
	frag = cs.Shaders["fragment_shader"]
	assert.True(t, strings.HasPrefix(frag, "#version 420\nuniform float uTime;\n"), frag)
	assert.NotContains(t, frag, "#line")
	assert.Contains(t, frag, "c = vec4(2.0);")
}

func TestAppendDefines(t *testing.T) {
	const shader = "#pragma SSV shadertoy\nvoid mainImage(out vec4 c, in vec2 p) { c = vec4(1.0); }\n"
	p := gssv.New(gssv.Config{GLVersion: "330 core"})
	cs, err := p.Preprocess(shader, gssv.PreprocessOptions{
		Extensions: []string{"GL_EXT_a", "GL_EXT_b"},
		Defines:    []gssv.MacroDefine{{Name: "EMPTY"}},
	})
	require.NoError(t, err)
	out := string(gssv.AppendDefines(nil, cs.Defines))
	assert.Contains(t, out, "#define SSV_SHADER 1\n")
	assert.Contains(t, out, "#define _GL_VERSION #version 330 core\n")
	assert.Contains(t, out, "#define _GL_ADDITIONAL_EXTENSIONS #extension GL_EXT_a : require\\\n#extension GL_EXT_b : require\n")
	assert.Contains(t, out, "#define EMPTY\n")
	for _, d := range cs.Defines {
		assert.NotEqual(t, "SHADER_STAGE_FRAGMENT", d.Name)
	}

	assert.Equal(t, "#define A 1\n#define B\n", string(gssv.AppendDefines(nil, []gssv.MacroDefine{{Name: "A", Value: "1"}, {Name: "B"}})))
	assert.Empty(t, gssv.AppendDefines(nil, nil))
}

func TestDynamicUniforms(t *testing.T) {
	const shader = "#pragma SSV shadertoy\nvoid mainImage(out vec4 c, in vec2 p) { c = vec4(uColor, uScale); }\n"
	p := gssv.New(gssv.Config{})
	require.NoError(t, p.AddDynamicUniform("uColor", "vec3"))
	require.NoError(t, p.AddDynamicUniformValue("uScale", float32(1)))
	assert.Error(t, p.AddDynamicUniform("1bad", "float"))
	assert.Error(t, p.AddDynamicUniformValue("uBad", "string"))

	cs, err := p.Preprocess(shader, gssv.PreprocessOptions{})
	require.NoError(t, err)
	assert.Contains(t, cs.Shaders["fragment_shader"], "uniform vec3 uColor;\nuniform float uScale;\n")

	assert.True(t, p.RemoveDynamicUniform("uColor"))
	assert.False(t, p.RemoveDynamicUniform("uColor"))
	assert.Equal(t, "uniform float uScale;", p.DynamicUniforms())
	cs, err = p.Preprocess(shader, gssv.PreprocessOptions{})
	require.NoError(t, err)
	assert.NotContains(t, cs.Shaders["fragment_shader"], "uColor;")
}

func TestStageError(t *testing.T) {
	const tmpl = `#pragma SSVTemplate define broken
#pragma SSVTemplate stage vertex fragment
#ifdef SHADER_STAGE_FRAGMENT
#error fragment is broken
#endif
`
	p := gssv.New(gssv.Config{})
	_, err := p.Preprocess("#pragma SSV broken\n", gssv.PreprocessOptions{AdditionalTemplates: []string{tmpl}})
	var stageErr *gssv.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, pragma.StageFragment, stageErr.Stage)
	require.Len(t, stageErr.Diagnostics, 1)
	assert.Equal(t, 4, stageErr.Diagnostics[0].Line)
	assert.Equal(t, "broken", stageErr.Diagnostics[0].Source)
	assert.Contains(t, err.Error(), "fragment is broken")
}
