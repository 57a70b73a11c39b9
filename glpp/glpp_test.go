package glpp_test

import (
	"strings"
	"testing"

	"github.com/soypat/gssv/glpp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func preprocess(t *testing.T, cfg glpp.Config, src string) (string, *glpp.Preprocessor) {
	t.Helper()
	pp := glpp.New(cfg)
	pp.Parse(src, "main")
	return pp.String(), pp
}

var noLines = glpp.Config{NoLineDirectives: true}

func TestMacroExpansion(t *testing.T) {
	for _, test := range []struct {
		name string
		src  string
		want string
	}{
		{
			name: "recursive",
			src:  "#define A B\n#define B A\nA B\n",
			want: "A B\n",
		},
		{
			name: "function",
			src:  "#define ADD(a,b) ((a)+(b))\nADD(1, ADD(2,3))\n",
			want: "((1)+(((2)+(3))))\n",
		},
		{
			name: "stringize and paste",
			src:  "#define STR(x) #x\n#define CAT(a, b) a ## b\nSTR( hi   there ) CAT(foo,bar)\n",
			want: "\"hi there\" foobar\n",
		},
		{
			name: "variadic",
			src:  "#define V(f, ...) call(f, __VA_ARGS__)\nV(1,2,3)\n",
			want: "call(1, 2,3)\n",
		},
		{
			name: "not an invocation",
			src:  "#define F(x) x\nfloat F;\n",
			want: "float F;\n",
		},
		{
			name: "multiline invocation",
			src:  "#define F(a,b) a+b\nF(1,\n2)\nx\n",
			want: "1+2\n\nx\n",
		},
		{
			name: "builtin line",
			src:  "\n\n__LINE__\n",
			want: "3\n",
		},
		{
			name: "undef",
			src:  "#define X 1\n#undef X\nX\n",
			want: "X\n",
		},
		{
			name: "line continuation",
			src:  "#define LONG 1 + \\\n 2\nLONG\n",
			want: "1 +  2\n",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, pp := preprocess(t, noLines, test.src)
			require.NoError(t, pp.Err())
			assert.Equal(t, test.want, got)
		})
	}
}

func TestConditionals(t *testing.T) {
	const src = `#define X 2
#if X > 1 && defined(X)
yes
#elif 1
no
#else
no2
#endif
#ifndef Y
ny
#else
#error should not be reached
#endif
#if 0
#if 1
nested
#endif
#else
else
#endif
`
	got, pp := preprocess(t, noLines, src)
	require.NoError(t, pp.Err())
	assert.Equal(t, "yes\n"+strings.Repeat("\n", 6)+"ny\n\nelse\n", got)
	assert.NotContains(t, got, "no")
}

func TestConditionExpressions(t *testing.T) {
	for expr, want := range map[string]bool{
		"1 + 2 * 3 == 7":          true,
		"(1 + 2) * 3 == 7":        false,
		"0x10 == 16":              true,
		"010 == 8":                true,
		"!defined UNDEFINED":      true,
		"UNDEFINED_IDENT":         false,
		"1 ? 0 : 1":               false,
		"-1 < 0 && ~0 == -1":      true,
		"(1 << 4) >> 2 == 4":      true,
		"10 % 3 == 1 || 0":        true,
		"2u == 2":                 true,
		"defined(__LINE__)":       true,
		"5 >= 5 && 4 <= 3":        false,
		"(7 & 3) ^ 3 | 8 == 10":   false,
		"((7 & 3) ^ 1 | 8) == 10": true,
	} {
		src := "#if " + expr + "\ntrue\n#else\nfalse\n#endif\n"
		got, pp := preprocess(t, noLines, src)
		if !assert.NoError(t, pp.Err(), expr) {
			continue
		}
		result := strings.TrimSpace(got) == "true"
		assert.Equal(t, want, result, expr)
	}
}

func TestConditionErrors(t *testing.T) {
	for _, src := range []string{
		"#if 1 / 0\n#endif\n",
		"#if\n#endif\n",
		"#if 1\n",
		"#endif\n",
		"#else\n",
		"#if (1\n#endif\n",
		"#define\n",
		"#define F(a,a) a\n",
		"#error boom\n",
		"#define F(a,b) a\nF(1)\n",
		"#include \"missing.glsl\"\n",
		"#pragma PreventLine maybe\n",
	} {
		_, pp := preprocess(t, noLines, src)
		assert.Greater(t, pp.ErrorCount(), 0, src)
		assert.Error(t, pp.Err(), src)
	}
}

func TestIncludeAndLineDirectives(t *testing.T) {
	files := map[string]string{
		"inc.glsl":  "#pragma once\nx\n",
		"deep.glsl": "#include \"deep.glsl\"\n",
	}
	resolver := glpp.ResolverFunc(func(name, from string) (string, string, error) {
		text, ok := files[name]
		if !ok {
			return "", "", glpp.ErrNotFound
		}
		return name, text, nil
	})
	got, pp := preprocess(t, glpp.Config{Resolver: resolver}, "a\n#include \"inc.glsl\"\n#include <inc.glsl>\nb\n")
	require.NoError(t, pp.Err())
	assert.Equal(t, "#line 1 \"main\"\na\n#line 2 \"inc.glsl\"\nx\n#line 4 \"main\"\nb\n", got)

	_, pp = preprocess(t, glpp.Config{Resolver: resolver, MaxIncludeDepth: 8}, "#include \"deep.glsl\"\n")
	assert.Equal(t, 1, pp.ErrorCount())

	_, pp = preprocess(t, glpp.Config{Resolver: resolver, IgnoreMissingIncludes: true}, "#include \"nope.glsl\"\n")
	assert.Equal(t, 0, pp.ErrorCount())
}

func TestLineGaps(t *testing.T) {
	got, _ := preprocess(t, glpp.Config{}, "a\n\n\nb\n")
	assert.Equal(t, "#line 1 \"main\"\na\n\n\nb\n", got)

	src := "a\n" + strings.Repeat("\n", 8) + "b\n"
	got, _ = preprocess(t, glpp.Config{}, src)
	assert.Equal(t, "#line 1 \"main\"\na\n#line 10 \"main\"\nb\n", got)

	got, _ = preprocess(t, noLines, src)
	assert.Equal(t, "a\n\nb\n", got)
}

func TestPreventLine(t *testing.T) {
	files := map[string]string{"uniforms.glsl": "\n\nuniform float uTime;\n"}
	resolver := glpp.ResolverFunc(func(name, from string) (string, string, error) {
		return name, files[name], nil
	})
	const src = "#pragma PreventLine true\n#version 420\n#pragma PreventLine false\n#include \"uniforms.glsl\"\nvoid main(){}\n"
	got, pp := preprocess(t, glpp.Config{Resolver: resolver}, src)
	require.NoError(t, pp.Err())
	const want = "#version 420\n" +
		"#line 3 \"uniforms.glsl\"\nuniform float uTime;\n" +
		"#line 5 \"main\"\nvoid main(){}\n"
	assert.Equal(t, want, got)
}

func TestPragmas(t *testing.T) {
	var seen []string
	cfg := glpp.Config{
		NoLineDirectives: true,
		Pragma: func(p *glpp.Pragma) (bool, error) {
			seen = append(seen, p.Name+":"+strings.TrimSpace(glpp.JoinTokens(p.Args)))
			return p.Name == "custom", nil
		},
	}
	const src = "#pragma SSV tmpl --flag\n#pragma custom 1\n#pragma optimize(on)\n#extension GL_foo : enable\n#if 0\n#pragma SSV hidden\n#endif\n"
	got, pp := preprocess(t, cfg, src)
	require.NoError(t, pp.Err())
	assert.Equal(t, "#pragma optimize(on)\n#extension GL_foo : enable\n", got)
	assert.Equal(t, []string{"SSV:tmpl --flag", "custom:1", "optimize:(on)"}, seen)
}

func TestComments(t *testing.T) {
	resolver := glpp.ResolverFunc(func(name, from string) (string, string, error) {
		return name, "// user comment\nvoid f(); /* trailing */\n", nil
	})
	cfg := glpp.Config{
		NoLineDirectives: true,
		Resolver:         resolver,
		KeepComment:      func(source string) bool { return source == "user" },
	}
	got, pp := preprocess(t, cfg, "int a; // template comment\n/* block\ncomment */ int b;\n#include \"user\"\n")
	require.NoError(t, pp.Err())
	assert.Equal(t, "int a;\n  int b;\n// user comment\nvoid f(); /* trailing */\n", got)
}

func TestDefineAPI(t *testing.T) {
	pp := glpp.New(noLines)
	pp.Define("U", "uniform float a;\nuniform float b;")
	require.NoError(t, pp.DefineText("SQ(x) ((x)*(x))"))
	require.NoError(t, pp.DefineText("T_ENTRY mainImage"))
	require.Error(t, pp.DefineText("(bad"))
	v, ok := pp.Macro("T_ENTRY")
	assert.True(t, ok)
	assert.Equal(t, "mainImage", v)
	pp.Parse("U\nSQ(T_ENTRY)\n", "main")
	require.NoError(t, pp.Err())
	assert.Equal(t, "uniform float a;\nuniform float b;\n((mainImage)*(mainImage))\n", pp.String())
}
