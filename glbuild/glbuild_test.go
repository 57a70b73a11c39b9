package glbuild_test

import (
	"math"
	"reflect"
	"testing"

	"github.com/soypat/geometry/ms2"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/gssv/glbuild"
)

func TestAppendFloat(t *testing.T) {
	for _, test := range []struct {
		v    float32
		want string
	}{
		{v: 1, want: "1."},
		{v: 0.5, want: "0.5"},
		{v: -2.25, want: "-2.25"},
		{v: 0, want: "0."},
	} {
		got := string(glbuild.AppendFloat(nil, '-', '.', test.v))
		if got != test.want {
			t.Errorf("AppendFloat(%v): want %q, got %q", test.v, test.want, got)
		}
	}
	// Identifier-safe formatting.
	got := string(glbuild.AppendFloat(nil, 'n', 'p', -1.5))
	if got != "n1p5" {
		t.Errorf("want n1p5, got %q", got)
	}
}

func TestTypename(t *testing.T) {
	for _, test := range []struct {
		v    any
		want string
	}{
		{v: float32(0), want: "float"},
		{v: ms2.Vec{}, want: "vec2"},
		{v: ms3.Vec{}, want: "vec3"},
		{v: [4]float32{}, want: "vec4"},
		{v: ms3.Mat4{}, want: "mat4"},
		{v: int32(0), want: "int"},
		{v: uint32(0), want: "uint"},
		{v: true, want: "bool"},
		{v: [2]int32{}, want: "ivec2"},
	} {
		got, err := glbuild.TypenameOf(test.v)
		if err != nil {
			t.Error(err)
		} else if got != test.want {
			t.Errorf("%T: want %q, got %q", test.v, test.want, got)
		}
	}
	_, err := glbuild.Typename(reflect.TypeOf("string"))
	if err == nil {
		t.Error("expected error for string type")
	}
	_, err = glbuild.Typename(nil)
	if err == nil {
		t.Error("expected error for nil type")
	}
}

func TestAppendLiteral(t *testing.T) {
	for _, test := range []struct {
		v    any
		want string
	}{
		{v: ms3.Vec{X: 1, Y: -0.5, Z: 2}, want: "vec3(1.,-0.5,2.)"},
		{v: ms2.Vec{X: 0.25}, want: "vec2(0.25,0.)"},
		{v: int32(-3), want: "-3"},
		{v: uint32(7), want: "7u"},
		{v: false, want: "false"},
		{v: [2]int32{1, 2}, want: "ivec2(1,2)"},
	} {
		got, err := glbuild.AppendLiteral(nil, test.v)
		if err != nil {
			t.Error(err)
		} else if string(got) != test.want {
			t.Errorf("%T: want %q, got %q", test.v, test.want, got)
		}
	}
	if _, err := glbuild.AppendLiteral(nil, math.NaN()); err == nil {
		t.Error("expected error for NaN literal")
	}
	if _, err := glbuild.AppendLiteral(nil, "abc"); err == nil {
		t.Error("expected error for string literal")
	}
}

func TestDecls(t *testing.T) {
	var b []byte
	b = glbuild.AppendVersionDecl(b, "420")
	b = glbuild.AppendExtensionDecl(b, "GL_ARB_shading_language_include", "")
	b = glbuild.AppendLineDecl(b, 12, "global_uniforms.glsl")
	b = glbuild.AppendDefineDecl(b, "SSV_SHADER", "1")
	b = glbuild.AppendDefineDecl(b, "EMPTY", "")
	b = glbuild.AppendUniformDecl(b, "vec3", "uColor")
	const want = "#version 420\n" +
		"#extension GL_ARB_shading_language_include : require\n" +
		"#line 12 \"global_uniforms.glsl\"\n" +
		"#define SSV_SHADER 1\n" +
		"#define EMPTY\n" +
		"uniform vec3 uColor;"
	if string(b) != want {
		t.Errorf("want\n%s\ngot\n%s", want, b)
	}
}

func TestIsIdentifier(t *testing.T) {
	for s, want := range map[string]bool{
		"xray":   true,
		"_a1":    true,
		"T_MODE": true,
		"1abc":   false,
		"":       false,
		"a-b":    false,
		"0.5":    false,
	} {
		if got := glbuild.IsIdentifier(s); got != want {
			t.Errorf("IsIdentifier(%q): want %v", s, want)
		}
	}
}
