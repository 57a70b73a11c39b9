// Package glbuild contains helpers for generating GLSL source text: preprocessor
// declarations, uniform declarations and literals built from Go values.
package glbuild

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/chewxy/math32"
	"github.com/soypat/geometry/md2"
	"github.com/soypat/geometry/md3"
	"github.com/soypat/geometry/ms2"
	"github.com/soypat/geometry/ms3"
)

// DefaultVersion is the GLSL version used when none is configured.
const DefaultVersion = "420"

// AppendVersionDecl appends a #version directive. Version is the bare number
// optionally followed by a profile, i.e: "330 core".
func AppendVersionDecl(b []byte, version string) []byte {
	b = append(b, "#version "...)
	b = append(b, strings.TrimSpace(version)...)
	b = append(b, '\n')
	return b
}

// AppendExtensionDecl appends an #extension directive. An empty behavior defaults to "require".
func AppendExtensionDecl(b []byte, extension, behavior string) []byte {
	if behavior == "" {
		behavior = "require"
	}
	b = append(b, "#extension "...)
	b = append(b, extension...)
	b = append(b, " : "...)
	b = append(b, behavior...)
	b = append(b, '\n')
	return b
}

// AppendLineDecl appends a #line directive naming the source string in quotes.
func AppendLineDecl(b []byte, line int, source string) []byte {
	b = append(b, "#line "...)
	b = strconv.AppendInt(b, int64(line), 10)
	if source != "" {
		b = append(b, ' ')
		b = strconv.AppendQuote(b, source)
	}
	b = append(b, '\n')
	return b
}

// AppendDefineDecl appends a #define directive. An empty replacement defines an empty macro.
func AppendDefineDecl(b []byte, aliasToDefine, aliasReplace string) []byte {
	b = append(b, "#define "...)
	b = append(b, aliasToDefine...)
	if aliasReplace != "" {
		b = append(b, ' ')
		b = append(b, aliasReplace...)
	}
	b = append(b, '\n')
	return b
}

// AppendUniformDecl appends a uniform declaration without trailing newline, i.e: "uniform vec3 uColor;".
func AppendUniformDecl(b []byte, typename, name string) []byte {
	b = append(b, "uniform "...)
	b = append(b, typename...)
	b = append(b, ' ')
	b = append(b, name...)
	b = append(b, ';')
	return b
}

// Typename returns the GLSL type name equivalent to the Go type.
func Typename(tp reflect.Type) (typename string, err error) {
	switch tp {
	case reflect.TypeOf(md2.Vec{}):
		typename = "dvec2"
	case reflect.TypeOf(md3.Vec{}):
		typename = "dvec3"
	case reflect.TypeOf(float64(0)):
		typename = "double"
	case reflect.TypeOf(float32(0)):
		typename = "float"
	case reflect.TypeOf(ms2.Vec{}), reflect.TypeOf([2]float32{}):
		typename = "vec2"
	case reflect.TypeOf(ms3.Vec{}), reflect.TypeOf([3]float32{}):
		typename = "vec3"
	case reflect.TypeOf([2]ms2.Vec{}), reflect.TypeOf([4]float32{}):
		typename = "vec4"
	case reflect.TypeOf(ms2.Mat2{}):
		typename = "mat2"
	case reflect.TypeOf(ms3.Mat3{}):
		typename = "mat3"
	case reflect.TypeOf(ms3.Mat4{}):
		typename = "mat4"
	case reflect.TypeOf(false):
		typename = "bool"
	case reflect.TypeOf(uint32(0)):
		typename = "uint"
	case reflect.TypeOf(int32(0)), reflect.TypeOf(int(0)):
		typename = "int"
	case reflect.TypeOf([2]uint32{}):
		typename = "uvec2"
	case reflect.TypeOf([2]int32{}):
		typename = "ivec2"
	case reflect.TypeOf([3]uint32{}):
		typename = "uvec3"
	case reflect.TypeOf([3]int32{}):
		typename = "ivec3"
	case reflect.TypeOf([4]int32{}):
		typename = "ivec4"
	case nil:
		err = errors.New("nil element type")
	default:
		err = fmt.Errorf("equivalent type not implemented for %s", tp.String())
	}
	return typename, err
}

// TypenameOf returns the GLSL type name of v's dynamic type.
func TypenameOf(v any) (string, error) {
	return Typename(reflect.TypeOf(v))
}

// AppendLiteral appends the GLSL constant expression representing v,
// i.e: ms3.Vec{X:1} is written as "vec3(1.,0.,0.)".
func AppendLiteral(b []byte, v any) ([]byte, error) {
	switch v := v.(type) {
	case bool:
		b = strconv.AppendBool(b, v)
	case int:
		b = strconv.AppendInt(b, int64(v), 10)
	case int32:
		b = strconv.AppendInt(b, int64(v), 10)
	case uint32:
		b = strconv.AppendUint(b, uint64(v), 10)
		b = append(b, 'u')
	case float32:
		if !isFinite(v) {
			return b, fmt.Errorf("non-finite float %v has no GLSL literal", v)
		}
		b = AppendFloat(b, '-', '.', v)
	case float64:
		if !isFinite(float32(v)) {
			return b, fmt.Errorf("non-finite float %v has no GLSL literal", v)
		}
		b = AppendFloat(b, '-', '.', float32(v))
	case ms2.Vec:
		arr := v.Array()
		b = appendCtor(b, "vec2", arr[:])
	case ms3.Vec:
		arr := v.Array()
		b = appendCtor(b, "vec3", arr[:])
	case [2]float32:
		b = appendCtor(b, "vec2", v[:])
	case [3]float32:
		b = appendCtor(b, "vec3", v[:])
	case [4]float32:
		b = appendCtor(b, "vec4", v[:])
	case ms2.Mat2:
		arr := v.Array()
		b = appendMat(b, "mat2", 2, 2, arr[:])
	case ms3.Mat3:
		arr := v.Array()
		b = appendMat(b, "mat3", 3, 3, arr[:])
	case ms3.Mat4:
		arr := v.Array()
		b = appendMat(b, "mat4", 4, 4, arr[:])
	case [2]int32:
		b = appendIntCtor(b, "ivec2", v[:])
	case [3]int32:
		b = appendIntCtor(b, "ivec3", v[:])
	case [4]int32:
		b = appendIntCtor(b, "ivec4", v[:])
	default:
		return b, fmt.Errorf("no GLSL literal for %T", v)
	}
	return b, nil
}

func isFinite(f float32) bool {
	return !math32.IsNaN(f) && !math32.IsInf(f, 0)
}

func appendCtor(b []byte, typename string, arr []float32) []byte {
	b = append(b, typename...)
	b = append(b, '(')
	b = AppendFloats(b, ',', '-', '.', arr...)
	b = append(b, ')')
	return b
}

func appendIntCtor(b []byte, typename string, arr []int32) []byte {
	b = append(b, typename...)
	b = append(b, '(')
	for i, v := range arr {
		if i > 0 {
			b = append(b, ',')
		}
		b = strconv.AppendInt(b, int64(v), 10)
	}
	b = append(b, ')')
	return b
}

func appendMat(b []byte, typename string, row, col int, arr []float32) []byte {
	b = append(b, typename...)
	b = append(b, '(')
	for i := 0; i < row; i++ {
		for j := 0; j < col; j++ {
			v := arr[j*row+i] // Column major access, as per OpenGL standard.
			b = AppendFloat(b, '-', '.', v)
			last := i == row-1 && j == col-1
			if !last {
				b = append(b, ',')
			}
		}
	}
	b = append(b, ')')
	return b
}

const decimalDigits = 9

// AppendFloat appends v in fixed point notation trimming trailing zeros. The neg and decimal
// bytes replace the minus sign and decimal point, which is useful when writing identifiers.
func AppendFloat(b []byte, neg, decimal byte, v float32) []byte {
	start := len(b)
	b = strconv.AppendFloat(b, float64(v), 'f', decimalDigits, 32)
	idx := bytes.IndexByte(b[start:], '.')
	if decimal != '.' && idx >= 0 {
		b[start+idx] = decimal
	}
	if b[start] == '-' {
		b[start] = neg
	}
	// Finally trim zeroes.
	end := len(b)
	for i := len(b) - 1; idx >= 0 && i > idx+start && b[i] == '0'; i-- {
		end--
	}
	return b[:end]
}

func AppendFloats(b []byte, sep, neg, decimal byte, s ...float32) []byte {
	for i, v := range s {
		b = AppendFloat(b, neg, decimal, v)
		if sep != 0 && i != len(s)-1 {
			b = append(b, sep)
		}
	}
	return b
}

// IsIdentifier reports whether s is a valid GLSL (and C preprocessor) identifier.
func IsIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_', 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case i > 0 && '0' <= c && c <= '9':
		default:
			return false
		}
	}
	return true
}
