// Package shaders holds the built-in shader templates and the files they include.
package shaders

import "embed"

// FS contains compat.glsl, global_uniforms.glsl and the built-in
// template_<name>.glsl files at its root.
//
//go:embed *.glsl
var FS embed.FS
