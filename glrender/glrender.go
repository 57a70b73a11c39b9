// Package glrender implements an OpenGL [renderproc.Renderer] on an
// offscreen GLFW context. Frame buffer 0 is the output frame buffer.
// Every frame buffer holds draw calls, each with its own program, vertex
// buffer and uniform values.
//
// The OpenGL implementation requires cgo. Without cgo [New] returns an error.
package glrender

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/chewxy/math32"
	"github.com/soypat/geometry/md2"
	"github.com/soypat/geometry/md3"
	"github.com/soypat/geometry/ms2"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/gssv/renderproc"
)

// Config configures the OpenGL context of a [Renderer].
type Config struct {
	// Size of the output frame buffer. Defaults to 640x480.
	Size [2]int
	// GLVersion is the requested context version. Defaults to 4.6.
	GLVersion [2]int
}

var _ renderproc.CaptureRenderer = (*Renderer)(nil)

// defaultQuad covers the viewport with two triangles. Each vertex is a
// position followed by a color, matching the default attributes.
var defaultQuad = []float32{
	-1, -1, 1, 0, 0,
	1, -1, 0, 1, 0,
	-1, 1, 0, 0, 1,
	-1, 1, 0, 0, 1,
	1, -1, 0, 1, 0,
	1, 1, 1, 1, 1,
}

var defaultQuadAttributes = []string{"in_vert:2", "in_color:3"}

// primitive is a drawing mode.
type primitive int

const (
	primTriangles primitive = iota
	primPoints
	primLines
	primLineStrip
	primTriangleStrip
	primTriangleFan
)

func parsePrimitive(s string) (primitive, error) {
	switch strings.ToUpper(s) {
	case "", "TRIANGLES":
		return primTriangles, nil
	case "POINTS":
		return primPoints, nil
	case "LINES":
		return primLines, nil
	case "LINE_STRIP":
		return primLineStrip, nil
	case "TRIANGLE_STRIP":
		return primTriangleStrip, nil
	case "TRIANGLE_FAN":
		return primTriangleFan, nil
	}
	return 0, fmt.Errorf("unknown primitive type %q", s)
}

// attribute is one interleaved vertex attribute.
type attribute struct {
	name   string
	size   int // Components.
	offset int // In floats.
}

// vertexLayout is the layout of an interleaved float32 vertex buffer.
type vertexLayout struct {
	attribs []attribute
	stride  int // In floats.
}

// parseVertexLayout lays out attributes in order. An attribute is a name
// with an optional component count, "in_vert:2". Counts left out are
// looked up with programSize, which fails for attributes the program does not use.
func parseVertexLayout(attributes []string, programSize func(name string) (int, bool)) (vertexLayout, error) {
	var layout vertexLayout
	if len(attributes) == 0 {
		return layout, errors.New("vertex buffer requires at least one attribute")
	}
	for _, a := range attributes {
		name, count, hasCount := strings.Cut(a, ":")
		var size int
		if hasCount {
			n, err := strconv.Atoi(count)
			if err != nil || n < 1 || n > 4 {
				return layout, fmt.Errorf("invalid component count in attribute %q", a)
			}
			size = n
		} else {
			n, ok := programSize(name)
			if !ok {
				return layout, fmt.Errorf("attribute %q is not used by the program, give its size as %q", name, name+":N")
			}
			size = n
		}
		if slices.ContainsFunc(layout.attribs, func(at attribute) bool { return at.name == name }) {
			return layout, fmt.Errorf("duplicate attribute %q", name)
		}
		layout.attribs = append(layout.attribs, attribute{name: name, size: size, offset: layout.stride})
		layout.stride += size
	}
	return layout, nil
}

// vertexCount returns the number of vertices in n floats.
func (l vertexLayout) vertexCount(n int) (int, error) {
	if l.stride == 0 || n%l.stride != 0 {
		return 0, fmt.Errorf("vertex buffer of %d floats is not a multiple of the vertex size %d", n, l.stride)
	}
	return n / l.stride, nil
}

// flattenUniform converts a uniform value to its float components. Integer
// and boolean uniforms are converted back by the caller.
func flattenUniform(v any) ([]float32, error) {
	switch u := v.(type) {
	case float32:
		return []float32{u}, nil
	case float64:
		return []float32{float32(u)}, nil
	case int:
		return []float32{float32(u)}, nil
	case int32:
		return []float32{float32(u)}, nil
	case int64:
		return []float32{float32(u)}, nil
	case uint32:
		return []float32{float32(u)}, nil
	case bool:
		if u {
			return []float32{1}, nil
		}
		return []float32{0}, nil
	case []float32:
		return slices.Clone(u), nil
	case []float64:
		f := make([]float32, len(u))
		for i := range u {
			f[i] = float32(u[i])
		}
		return f, nil
	case []int:
		f := make([]float32, len(u))
		for i := range u {
			f[i] = float32(u[i])
		}
		return f, nil
	case [2]int:
		return []float32{float32(u[0]), float32(u[1])}, nil
	case [2]float32:
		return u[:], nil
	case [3]float32:
		return u[:], nil
	case [4]float32:
		return u[:], nil
	case [9]float32:
		return u[:], nil
	case [16]float32:
		return u[:], nil
	case ms2.Vec:
		return []float32{u.X, u.Y}, nil
	case ms3.Vec:
		return []float32{u.X, u.Y, u.Z}, nil
	case md2.Vec:
		return []float32{float32(u.X), float32(u.Y)}, nil
	case md3.Vec:
		return []float32{float32(u.X), float32(u.Y), float32(u.Z)}, nil
	case nil:
		return nil, errors.New("nil uniform value")
	}
	return nil, fmt.Errorf("unsupported uniform value type %T", v)
}

// toInts rounds float components of integer uniforms.
func toInts(f []float32) []int32 {
	ints := make([]int32, len(f))
	for i := range f {
		ints[i] = int32(math32.Round(f[i]))
	}
	return ints
}

// dtypeSize returns the bytes per channel of a frame buffer or texture dtype.
func dtypeSize(dtype string) (int, error) {
	switch dtype {
	case "", "f1":
		return 1, nil
	case "f2":
		return 2, nil
	case "f4":
		return 4, nil
	}
	return 0, fmt.Errorf("unsupported dtype %q, want f1, f2 or f4", dtype)
}

func checkComponents(components int) error {
	if components < 1 || components > 4 {
		return fmt.Errorf("component count must be 1 to 4, got %d", components)
	}
	return nil
}

// textureBytes returns the expected data length of a texture.
func textureBytes(spec renderproc.TextureSpec) (int, error) {
	if err := checkComponents(spec.Components); err != nil {
		return 0, err
	}
	if spec.Width <= 0 || spec.Height <= 0 || spec.Depth < 0 {
		return 0, fmt.Errorf("invalid texture size %dx%dx%d", spec.Width, spec.Height, spec.Depth)
	}
	sz, err := dtypeSize(spec.Dtype)
	if err != nil {
		return 0, err
	}
	return spec.Width * spec.Height * max(spec.Depth, 1) * spec.Components * sz, nil
}

// drawOrder returns frame buffer uids sorted so higher orders are drawn
// first. The output frame buffer is drawn last among equal orders.
func drawOrder(orders map[int]int) []int {
	uids := make([]int, 0, len(orders))
	for uid := range orders {
		uids = append(uids, uid)
	}
	slices.SortFunc(uids, func(a, b int) int {
		if orders[a] != orders[b] {
			return orders[b] - orders[a]
		}
		return b - a
	})
	return uids
}

// resolution is the value of the uResolution uniform for a frame buffer.
func resolution(size [2]int) [4]float32 {
	w, h := float32(size[0]), float32(size[1])
	return [4]float32{w, h, 1 / w, 1 / h}
}
