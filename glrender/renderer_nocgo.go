//go:build tinygo || !cgo

package glrender

import (
	"errors"
	"log/slog"

	"github.com/soypat/gssv/renderproc"
)

var errNoCGO = errors.New("OpenGL rendering requires cgo and is not supported on TinyGo")

// Renderer is unavailable without cgo.
type Renderer struct{}

// New returns an error without cgo.
func New(cfg Config) (*Renderer, error) { return nil, errNoCGO }

func (r *Renderer) SetLogger(*slog.Logger) {}
func (r *Renderer) Render() bool           { return false }
func (r *Renderer) ReadFrame(components, frameBufferUID int) ([]byte, error) {
	return nil, errNoCGO
}
func (r *Renderer) UpdateFrameBuffer(uid, order int, size [2]int, components int, dtype string) error {
	return errNoCGO
}
func (r *Renderer) DeleteFrameBuffer(uid int) error { return errNoCGO }
func (r *Renderer) UpdateUniform(frameBufferUID, drawCallUID int, name string, value any) error {
	return errNoCGO
}
func (r *Renderer) UpdateVertexBuffer(frameBufferUID, drawCallUID int, vertices []float32, indices []uint32, attributes []string) error {
	return errNoCGO
}
func (r *Renderer) RegisterShader(frameBufferUID, drawCallUID int, src renderproc.ShaderSources, primitive string) error {
	return errNoCGO
}
func (r *Renderer) UpdateTexture(uid int, spec renderproc.TextureSpec, data []byte) error {
	return errNoCGO
}
func (r *Renderer) UpdateTextureSampler(uid int, spec renderproc.SamplerSpec) error {
	return errNoCGO
}
func (r *Renderer) DeleteTexture(uid int) error    { return errNoCGO }
func (r *Renderer) ContextInfo() map[string]string { return nil }
func (r *Renderer) SupportedExtensions() []string  { return nil }
func (r *Renderer) Capture(filename string) error  { return errNoCGO }
func (r *Renderer) Close() error                   { return nil }
