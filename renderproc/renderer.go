package renderproc

import "log/slog"

// Renderer is the graphics backend driven by the worker. All methods are
// called from the worker goroutine. Frame buffer 0 is the output frame buffer.
type Renderer interface {
	// Render draws a frame. It returns false when rendering should stop.
	Render() bool
	// ReadFrame returns the pixels of a frame buffer, rows bottom-up.
	ReadFrame(components, frameBufferUID int) ([]byte, error)
	// UpdateFrameBuffer creates or resizes a frame buffer. Order sets the
	// draw order of frame buffers, higher orders are drawn first.
	UpdateFrameBuffer(uid, order int, size [2]int, components int, dtype string) error
	DeleteFrameBuffer(uid int) error
	// UpdateUniform sets a uniform on the selected draw calls. [All] selects every
	// frame buffer or draw call.
	UpdateUniform(frameBufferUID, drawCallUID int, name string, value any) error
	// UpdateVertexBuffer replaces the vertices of a draw call. Vertices are
	// interleaved in the order of attributes. Indices may be nil.
	UpdateVertexBuffer(frameBufferUID, drawCallUID int, vertices []float32, indices []uint32, attributes []string) error
	// RegisterShader compiles a program for a draw call. An empty primitive draws triangles.
	RegisterShader(frameBufferUID, drawCallUID int, src ShaderSources, primitive string) error
	UpdateTexture(uid int, spec TextureSpec, data []byte) error
	UpdateTextureSampler(uid int, spec SamplerSpec) error
	DeleteTexture(uid int) error
	ContextInfo() map[string]string
	SupportedExtensions() []string
	Close() error
}

// CaptureRenderer is implemented by renderers able to save their output
// frame buffer as an image.
type CaptureRenderer interface {
	Renderer
	// Capture writes the output frame buffer as a PNG image to filename,
	// or to a timestamped file when filename is empty.
	Capture(filename string) error
}

// loggerSetter is implemented by renderers that accept the worker's logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}
