//go:build !tinygo && cgo

package glrender

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"
	"unsafe"

	"github.com/go-gl/gl/v4.6-core/gl"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/soypat/glgl/v4.6-core/glgl"
	"github.com/soypat/gssv/renderproc"
)

// Renderer renders draw calls with OpenGL. It must be created, used and
// closed on the same locked OS thread.
type Renderer struct {
	window   *glfw.Window
	log      *slog.Logger
	start    time.Time
	frame    int32
	fbs      map[int]*frameBuffer
	textures map[int]*texture
}

type frameBuffer struct {
	uid, order int
	size       [2]int
	components int
	dtype      string
	fbo        uint32
	color      uint32 // Color attachment texture.
	depth      uint32 // Depth renderbuffer.
	drawCalls  map[int]*drawCall
}

type uniformInfo struct {
	loc  int32
	typ  uint32
	size int32
}

type drawCall struct {
	uid       int
	prog      uint32
	primitive uint32
	uniforms  map[string]uniformInfo
	attribs   map[string]uniformInfo
	// values are reapplied when the program is replaced.
	values map[string][]float32

	vao, vbo, ebo uint32
	count         int32
	indexed       bool
	vertices      []float32
	indices       []uint32
	attributes    []string
}

type texture struct {
	id   uint32
	spec renderproc.TextureSpec
}

// New creates an offscreen OpenGL context with a hidden window and the output frame buffer.
func New(cfg Config) (*Renderer, error) {
	if cfg.Size == [2]int{} {
		cfg.Size = [2]int{640, 480}
	}
	if cfg.GLVersion == [2]int{} {
		cfg.GLVersion = [2]int{4, 6}
	}
	if err := glfw.Init(); err != nil {
		return nil, fmt.Errorf("initializing GLFW: %w", err)
	}
	glfw.WindowHint(glfw.ContextVersionMajor, cfg.GLVersion[0])
	glfw.WindowHint(glfw.ContextVersionMinor, cfg.GLVersion[1])
	glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)
	glfw.WindowHint(glfw.OpenGLForwardCompatible, glfw.True)
	glfw.WindowHint(glfw.Visible, glfw.False)
	window, err := glfw.CreateWindow(1, 1, "gssv", nil, nil)
	if err != nil {
		glfw.Terminate()
		return nil, fmt.Errorf("creating GLFW window: %w", err)
	}
	window.MakeContextCurrent()
	if err := gl.Init(); err != nil {
		window.Destroy()
		glfw.Terminate()
		return nil, fmt.Errorf("initializing OpenGL: %w", err)
	}
	r := &Renderer{
		window:   window,
		log:      slog.New(slog.DiscardHandler),
		start:    time.Now(),
		fbs:      make(map[int]*frameBuffer),
		textures: make(map[int]*texture),
	}
	if err := r.UpdateFrameBuffer(0, 0, cfg.Size, 4, "f1"); err != nil {
		r.Close()
		return nil, err
	}
	gl.Enable(gl.PROGRAM_POINT_SIZE)
	return r, nil
}

// SetLogger sets the logger of the renderer.
func (r *Renderer) SetLogger(l *slog.Logger) { r.log = l }

// Render draws all draw calls of every frame buffer.
func (r *Renderer) Render() bool {
	orders := make(map[int]int, len(r.fbs))
	for uid, fb := range r.fbs {
		orders[uid] = fb.order
	}
	elapsed := float32(time.Since(r.start).Seconds())
	for _, uid := range drawOrder(orders) {
		fb := r.fbs[uid]
		gl.BindFramebuffer(gl.FRAMEBUFFER, fb.fbo)
		gl.Viewport(0, 0, int32(fb.size[0]), int32(fb.size[1]))
		gl.ClearColor(0, 0, 0, 0)
		gl.Clear(gl.COLOR_BUFFER_BIT | gl.DEPTH_BUFFER_BIT)
		for _, dcUID := range sortedKeys(fb.drawCalls) {
			dc := fb.drawCalls[dcUID]
			if dc.prog == 0 || dc.vao == 0 {
				continue
			}
			gl.UseProgram(dc.prog)
			r.setBuiltin(dc, "uTime", []float32{elapsed})
			res := resolution(fb.size)
			r.setBuiltin(dc, "uResolution", res[:])
			r.setBuiltin(dc, "uFrame", []float32{float32(r.frame)})
			r.bindSamplers(dc)
			gl.BindVertexArray(dc.vao)
			if dc.indexed {
				gl.DrawElements(dc.primitive, dc.count, gl.UNSIGNED_INT, nil)
			} else {
				gl.DrawArrays(dc.primitive, 0, dc.count)
			}
		}
	}
	gl.BindVertexArray(0)
	gl.UseProgram(0)
	r.frame++
	if err := glgl.Err(); err != nil {
		r.log.Error("rendering frame", slog.String("err", err.Error()))
	}
	return true
}

func (r *Renderer) setBuiltin(dc *drawCall, name string, v []float32) {
	info, ok := dc.uniforms[name]
	if !ok {
		return
	}
	if _, set := dc.values[name]; set {
		return // Overridden by the client.
	}
	if err := setUniform(info, v); err != nil {
		r.log.Debug("setting builtin uniform", slog.String("name", name), slog.String("err", err.Error()))
	}
}

// bindSamplers binds textures referenced by sampler uniforms to consecutive texture units.
func (r *Renderer) bindSamplers(dc *drawCall) {
	var unit int32
	for _, name := range sortedKeys(dc.uniforms) {
		info := dc.uniforms[name]
		if !isSampler(info.typ) {
			continue
		}
		v, ok := dc.values[name]
		if !ok || len(v) == 0 {
			continue
		}
		tex, ok := r.textures[int(v[0])]
		if !ok {
			continue
		}
		gl.ActiveTexture(gl.TEXTURE0 + uint32(unit))
		gl.BindTexture(textureTarget(tex.spec), tex.id)
		gl.Uniform1i(info.loc, unit)
		unit++
	}
	gl.ActiveTexture(gl.TEXTURE0)
}

// ReadFrame reads the color attachment of a frame buffer as bytes, rows bottom-up.
func (r *Renderer) ReadFrame(components, frameBufferUID int) ([]byte, error) {
	fb, ok := r.fbs[frameBufferUID]
	if !ok {
		return nil, fmt.Errorf("frame buffer %d does not exist", frameBufferUID)
	}
	format, err := pixelFormat(components)
	if err != nil {
		return nil, err
	}
	w, h := fb.size[0], fb.size[1]
	pix := make([]byte, w*h*components)
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, fb.fbo)
	gl.PixelStorei(gl.PACK_ALIGNMENT, 1)
	gl.ReadPixels(0, 0, int32(w), int32(h), format, gl.UNSIGNED_BYTE, gl.Ptr(pix))
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, 0)
	if err := glgl.Err(); err != nil {
		return nil, fmt.Errorf("reading frame buffer %d: %w", frameBufferUID, err)
	}
	return pix, nil
}

// UpdateFrameBuffer creates a frame buffer or recreates its attachments
// with a new size. Draw calls are kept.
func (r *Renderer) UpdateFrameBuffer(uid, order int, size [2]int, components int, dtype string) error {
	if size[0] <= 0 || size[1] <= 0 {
		return fmt.Errorf("invalid frame buffer size %dx%d", size[0], size[1])
	} else if err := checkComponents(components); err != nil {
		return err
	}
	internal, format, xtype, err := textureFormat(components, dtype)
	if err != nil {
		return err
	}
	fb, ok := r.fbs[uid]
	if !ok {
		fb = &frameBuffer{uid: uid, drawCalls: make(map[int]*drawCall)}
		gl.GenFramebuffers(1, &fb.fbo)
		gl.GenTextures(1, &fb.color)
		gl.GenRenderbuffers(1, &fb.depth)
	}
	fb.order, fb.size, fb.components, fb.dtype = order, size, components, dtype
	gl.BindTexture(gl.TEXTURE_2D, fb.color)
	gl.TexImage2D(gl.TEXTURE_2D, 0, internal, int32(size[0]), int32(size[1]), 0, format, xtype, nil)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
	gl.BindTexture(gl.TEXTURE_2D, 0)
	gl.BindRenderbuffer(gl.RENDERBUFFER, fb.depth)
	gl.RenderbufferStorage(gl.RENDERBUFFER, gl.DEPTH_COMPONENT24, int32(size[0]), int32(size[1]))
	gl.BindRenderbuffer(gl.RENDERBUFFER, 0)

	gl.BindFramebuffer(gl.FRAMEBUFFER, fb.fbo)
	gl.FramebufferTexture2D(gl.FRAMEBUFFER, gl.COLOR_ATTACHMENT0, gl.TEXTURE_2D, fb.color, 0)
	gl.FramebufferRenderbuffer(gl.FRAMEBUFFER, gl.DEPTH_ATTACHMENT, gl.RENDERBUFFER, fb.depth)
	status := gl.CheckFramebufferStatus(gl.FRAMEBUFFER)
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
	if status != gl.FRAMEBUFFER_COMPLETE {
		if !ok {
			deleteFrameBuffer(fb)
		}
		return fmt.Errorf("frame buffer %d incomplete, status 0x%x", uid, status)
	}
	r.fbs[uid] = fb
	return glErrOrNil("updating frame buffer")
}

func (r *Renderer) DeleteFrameBuffer(uid int) error {
	fb, ok := r.fbs[uid]
	if !ok {
		return fmt.Errorf("frame buffer %d does not exist", uid)
	}
	deleteFrameBuffer(fb)
	delete(r.fbs, uid)
	return nil
}

func deleteFrameBuffer(fb *frameBuffer) {
	for _, dc := range fb.drawCalls {
		dc.release()
	}
	gl.DeleteFramebuffers(1, &fb.fbo)
	gl.DeleteTextures(1, &fb.color)
	gl.DeleteRenderbuffers(1, &fb.depth)
}

// selectDrawCalls returns the draw calls selected by uids or [renderproc.All].
func (r *Renderer) selectDrawCalls(fbUID, dcUID int) ([]*drawCall, error) {
	var dcs []*drawCall
	for _, uid := range sortedKeys(r.fbs) {
		if fbUID != renderproc.All && uid != fbUID {
			continue
		}
		fb := r.fbs[uid]
		for _, duid := range sortedKeys(fb.drawCalls) {
			if dcUID == renderproc.All || duid == dcUID {
				dcs = append(dcs, fb.drawCalls[duid])
			}
		}
	}
	if len(dcs) == 0 && fbUID != renderproc.All && dcUID != renderproc.All {
		return nil, fmt.Errorf("draw call %d of frame buffer %d does not exist", dcUID, fbUID)
	}
	return dcs, nil
}

// UpdateUniform sets a uniform on the selected draw calls. Draw calls
// selected with [renderproc.All] whose program lacks the uniform are skipped.
func (r *Renderer) UpdateUniform(frameBufferUID, drawCallUID int, name string, value any) error {
	v, err := flattenUniform(value)
	if err != nil {
		return fmt.Errorf("uniform %q: %w", name, err)
	}
	dcs, err := r.selectDrawCalls(frameBufferUID, drawCallUID)
	if err != nil {
		return err
	}
	explicit := frameBufferUID != renderproc.All && drawCallUID != renderproc.All
	var errs []error
	for _, dc := range dcs {
		info, ok := dc.uniforms[name]
		if !ok {
			if explicit {
				errs = append(errs, fmt.Errorf("uniform %q is not used by draw call %d", name, dc.uid))
			}
			continue
		}
		dc.values[name] = v
		gl.UseProgram(dc.prog)
		if err := setUniform(info, v); err != nil {
			errs = append(errs, fmt.Errorf("uniform %q: %w", name, err))
		}
	}
	gl.UseProgram(0)
	return errors.Join(errs...)
}

func (r *Renderer) drawCall(fbUID, dcUID int) (*drawCall, error) {
	fb, ok := r.fbs[fbUID]
	if !ok {
		return nil, fmt.Errorf("frame buffer %d does not exist", fbUID)
	}
	dc, ok := fb.drawCalls[dcUID]
	if !ok {
		dc = &drawCall{uid: dcUID, values: make(map[string][]float32)}
		fb.drawCalls[dcUID] = dc
	}
	return dc, nil
}

// UpdateVertexBuffer replaces the vertices of a draw call. The layout is
// rebuilt from attributes when the draw call has a program.
func (r *Renderer) UpdateVertexBuffer(frameBufferUID, drawCallUID int, vertices []float32, indices []uint32, attributes []string) error {
	dc, err := r.drawCall(frameBufferUID, drawCallUID)
	if err != nil {
		return err
	}
	dc.vertices, dc.indices, dc.attributes = slices.Clone(vertices), slices.Clone(indices), slices.Clone(attributes)
	if dc.prog == 0 {
		return nil // Uploaded once a shader is registered.
	}
	return dc.upload()
}

// RegisterShader compiles and links a program for a draw call. A new draw
// call draws a quad covering the frame buffer until given vertices.
func (r *Renderer) RegisterShader(frameBufferUID, drawCallUID int, src renderproc.ShaderSources, prim string) error {
	p, err := parsePrimitive(prim)
	if err != nil {
		return err
	}
	dc, err := r.drawCall(frameBufferUID, drawCallUID)
	if err != nil {
		return err
	}
	prog, err := compileProgram(src)
	if err != nil {
		return err
	}
	if dc.prog != 0 {
		gl.DeleteProgram(dc.prog)
	}
	dc.prog = prog
	dc.primitive = glPrimitive(p)
	dc.uniforms = activeUniforms(prog)
	dc.attribs = activeAttributes(prog)
	if dc.vertices == nil {
		dc.vertices, dc.indices, dc.attributes = defaultQuad, nil, defaultQuadAttributes
	}
	if err := dc.upload(); err != nil {
		return err
	}
	// Reapply values set on the previous program.
	gl.UseProgram(prog)
	for name, v := range dc.values {
		if info, ok := dc.uniforms[name]; ok {
			if err := setUniform(info, v); err != nil {
				r.log.Warn("reapplying uniform", slog.String("name", name), slog.String("err", err.Error()))
			}
		}
	}
	gl.UseProgram(0)
	return nil
}

func (dc *drawCall) upload() error {
	layout, err := parseVertexLayout(dc.attributes, func(name string) (int, bool) {
		info, ok := dc.attribs[name]
		if !ok {
			return 0, false
		}
		n, err := typeComponents(info.typ)
		return n, err == nil
	})
	if err != nil {
		return err
	}
	count, err := layout.vertexCount(len(dc.vertices))
	if err != nil {
		return err
	}
	if dc.vao == 0 {
		gl.GenVertexArrays(1, &dc.vao)
		gl.GenBuffers(1, &dc.vbo)
		gl.GenBuffers(1, &dc.ebo)
	}
	gl.BindVertexArray(dc.vao)
	gl.BindBuffer(gl.ARRAY_BUFFER, dc.vbo)
	if len(dc.vertices) > 0 {
		gl.BufferData(gl.ARRAY_BUFFER, 4*len(dc.vertices), gl.Ptr(dc.vertices), gl.STATIC_DRAW)
	}
	for _, a := range layout.attribs {
		info, ok := dc.attribs[a.name]
		if !ok {
			continue // Optimized out of the program.
		}
		loc := uint32(info.loc)
		gl.EnableVertexAttribArray(loc)
		gl.VertexAttribPointerWithOffset(loc, int32(a.size), gl.FLOAT, false, int32(4*layout.stride), uintptr(4*a.offset))
	}
	dc.indexed = len(dc.indices) > 0
	dc.count = int32(count)
	if dc.indexed {
		gl.BindBuffer(gl.ELEMENT_ARRAY_BUFFER, dc.ebo)
		gl.BufferData(gl.ELEMENT_ARRAY_BUFFER, 4*len(dc.indices), gl.Ptr(dc.indices), gl.STATIC_DRAW)
		dc.count = int32(len(dc.indices))
	}
	gl.BindVertexArray(0)
	return glErrOrNil("uploading vertex buffer")
}

func (dc *drawCall) release() {
	if dc.prog != 0 {
		gl.DeleteProgram(dc.prog)
	}
	if dc.vao != 0 {
		gl.DeleteVertexArrays(1, &dc.vao)
		gl.DeleteBuffers(1, &dc.vbo)
		gl.DeleteBuffers(1, &dc.ebo)
	}
}

// UpdateTexture creates or replaces a texture. 2D unless spec.Depth > 1.
func (r *Renderer) UpdateTexture(uid int, spec renderproc.TextureSpec, data []byte) error {
	want, err := textureBytes(spec)
	if err != nil {
		return err
	}
	if data != nil && len(data) != want {
		return fmt.Errorf("texture %d needs %d bytes, got %d", uid, want, len(data))
	}
	internal, format, xtype, err := textureFormat(spec.Components, spec.Dtype)
	if err != nil {
		return err
	}
	tex, ok := r.textures[uid]
	if !ok {
		tex = &texture{}
		gl.GenTextures(1, &tex.id)
	}
	tex.spec = spec
	target := textureTarget(spec)
	var ptr unsafe.Pointer
	if len(data) > 0 {
		ptr = gl.Ptr(data)
	}
	gl.BindTexture(target, tex.id)
	gl.PixelStorei(gl.UNPACK_ALIGNMENT, 1)
	if target == gl.TEXTURE_3D {
		gl.TexImage3D(target, 0, internal, int32(spec.Width), int32(spec.Height), int32(spec.Depth), 0, format, xtype, ptr)
	} else {
		gl.TexImage2D(target, 0, internal, int32(spec.Width), int32(spec.Height), 0, format, xtype, ptr)
	}
	if spec.Mipmaps {
		gl.GenerateMipmap(target)
	}
	gl.BindTexture(target, 0)
	r.textures[uid] = tex
	return glErrOrNil("updating texture")
}

func (r *Renderer) UpdateTextureSampler(uid int, spec renderproc.SamplerSpec) error {
	tex, ok := r.textures[uid]
	if !ok {
		return fmt.Errorf("texture %d does not exist", uid)
	}
	target := textureTarget(tex.spec)
	wrap := func(repeat bool) int32 {
		if repeat {
			return gl.REPEAT
		}
		return gl.CLAMP_TO_EDGE
	}
	minFilter, magFilter := int32(gl.NEAREST), int32(gl.NEAREST)
	if spec.Linear {
		minFilter, magFilter = gl.LINEAR, gl.LINEAR
		if tex.spec.Mipmaps {
			minFilter = gl.LINEAR_MIPMAP_LINEAR
		}
	}
	gl.BindTexture(target, tex.id)
	gl.TexParameteri(target, gl.TEXTURE_WRAP_S, wrap(spec.RepeatX))
	gl.TexParameteri(target, gl.TEXTURE_WRAP_T, wrap(spec.RepeatY))
	gl.TexParameteri(target, gl.TEXTURE_MIN_FILTER, minFilter)
	gl.TexParameteri(target, gl.TEXTURE_MAG_FILTER, magFilter)
	if spec.Anisotropy > 1 {
		gl.TexParameterf(target, gl.TEXTURE_MAX_ANISOTROPY, spec.Anisotropy)
	}
	gl.BindTexture(target, 0)
	return glErrOrNil("updating texture sampler")
}

func (r *Renderer) DeleteTexture(uid int) error {
	tex, ok := r.textures[uid]
	if !ok {
		return fmt.Errorf("texture %d does not exist", uid)
	}
	gl.DeleteTextures(1, &tex.id)
	delete(r.textures, uid)
	return nil
}

// ContextInfo returns the main OpenGL context strings and limits.
func (r *Renderer) ContextInfo() map[string]string {
	info := map[string]string{
		"GL_VENDOR":                   gl.GoStr(gl.GetString(gl.VENDOR)),
		"GL_RENDERER":                 gl.GoStr(gl.GetString(gl.RENDERER)),
		"GL_VERSION":                  gl.GoStr(gl.GetString(gl.VERSION)),
		"GL_SHADING_LANGUAGE_VERSION": gl.GoStr(gl.GetString(gl.SHADING_LANGUAGE_VERSION)),
	}
	for name, param := range map[string]uint32{
		"GL_MAX_TEXTURE_SIZE":        gl.MAX_TEXTURE_SIZE,
		"GL_MAX_SAMPLES":             gl.MAX_SAMPLES,
		"GL_MAX_TEXTURE_IMAGE_UNITS": gl.MAX_TEXTURE_IMAGE_UNITS,
	} {
		var v int32
		gl.GetIntegerv(param, &v)
		info[name] = fmt.Sprint(v)
	}
	var dims [2]int32
	gl.GetIntegerv(gl.MAX_VIEWPORT_DIMS, &dims[0])
	info["GL_MAX_VIEWPORT_DIMS"] = fmt.Sprintf("%d %d", dims[0], dims[1])
	return info
}

func (r *Renderer) SupportedExtensions() []string {
	var n int32
	gl.GetIntegerv(gl.NUM_EXTENSIONS, &n)
	exts := make([]string, 0, n)
	for i := range uint32(n) {
		exts = append(exts, gl.GoStr(gl.GetStringi(gl.EXTENSIONS, i)))
	}
	slices.Sort(exts)
	return exts
}

// Capture writes the output frame buffer as a PNG image to filename or to a
// timestamped file in the working directory.
func (r *Renderer) Capture(filename string) error {
	if filename == "" {
		filename = fmt.Sprintf("capture_%s.png", time.Now().Format("20060102_150405.000"))
	}
	fb := r.fbs[0]
	pix, err := r.ReadFrame(4, 0)
	if err != nil {
		return err
	}
	data, err := renderproc.EncodeFrame(renderproc.StreamPNG, pix, fb.size[0], fb.size[1], 4, 0)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return err
	}
	r.log.Info("captured frame", slog.String("file", filename))
	return nil
}

// Close releases all GL objects and the context.
func (r *Renderer) Close() error {
	for _, fb := range r.fbs {
		deleteFrameBuffer(fb)
	}
	for _, tex := range r.textures {
		gl.DeleteTextures(1, &tex.id)
	}
	clear(r.fbs)
	clear(r.textures)
	if r.window != nil {
		r.window.Destroy()
		r.window = nil
		glfw.Terminate()
	}
	return nil
}

// compileProgram links the present stages. Programs of vertex and fragment
// or compute stages are compiled with glgl.
func compileProgram(src renderproc.ShaderSources) (uint32, error) {
	if src.TessControl == "" && src.TessEvaluation == "" && src.Geometry == "" {
		ss := glgl.ShaderSource{Compute: nullTerminated(src.Compute)}
		if src.Compute == "" {
			ss = glgl.ShaderSource{Vertex: nullTerminated(src.Vertex), Fragment: nullTerminated(src.Fragment)}
		}
		prog, err := glgl.CompileProgram(ss)
		if err != nil {
			return 0, fmt.Errorf("compiling program: %w", err)
		}
		return prog.ID(), nil
	}
	stages := []struct {
		typ uint32
		src string
	}{
		{gl.VERTEX_SHADER, src.Vertex},
		{gl.TESS_CONTROL_SHADER, src.TessControl},
		{gl.TESS_EVALUATION_SHADER, src.TessEvaluation},
		{gl.GEOMETRY_SHADER, src.Geometry},
		{gl.FRAGMENT_SHADER, src.Fragment},
	}
	prog := gl.CreateProgram()
	var shaders []uint32
	defer func() {
		for _, sh := range shaders {
			gl.DeleteShader(sh)
		}
	}()
	for _, st := range stages {
		if st.src == "" {
			continue
		}
		sh, err := compileShader(st.typ, st.src)
		if err != nil {
			gl.DeleteProgram(prog)
			return 0, err
		}
		shaders = append(shaders, sh)
		gl.AttachShader(prog, sh)
	}
	gl.LinkProgram(prog)
	var status int32
	gl.GetProgramiv(prog, gl.LINK_STATUS, &status)
	if status == gl.FALSE {
		msg := infoLog(prog, gl.GetProgramiv, gl.GetProgramInfoLog)
		gl.DeleteProgram(prog)
		return 0, fmt.Errorf("linking program: %s", msg)
	}
	return prog, nil
}

func compileShader(typ uint32, source string) (uint32, error) {
	sh := gl.CreateShader(typ)
	csrc, free := gl.Strs(nullTerminated(source))
	gl.ShaderSource(sh, 1, csrc, nil)
	free()
	gl.CompileShader(sh)
	var status int32
	gl.GetShaderiv(sh, gl.COMPILE_STATUS, &status)
	if status == gl.FALSE {
		msg := infoLog(sh, gl.GetShaderiv, gl.GetShaderInfoLog)
		gl.DeleteShader(sh)
		return 0, fmt.Errorf("compiling shader 0x%x: %s", typ, msg)
	}
	return sh, nil
}

func infoLog(obj uint32, getiv func(uint32, uint32, *int32), getLog func(uint32, int32, *int32, *uint8)) string {
	var n int32
	getiv(obj, gl.INFO_LOG_LENGTH, &n)
	if n == 0 {
		return "no info log"
	}
	buf := make([]uint8, n+1)
	getLog(obj, n, nil, &buf[0])
	return strings.TrimRight(string(buf), "\x00\n")
}

func nullTerminated(s string) string {
	if s == "" || strings.HasSuffix(s, "\x00") {
		return s
	}
	return s + "\x00"
}

func activeUniforms(prog uint32) map[string]uniformInfo {
	return activeVariables(prog, gl.ACTIVE_UNIFORMS, gl.GetActiveUniform, gl.GetUniformLocation)
}

func activeAttributes(prog uint32) map[string]uniformInfo {
	return activeVariables(prog, gl.ACTIVE_ATTRIBUTES, gl.GetActiveAttrib, gl.GetAttribLocation)
}

func activeVariables(prog, param uint32,
	getActive func(prog, index uint32, bufSize int32, length, size *int32, xtype *uint32, name *uint8),
	getLocation func(prog uint32, name *uint8) int32,
) map[string]uniformInfo {
	var n int32
	gl.GetProgramiv(prog, param, &n)
	vars := make(map[string]uniformInfo, n)
	buf := make([]uint8, 256)
	for i := range uint32(n) {
		var length, size int32
		var xtype uint32
		getActive(prog, i, int32(len(buf)), &length, &size, &xtype, &buf[0])
		name := string(buf[:length])
		loc := getLocation(prog, gl.Str(name+"\x00"))
		if loc < 0 {
			continue // Built-in or block member.
		}
		vars[strings.TrimSuffix(name, "[0]")] = uniformInfo{loc: loc, typ: xtype, size: size}
	}
	return vars
}

// setUniform sets a uniform of the bound program.
func setUniform(info uniformInfo, v []float32) error {
	if isSampler(info.typ) {
		return nil // Bound at draw time.
	}
	comps, err := typeComponents(info.typ)
	if err != nil {
		return err
	}
	if len(v) == 0 || len(v)%comps != 0 {
		return fmt.Errorf("value of %d components for uniform type of %d components", len(v), comps)
	}
	count := int32(len(v) / comps)
	if count > info.size {
		return fmt.Errorf("%d values for uniform array of length %d", count, info.size)
	}
	loc := info.loc
	switch info.typ {
	case gl.FLOAT:
		gl.Uniform1fv(loc, count, &v[0])
	case gl.FLOAT_VEC2:
		gl.Uniform2fv(loc, count, &v[0])
	case gl.FLOAT_VEC3:
		gl.Uniform3fv(loc, count, &v[0])
	case gl.FLOAT_VEC4:
		gl.Uniform4fv(loc, count, &v[0])
	case gl.FLOAT_MAT2:
		gl.UniformMatrix2fv(loc, count, false, &v[0])
	case gl.FLOAT_MAT3:
		gl.UniformMatrix3fv(loc, count, false, &v[0])
	case gl.FLOAT_MAT4:
		gl.UniformMatrix4fv(loc, count, false, &v[0])
	case gl.INT, gl.BOOL:
		gl.Uniform1iv(loc, count, &toInts(v)[0])
	case gl.INT_VEC2, gl.BOOL_VEC2:
		gl.Uniform2iv(loc, count, &toInts(v)[0])
	case gl.INT_VEC3, gl.BOOL_VEC3:
		gl.Uniform3iv(loc, count, &toInts(v)[0])
	case gl.INT_VEC4, gl.BOOL_VEC4:
		gl.Uniform4iv(loc, count, &toInts(v)[0])
	case gl.UNSIGNED_INT:
		ints := toInts(v)
		u := make([]uint32, len(ints))
		for i := range ints {
			u[i] = uint32(ints[i])
		}
		gl.Uniform1uiv(loc, count, &u[0])
	default:
		return fmt.Errorf("unsupported uniform type 0x%x", info.typ)
	}
	return glErrOrNil("setting uniform")
}

// typeComponents returns the float components of a GLSL variable type.
func typeComponents(typ uint32) (int, error) {
	switch typ {
	case gl.FLOAT, gl.INT, gl.BOOL, gl.UNSIGNED_INT:
		return 1, nil
	case gl.FLOAT_VEC2, gl.INT_VEC2, gl.BOOL_VEC2:
		return 2, nil
	case gl.FLOAT_VEC3, gl.INT_VEC3, gl.BOOL_VEC3:
		return 3, nil
	case gl.FLOAT_VEC4, gl.INT_VEC4, gl.BOOL_VEC4, gl.FLOAT_MAT2:
		return 4, nil
	case gl.FLOAT_MAT3:
		return 9, nil
	case gl.FLOAT_MAT4:
		return 16, nil
	}
	return 0, fmt.Errorf("unsupported variable type 0x%x", typ)
}

func isSampler(typ uint32) bool {
	switch typ {
	case gl.SAMPLER_1D, gl.SAMPLER_2D, gl.SAMPLER_3D, gl.SAMPLER_CUBE,
		gl.INT_SAMPLER_2D, gl.UNSIGNED_INT_SAMPLER_2D, gl.SAMPLER_2D_ARRAY:
		return true
	}
	return false
}

func glPrimitive(p primitive) uint32 {
	switch p {
	case primPoints:
		return gl.POINTS
	case primLines:
		return gl.LINES
	case primLineStrip:
		return gl.LINE_STRIP
	case primTriangleStrip:
		return gl.TRIANGLE_STRIP
	case primTriangleFan:
		return gl.TRIANGLE_FAN
	}
	return gl.TRIANGLES
}

func pixelFormat(components int) (uint32, error) {
	switch components {
	case 1:
		return gl.RED, nil
	case 2:
		return gl.RG, nil
	case 3:
		return gl.RGB, nil
	case 4:
		return gl.RGBA, nil
	}
	return 0, checkComponents(components)
}

func textureFormat(components int, dtype string) (internal int32, format, xtype uint32, err error) {
	format, err = pixelFormat(components)
	if err != nil {
		return 0, 0, 0, err
	}
	sz, err := dtypeSize(dtype)
	if err != nil {
		return 0, 0, 0, err
	}
	formats := map[int][4]int32{
		1: {gl.R8, gl.RG8, gl.RGB8, gl.RGBA8},
		2: {gl.R16F, gl.RG16F, gl.RGB16F, gl.RGBA16F},
		4: {gl.R32F, gl.RG32F, gl.RGB32F, gl.RGBA32F},
	}
	xtypes := map[int]uint32{1: gl.UNSIGNED_BYTE, 2: gl.HALF_FLOAT, 4: gl.FLOAT}
	return formats[sz][components-1], format, xtypes[sz], nil
}

func textureTarget(spec renderproc.TextureSpec) uint32 {
	if spec.Depth > 1 {
		return gl.TEXTURE_3D
	}
	return gl.TEXTURE_2D
}

func glErrOrNil(action string) error {
	if err := glgl.Err(); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	return nil
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
