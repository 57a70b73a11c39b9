package ssvaux_test

import (
	"bytes"
	"context"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/soypat/gssv"
	"github.com/soypat/gssv/renderproc"
	"github.com/soypat/gssv/ssvaux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const plasma = `#pragma SSV shadertoy
void mainImage(out vec4 fragColor, in vec2 fragCoord) {
    vec2 uv = fragCoord / iResolution.xy;
    fragColor = vec4(uv, 0.5 + 0.5*sin(iTime), 1.0);
}
`

// solidRenderer fills frame buffers with a single color.
type solidRenderer struct {
	mu       sync.Mutex
	size     [2]int
	shaders  []renderproc.ShaderSources
	uniforms map[string]any
}

func (s *solidRenderer) Render() bool { return true }
func (s *solidRenderer) ReadFrame(components, fb int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Repeat([]byte{200, 100, 50, 255}[:components], s.size[0]*s.size[1]), nil
}
func (s *solidRenderer) UpdateFrameBuffer(uid, order int, size [2]int, components int, dtype string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.size = size
	return nil
}
func (s *solidRenderer) DeleteFrameBuffer(uid int) error { return nil }
func (s *solidRenderer) UpdateUniform(fb, dc int, name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uniforms[name] = value
	return nil
}
func (s *solidRenderer) UpdateVertexBuffer(fb, dc int, vertices []float32, indices []uint32, attributes []string) error {
	return nil
}
func (s *solidRenderer) RegisterShader(fb, dc int, src renderproc.ShaderSources, primitive string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shaders = append(s.shaders, src)
	return nil
}
func (s *solidRenderer) UpdateTexture(uid int, spec renderproc.TextureSpec, data []byte) error {
	return nil
}
func (s *solidRenderer) UpdateTextureSampler(uid int, spec renderproc.SamplerSpec) error { return nil }
func (s *solidRenderer) DeleteTexture(uid int) error                                     { return nil }
func (s *solidRenderer) ContextInfo() map[string]string                                  { return nil }
func (s *solidRenderer) SupportedExtensions() []string                                   { return nil }
func (s *solidRenderer) Close() error                                                    { return nil }

func TestRender(t *testing.T) {
	dir := t.TempDir()
	shader := filepath.Join(dir, "plasma.glsl")
	require.NoError(t, os.WriteFile(shader, []byte(plasma), 0o644))
	r := &solidRenderer{uniforms: make(map[string]any)}
	files, err := ssvaux.Render(context.Background(), shader, ssvaux.RenderConfig{
		Size:        [2]int{8, 4},
		Frames:      3,
		OutputDir:   dir,
		Uniforms:    map[string]any{"uMouse": [2]float32{1, 2}},
		NewRenderer: func() (renderproc.Renderer, error) { return r, nil },
		Timeout:     5 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "frame_0001.png"),
		filepath.Join(dir, "frame_0002.png"),
		filepath.Join(dir, "frame_0003.png"),
	}, files)
	data, err := os.ReadFile(files[2])
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
	assert.Equal(t, 4, img.Bounds().Dy())

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.shaders, 1)
	assert.Contains(t, r.shaders[0].Fragment, "mainImage(col, position * uResolution.xy)")
	assert.Equal(t, [2]float32{1, 2}, r.uniforms["uMouse"])
}

func TestRenderPreprocessError(t *testing.T) {
	_, err := ssvaux.RenderSource(context.Background(), "#pragma SSV nonexistent\n", ssvaux.RenderConfig{
		NewRenderer: func() (renderproc.Renderer, error) { t.Fatal("renderer created"); return nil, nil },
	})
	assert.ErrorIs(t, err, gssv.ErrTemplateNotFound)
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	shader := filepath.Join(dir, "plasma.glsl")
	require.NoError(t, os.WriteFile(shader, []byte(plasma), 0o644))

	type result struct {
		cs  *gssv.CompiledShaders
		err error
	}
	results := make(chan result, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- ssvaux.Watch(ctx, gssv.New(gssv.Config{}), shader, gssv.PreprocessOptions{}, func(cs *gssv.CompiledShaders, err error) {
			results <- result{cs, err}
		})
	}()
	next := func() result {
		select {
		case r := <-results:
			return r
		case <-time.After(5 * time.Second):
			t.Fatal("no compilation")
		}
		return result{}
	}

	first := next()
	require.NoError(t, first.err)
	frag, _ := first.cs.Stage("fragment")
	assert.Contains(t, frag, "mainImage(")

	edited := strings.Replace(plasma, "#pragma SSV shadertoy", "#pragma SSV shadertoy render", 1)
	edited = strings.Replace(edited, "void mainImage", "void render", 1)
	require.NoError(t, os.WriteFile(shader, []byte(edited), 0o644))
	second := next()
	require.NoError(t, second.err)
	frag, _ = second.cs.Stage("fragment")
	assert.Contains(t, frag, "render(col, position")

	require.NoError(t, os.WriteFile(shader, []byte("#pragma SSV nonexistent\n"), 0o644))
	third := next()
	assert.ErrorIs(t, third.err, gssv.ErrTemplateNotFound)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
