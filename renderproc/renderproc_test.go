package renderproc

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
)

// fakeRenderer records the commands it executes.
type fakeRenderer struct {
	mu       sync.Mutex
	uniforms []string
	// uniformsAtFrame is the number of uniform updates seen by each rendered frame.
	uniformsAtFrame []int
	shaders         []ShaderSources
	sizes           map[int][2]int
	closed          bool
	failUniform     bool
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{sizes: map[int][2]int{0: {4, 2}}}
}

func (f *fakeRenderer) Render() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uniformsAtFrame = append(f.uniformsAtFrame, len(f.uniforms))
	return true
}

func (f *fakeRenderer) ReadFrame(components, fb int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	size, ok := f.sizes[fb]
	if !ok {
		return nil, errors.New("no such frame buffer")
	}
	pix := make([]byte, size[0]*size[1]*components)
	for i := range pix {
		pix[i] = byte(i)
	}
	return pix, nil
}

func (f *fakeRenderer) UpdateFrameBuffer(uid, order int, size [2]int, components int, dtype string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sizes[uid] = size
	return nil
}

func (f *fakeRenderer) DeleteFrameBuffer(uid int) error { return nil }

func (f *fakeRenderer) UpdateUniform(fb, dc int, name string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUniform {
		return errors.New("uniform does not exist")
	}
	f.uniforms = append(f.uniforms, name)
	return nil
}

func (f *fakeRenderer) UpdateVertexBuffer(fb, dc int, vertices []float32, indices []uint32, attributes []string) error {
	return nil
}

func (f *fakeRenderer) RegisterShader(fb, dc int, src ShaderSources, primitive string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shaders = append(f.shaders, src)
	return nil
}

func (f *fakeRenderer) UpdateTexture(uid int, spec TextureSpec, data []byte) error { return nil }
func (f *fakeRenderer) UpdateTextureSampler(uid int, spec SamplerSpec) error       { return nil }
func (f *fakeRenderer) DeleteTexture(uid int) error                                { return nil }

func (f *fakeRenderer) ContextInfo() map[string]string {
	return map[string]string{"GL_VENDOR": "fake", "GL_VERSION": "4.2"}
}

func (f *fakeRenderer) SupportedExtensions() []string {
	return []string{"GL_ARB_shading_language_include", "GL_ARB_gpu_shader_fp64"}
}

func (f *fakeRenderer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRenderer) snapshot() (uniformsAtFrame []int, shaders int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.uniformsAtFrame...), len(f.shaders)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func startFake(t *testing.T, f *fakeRenderer, scfg ServerConfig) *Client {
	t.Helper()
	if scfg.Size == [2]int{} {
		scfg.Size = [2]int{4, 2}
	}
	c := Start(context.Background(), func() (Renderer, error) { return f, nil }, scfg, ClientConfig{Logger: discard, CloseTimeout: time.Second})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestWatchdogStopsWorker(t *testing.T) {
	f := newFakeRenderer()
	c := startFake(t, f, ServerConfig{Watchdog: 50 * time.Millisecond})
	require.True(t, c.IsAlive())
	assert.Eventually(t, func() bool { return !c.IsAlive() }, 2*time.Second, 5*time.Millisecond)
	err := c.Close()
	assert.ErrorIs(t, err, ErrWatchdog)
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.True(t, f.closed, "renderer closed on worker exit")
}

func TestHeartbeatsKeepWorkerAlive(t *testing.T) {
	f := newFakeRenderer()
	c := startFake(t, f, ServerConfig{Watchdog: 100 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	c.KeepAlive(ctx, 20*time.Millisecond)
	assert.True(t, c.IsAlive())
	c.SetWatchdog(0) // Disabled, no more heartbeats needed.
	time.Sleep(200 * time.Millisecond)
	assert.True(t, c.IsAlive())
	assert.NoError(t, c.Close())
	assert.False(t, c.IsAlive())
}

func TestCommandsAppliedBeforeFrame(t *testing.T) {
	const n = 20
	f := newFakeRenderer()
	c := startFake(t, f, ServerConfig{})
	frames := make(chan Frame, 16)
	c.OnFrame(func(fr Frame) {
		select {
		case frames <- fr:
		default:
		}
	})
	c.RegisterShader(0, 0, ShaderSources{Vertex: "v", Fragment: "f"}, "")
	for i := 0; i < n; i++ {
		c.UpdateUniform(All, All, "uTime", float32(i))
	}
	c.Render(-1, StreamRaw, 0)

	var frame Frame
	select {
	case frame = <-frames:
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}
	assert.Equal(t, uint64(1), frame.Seq)
	assert.Equal(t, StreamRaw, frame.Mode)
	assert.Equal(t, 4, frame.Components)
	assert.Len(t, frame.Data, 4*2*4)
	atFrame, shaders := f.snapshot()
	require.Len(t, atFrame, 1, "negative framerate renders one frame")
	assert.Equal(t, n, atFrame[0])
	assert.Equal(t, 1, shaders)
}

func TestFrameBufferSizeAndEncoding(t *testing.T) {
	f := newFakeRenderer()
	c := startFake(t, f, ServerConfig{})
	frames := make(chan Frame, 1)
	c.OnFrame(func(fr Frame) { frames <- fr })
	c.UpdateFrameBuffer(0, 0, [2]int{3, 5}, 4, "f1")
	c.Render(-1, StreamPNG, 0)
	fr := <-frames
	assert.Equal(t, 3, fr.Width)
	assert.Equal(t, 5, fr.Height)
	img, err := png.Decode(bytes.NewReader(fr.Data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 3, 5), img.Bounds())
}

func TestQueries(t *testing.T) {
	f := newFakeRenderer()
	c := startFake(t, f, ServerConfig{})
	ctx := context.Background()

	info, ok := c.ContextInfo(ctx, time.Second)
	require.True(t, ok)
	assert.Equal(t, "fake", info["GL_VENDOR"])

	exts, ok := c.SupportedExtensions(ctx, time.Second)
	require.True(t, ok)
	assert.Contains(t, exts, "GL_ARB_gpu_shader_fp64")

	c.Render(-1, StreamNone, 0)
	assert.Eventually(t, func() bool {
		ft, ok := c.FrameTimes(ctx, time.Second)
		return ok && ft.Frames == 1
	}, time.Second, 10*time.Millisecond)

	data, ok, err := c.SaveImage(ctx, time.Second, 0, StreamJPEG, 90)
	require.True(t, ok)
	require.NoError(t, err)
	_, err = jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)

	_, ok, err = c.SaveImage(ctx, time.Second, 7, StreamPNG, 0)
	require.True(t, ok)
	assert.ErrorContains(t, err, "frame buffer 7 does not exist")
	assert.Zero(t, c.queries.len())
}

func TestQueryTimeoutDropsLateResult(t *testing.T) {
	client, worker := Pipe()
	c := NewClient(client, ClientConfig{Logger: discard, CloseTimeout: 50 * time.Millisecond})
	defer c.Close()

	start := time.Now()
	_, ok := c.ContextInfo(context.Background(), 30*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Zero(t, c.queries.len())

	// The worker answers late. The result is dropped and the client keeps working.
	m, err := worker.Recv(context.Background())
	require.NoError(t, err)
	require.Equal(t, OpGetContext, m.Op)
	require.NoError(t, worker.Send(Message{Op: OpAsyncResult, Args: []any{m.Args[0], map[string]string{}}}))
	logs := make(chan string, 1)
	c.OnLog(func(s string) { logs <- s })
	require.NoError(t, worker.Send(Message{Op: OpLogMessage, Args: []any{"still here"}}))
	assert.Equal(t, "still here", <-logs)
	assert.True(t, c.IsAlive())
}

func TestUnknownOpcodeStopsWorker(t *testing.T) {
	client, worker := Pipe()
	s := NewServer(newFakeRenderer(), worker, ServerConfig{Logger: discard})
	require.NoError(t, client.Send(Message{Op: "Bogu", Args: []any{1}}))
	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrProtocol)
	m, err := client.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OpStop, m.Op)
}

func TestMalformedArgumentsStopWorker(t *testing.T) {
	client, worker := Pipe()
	s := NewServer(newFakeRenderer(), worker, ServerConfig{Logger: discard})
	require.NoError(t, client.Send(Message{Op: OpUpdateFrameBuffer, Args: []any{0, 0, "big", 4, "f1"}}))
	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestRenderQualityOptional(t *testing.T) {
	client, worker := Pipe()
	s := NewServer(newFakeRenderer(), worker, ServerConfig{Logger: discard, Size: [2]int{4, 2}})
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()
	require.NoError(t, client.Send(Message{Op: OpRender, Args: []any{-1.0, "raw"}}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		m, err := client.Recv(ctx)
		require.NoError(t, err)
		if m.Op != OpNewFrame {
			continue
		}
		require.Len(t, m.Args, 1)
		fr, ok := m.Args[0].(Frame)
		require.True(t, ok)
		assert.Equal(t, StreamRaw, fr.Mode)
		assert.Len(t, fr.Data, 4*2*4)
		break
	}
	require.NoError(t, client.Send(Message{Op: OpStop}))
	assert.NoError(t, <-errc)

	for _, args := range [][]any{{-1.0}, {-1.0, "raw", 90, 1}} {
		client, worker := Pipe()
		s := NewServer(newFakeRenderer(), worker, ServerConfig{Logger: discard})
		require.NoError(t, client.Send(Message{Op: OpRender, Args: args}))
		assert.ErrorIs(t, s.Run(context.Background()), ErrProtocol, "%v", args)
	}
}

// captureRenderer records the files it is asked to capture to.
type captureRenderer struct {
	*fakeRenderer
	captured chan string
}

func (r captureRenderer) Capture(filename string) error {
	r.captured <- filename
	return nil
}

func TestCapture(t *testing.T) {
	r := captureRenderer{fakeRenderer: newFakeRenderer(), captured: make(chan string, 2)}
	c := Start(context.Background(), func() (Renderer, error) { return r, nil }, ServerConfig{Size: [2]int{4, 2}}, ClientConfig{Logger: discard, CloseTimeout: time.Second})
	t.Cleanup(func() { c.Close() })
	c.Capture("shot.png")
	c.Capture("")
	// Commands run in order so both captures are done once the query is answered.
	_, ok := c.ContextInfo(context.Background(), 2*time.Second)
	require.True(t, ok)
	require.Len(t, r.captured, 2)
	assert.Equal(t, "shot.png", <-r.captured)
	assert.Equal(t, "", <-r.captured)
}

func TestCloseReportsWorkerErrorAfterTimeout(t *testing.T) {
	errKilled := errors.New("worker killed")
	for i := 0; i < 10; i++ {
		client, _ := Pipe()
		c := NewClient(client, ClientConfig{Logger: discard, CloseTimeout: 10 * time.Millisecond})
		// The worker never answers Stop and only exits once cancelled.
		killed := make(chan struct{})
		c.cancel = func() { close(killed) }
		c.wait = func() error {
			<-killed
			return errKilled
		}
		assert.ErrorIs(t, c.Close(), errKilled)
	}
}

func TestBackendErrorsAreLogged(t *testing.T) {
	f := newFakeRenderer()
	f.failUniform = true
	c := startFake(t, f, ServerConfig{})
	logs := make(chan string, 8)
	c.OnLog(func(s string) { logs <- s })
	c.UpdateUniform(0, 0, "uMissing", 1.0)
	select {
	case msg := <-logs:
		assert.Contains(t, msg, "uniform does not exist")
		assert.Contains(t, msg, "src=worker")
	case <-time.After(2 * time.Second):
		t.Fatal("no log forwarded")
	}
	assert.True(t, c.IsAlive())
}

func TestStreamRoundTrip(t *testing.T) {
	clientR, workerW := io.Pipe()
	workerR, clientW := io.Pipe()
	workerConn := NewStream(workerR, workerW)
	errc := make(chan error, 1)
	go func() {
		errc <- ServeStream(context.Background(), workerConn, func() (Renderer, error) { return newFakeRenderer(), nil }, ServerConfig{Logger: discard, Size: [2]int{4, 2}})
	}()
	c := NewClient(NewStream(clientR, clientW), ClientConfig{Logger: discard, CloseTimeout: time.Second})

	exts, ok := c.SupportedExtensions(context.Background(), 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, []string{"GL_ARB_shading_language_include", "GL_ARB_gpu_shader_fp64"}, exts)

	frames := make(chan Frame, 1)
	c.OnFrame(func(fr Frame) { frames <- fr })
	c.UpdateUniform(All, All, "uMouse", [2]float32{1, 2})
	c.Render(-1, StreamBMP, 0)
	fr := <-frames
	img, err := bmp.Decode(bytes.NewReader(fr.Data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 2), img.Bounds())

	require.NoError(t, c.Close())
	assert.NoError(t, <-errc)
}

func TestStartRendererError(t *testing.T) {
	c := Start(context.Background(), func() (Renderer, error) { return nil, errors.New("no display") }, ServerConfig{}, ClientConfig{Logger: discard})
	<-c.Done()
	assert.False(t, c.IsAlive())
	assert.ErrorContains(t, c.Close(), "no display")
}

func TestFuture(t *testing.T) {
	f := NewFuture[int]()
	assert.False(t, f.Ready())
	_, ok := f.Wait(context.Background(), 10*time.Millisecond)
	assert.False(t, ok)
	go f.Resolve(42)
	v, ok := f.Wait(context.Background(), 0)
	assert.True(t, ok)
	assert.Equal(t, 42, v)
	assert.False(t, f.Resolve(7), "second resolve ignored")
	v, _ = f.Wait(context.Background(), 0)
	assert.Equal(t, 42, v)
}

func TestQueueClosedAfterDrain(t *testing.T) {
	client, worker := Pipe()
	require.NoError(t, client.Send(Message{Op: OpHeartbeat}))
	require.NoError(t, client.Send(Message{Op: OpStop}))
	client.Close()
	assert.ErrorIs(t, client.Send(Message{Op: OpHeartbeat}), ErrClosed)

	for _, want := range []Opcode{OpHeartbeat, OpStop} {
		m, ok, err := worker.Poll()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, m.Op)
	}
	_, ok, err := worker.Poll()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEncodeFrameFlipsRows(t *testing.T) {
	// Two rows, bottom row red, top row blue, as read from OpenGL.
	pix := []byte{
		255, 0, 0, 255, 255, 0, 0, 255,
		0, 0, 255, 255, 0, 0, 255, 255,
	}
	data, err := EncodeFrame(StreamPNG, pix, 2, 2, 4, 3)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	r, _, b, _ := img.At(0, 0).RGBA()
	assert.Zero(t, r)
	assert.NotZero(t, b, "top row is blue")
	r, _, _, _ = img.At(1, 1).RGBA()
	assert.NotZero(t, r, "bottom row is red")

	_, err = EncodeFrame(StreamPNG, pix[:7], 2, 2, 4, 0)
	assert.Error(t, err)
	_, err = EncodeFrame(StreamPNG, pix, 2, 2, 4, 9)
	assert.Error(t, err)
	raw, err := EncodeFrame(StreamRaw, pix, 2, 2, 4, 0)
	require.NoError(t, err)
	assert.Equal(t, pix, raw)
}

func TestParseStreamMode(t *testing.T) {
	m, err := ParseStreamMode("jpeg")
	require.NoError(t, err)
	assert.Equal(t, StreamJPEG, m)
	_, err = ParseStreamMode("gif")
	assert.Error(t, err)
	assert.Equal(t, 3, StreamJPEG.Components(1))
	assert.Equal(t, 1, StreamRaw.Components(1))
	assert.Zero(t, StreamNone.Components(4))
}
