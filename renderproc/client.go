package renderproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soypat/gssv"
	"github.com/soypat/gssv/pragma"
)

// ClientConfig configures a [Client].
type ClientConfig struct {
	// Logger receives client logs and worker LogM messages. Defaults to [gssv.Logger].
	Logger *slog.Logger
	// CloseTimeout bounds how long Close waits for the worker to stop. Defaults to 5s.
	CloseTimeout time.Duration
}

// Client is the client side of the protocol. Command methods enqueue and
// return immediately. Client methods are safe for concurrent use.
type Client struct {
	conn    Conn
	log     *slog.Logger
	alive   atomic.Bool
	queries pendingQueries
	frames  dispatcher[Frame]
	logs    dispatcher[string]
	done    chan struct{} // Closed when the receiver exits.

	closeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
	// wait waits for the worker to exit, nil if the worker is not owned by the client.
	wait   func() error
	cancel context.CancelFunc
}

// NewClient returns a client driving the worker at the other end of conn
// and starts receiving its events.
func NewClient(conn Conn, cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = gssv.Logger()
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 5 * time.Second
	}
	c := &Client{
		conn:         conn,
		log:          cfg.Logger,
		done:         make(chan struct{}),
		closeTimeout: cfg.CloseTimeout,
	}
	c.alive.Store(true)
	go c.receive()
	return c
}

// Start runs a worker on a new goroutine locked to its OS thread, since
// graphics contexts are bound to the thread that created them. The
// renderer is created and closed on the worker goroutine.
func Start(ctx context.Context, newRenderer func() (Renderer, error), scfg ServerConfig, ccfg ClientConfig) *Client {
	ctx, cancel := context.WithCancel(ctx)
	clientConn, workerConn := Pipe()
	c := NewClient(clientConn, ccfg)
	c.cancel = cancel
	errc := make(chan error, 1)
	go func() {
		errc <- serve(ctx, workerConn, newRenderer, scfg)
	}()
	var once sync.Once
	var err error
	c.wait = func() error {
		once.Do(func() { err = <-errc })
		return err
	}
	return c
}

// ServeStream runs a worker serving the client at the other end of conn
// until it stops. It is the entrypoint of worker processes.
func ServeStream(ctx context.Context, conn Conn, newRenderer func() (Renderer, error), cfg ServerConfig) error {
	return serve(ctx, conn, newRenderer, cfg)
}

func serve(ctx context.Context, conn Conn, newRenderer func() (Renderer, error), cfg ServerConfig) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer conn.Close()
	r, err := newRenderer()
	if err != nil {
		conn.Send(Message{Op: OpLogMessage, Args: []any{"creating renderer: " + err.Error()}})
		conn.Send(Message{Op: OpStop})
		return fmt.Errorf("creating renderer: %w", err)
	}
	defer func() {
		err = errors.Join(err, r.Close())
	}()
	return NewServer(r, conn, cfg).Run(ctx)
}

func (c *Client) receive() {
	defer close(c.done)
	defer c.alive.Store(false)
	for {
		m, err := c.conn.Recv(context.Background())
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				c.log.Error("receiving from render worker", slog.String("err", err.Error()))
			}
			return
		}
		switch m.Op {
		case OpNewFrame:
			frame, ok := firstArg[Frame](m)
			if !ok {
				c.log.Error("malformed frame message", slog.String("msg", m.String()))
				continue
			}
			c.frames.dispatch(frame)
		case OpLogMessage:
			text, ok := firstArg[string](m)
			if !ok {
				c.log.Error("malformed log message", slog.String("msg", m.String()))
				continue
			}
			c.log.Info(text)
			c.logs.dispatch(text)
		case OpAsyncResult:
			var id int64
			if len(m.Args) > 0 {
				id, _ = toInt64(m.Args[0])
			}
			handle, ok := c.queries.take(id)
			if !ok {
				c.log.Warn("dropping async result of unknown or expired query", slog.Int64("id", id))
				continue
			}
			handle(m.Args[1:])
		case OpStop:
			c.log.Info("render worker stopped")
			return
		default:
			c.log.Error("unknown message from render worker", slog.String("op", string(m.Op)))
		}
	}
}

func firstArg[T any](m Message) (T, bool) {
	if len(m.Args) != 1 {
		var zero T
		return zero, false
	}
	v, ok := m.Args[0].(T)
	return v, ok
}

// IsAlive reports whether the worker is running. It becomes false once
// the worker sends Stop or the connection fails.
func (c *Client) IsAlive() bool { return c.alive.Load() }

// Done is closed when the worker has stopped.
func (c *Client) Done() <-chan struct{} { return c.done }

// OnFrame registers fn to receive streamed frames on the receiver
// goroutine. Call the returned function to unsubscribe.
func (c *Client) OnFrame(fn func(Frame)) (unsubscribe func()) { return c.frames.add(fn) }

// OnLog registers fn to receive log messages forwarded by the worker.
func (c *Client) OnLog(fn func(string)) (unsubscribe func()) { return c.logs.add(fn) }

func (c *Client) send(op Opcode, args ...any) bool {
	if !c.alive.Load() {
		c.log.Warn("render worker is not running, dropping command", slog.String("op", string(op)))
		return false
	}
	if err := c.conn.Send(Message{Op: op, Args: args}); err != nil {
		c.log.Error("sending command to render worker", slog.String("op", string(op)), slog.String("err", err.Error()))
		c.alive.Store(false)
		return false
	}
	return true
}

// Stop asks the worker to shut down.
func (c *Client) Stop() { c.send(OpStop) }

// Heartbeat resets the worker's watchdog.
func (c *Client) Heartbeat() { c.send(OpHeartbeat) }

// SetWatchdog sets the worker's watchdog timeout. Zero disables it.
func (c *Client) SetWatchdog(timeout time.Duration) {
	if timeout <= 0 {
		c.send(OpSetWatchdog, nil)
		return
	}
	c.send(OpSetWatchdog, timeout.Seconds())
}

// UpdateFrameBuffer creates or resizes a frame buffer. Frame buffer 0 is the output.
func (c *Client) UpdateFrameBuffer(uid, order int, size [2]int, components int, dtype string) {
	c.send(OpUpdateFrameBuffer, uid, order, size, components, dtype)
}

func (c *Client) DeleteFrameBuffer(uid int) { c.send(OpDeleteFrameBuffer, uid) }

// Render starts rendering at framerate frames per second and streaming
// frames in mode. A negative framerate renders a single frame, zero stops
// rendering. Quality is passed to [EncodeFrame].
func (c *Client) Render(framerate float64, mode StreamMode, quality int) {
	c.send(OpRender, framerate, string(mode), quality)
}

// UpdateUniform sets a uniform. Use [All] to select every frame buffer or draw call.
func (c *Client) UpdateUniform(frameBufferUID, drawCallUID int, name string, value any) {
	c.send(OpUpdateUniform, frameBufferUID, drawCallUID, name, value)
}

func (c *Client) UpdateVertexBuffer(frameBufferUID, drawCallUID int, vertices []float32, indices []uint32, attributes []string) {
	c.send(OpUpdateVertices, frameBufferUID, drawCallUID, vertices, indices, attributes)
}

func (c *Client) UpdateTexture(uid int, spec TextureSpec, data []byte) {
	c.send(OpUpdateTexture, uid, spec, data)
}

func (c *Client) UpdateTextureSampler(uid int, spec SamplerSpec) {
	c.send(OpUpdateSampler, uid, spec)
}

func (c *Client) DeleteTexture(uid int) { c.send(OpDeleteTexture, uid) }

// RegisterShader compiles a program on the worker for a draw call.
func (c *Client) RegisterShader(frameBufferUID, drawCallUID int, src ShaderSources, primitive string) {
	c.send(OpRegisterShader, frameBufferUID, drawCallUID,
		src.Vertex, src.Fragment, src.TessControl, src.TessEvaluation, src.Geometry, src.Compute,
		primitive)
}

// RegisterCompiled registers the output of [gssv.Preprocessor.Preprocess].
func (c *Client) RegisterCompiled(frameBufferUID, drawCallUID int, cs *gssv.CompiledShaders) {
	stage := func(st pragma.Stage) string {
		src, _ := cs.Stage(st)
		return src
	}
	c.RegisterShader(frameBufferUID, drawCallUID, ShaderSources{
		Vertex:         stage(pragma.StageVertex),
		Fragment:       stage(pragma.StageFragment),
		TessControl:    stage(pragma.StageTessControl),
		TessEvaluation: stage(pragma.StageTessEvaluation),
		Geometry:       stage(pragma.StageGeometry),
		Compute:        stage(pragma.StageCompute),
	}, string(cs.PrimitiveType))
}

// Capture asks the worker to write its output frame buffer as a PNG image
// to filename, or to capture_<timestamp>.png when filename is empty.
func (c *Client) Capture(filename string) { c.send(OpCapture, filename) }

// LogContextInfo makes the worker log its graphics context. Full includes all extensions.
func (c *Client) LogContextInfo(full bool) { c.send(OpLogContext, full) }

// LogFrameTimes toggles periodic frame time logging on the worker.
func (c *Client) LogFrameTimes(enabled bool) { c.send(OpLogFrameTimes, enabled) }

type queryResult[T any] struct {
	v   T
	err error
}

// query sends a query and waits for its result. ok is false when the
// worker is not running or no result arrived in time.
func query[T any](ctx context.Context, c *Client, timeout time.Duration, decode func(args []any) (T, error), op Opcode, args ...any) (v T, ok bool, err error) {
	f := NewFuture[queryResult[T]]()
	id := c.queries.add(func(args []any) {
		v, err := decode(args)
		f.Resolve(queryResult[T]{v: v, err: err})
	})
	if !c.send(op, append([]any{id}, args...)...) {
		c.queries.take(id)
		return v, false, nil
	}
	res, ok := f.Wait(ctx, timeout)
	if !ok {
		c.queries.take(id)
		return v, false, nil
	}
	return res.v, true, res.err
}

func decodeOne[T any](op Opcode) func([]any) (T, error) {
	return func(args []any) (T, error) {
		v, ok := firstArg[T](Message{Op: op, Args: args})
		if !ok {
			return v, fmt.Errorf("%w: malformed %s result", ErrProtocol, op)
		}
		return v, nil
	}
}

func (c *Client) logQueryErr(op Opcode, err error) {
	if err != nil {
		c.log.Error("query failed", slog.String("op", string(op)), slog.String("err", err.Error()))
	}
}

// ContextInfo queries the worker's graphics context information. A zero
// timeout waits until ctx is done. ok is false if no answer arrived.
func (c *Client) ContextInfo(ctx context.Context, timeout time.Duration) (info map[string]string, ok bool) {
	info, ok, err := query(ctx, c, timeout, decodeOne[map[string]string](OpGetContext), OpGetContext)
	c.logQueryErr(OpGetContext, err)
	return info, ok && err == nil
}

// FrameTimes queries the worker's frame time statistics.
func (c *Client) FrameTimes(ctx context.Context, timeout time.Duration) (ft FrameTimes, ok bool) {
	ft, ok, err := query(ctx, c, timeout, decodeOne[FrameTimes](OpGetFrameTimes), OpGetFrameTimes)
	c.logQueryErr(OpGetFrameTimes, err)
	return ft, ok && err == nil
}

// SupportedExtensions queries the extensions supported by the worker's graphics context.
func (c *Client) SupportedExtensions(ctx context.Context, timeout time.Duration) (exts []string, ok bool) {
	exts, ok, err := query(ctx, c, timeout, decodeOne[[]string](OpGetExtensions), OpGetExtensions)
	c.logQueryErr(OpGetExtensions, err)
	return exts, ok && err == nil
}

// SaveImage reads a frame buffer and returns it encoded in format
// ("png", "jpg" or "bmp"). err reports failures on the worker.
func (c *Client) SaveImage(ctx context.Context, timeout time.Duration, frameBufferUID int, format StreamMode, quality int) (data []byte, ok bool, err error) {
	decode := func(args []any) ([]byte, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: malformed %s result", ErrProtocol, OpSaveImage)
		}
		data, _ := args[0].([]byte)
		if msg, _ := args[1].(string); msg != "" {
			return nil, errors.New(msg)
		}
		return data, nil
	}
	return query(ctx, c, timeout, decode, OpSaveImage, frameBufferUID, string(format), quality)
}

// KeepAlive sends heartbeats every interval until ctx is done or the worker stops.
func (c *Client) KeepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.Heartbeat()
		}
	}
}

// Close stops the worker if it is running and releases the connection.
// It returns the worker's error when the client started the worker.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.alive.Load() {
			c.Stop()
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.closeTimeout)
		defer cancel()
		select {
		case <-c.done:
		case <-ctx.Done():
			c.log.Warn("render worker did not stop in time")
		}
		if c.cancel != nil {
			c.cancel()
		}
		err := c.conn.Close()
		if c.wait != nil {
			// The worker was cancelled above. It gets a fresh timeout to exit.
			werr := make(chan error, 1)
			go func() { werr <- c.wait() }()
			timer := time.NewTimer(c.closeTimeout)
			defer timer.Stop()
			select {
			case err = <-werr:
			case <-timer.C:
				err = errors.New("render worker did not exit")
			}
		}
		c.closeErr = err
	})
	return c.closeErr
}

// dispatcher calls subscribers in subscription order.
type dispatcher[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

func (d *dispatcher[T]) add(fn func(T)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.subs = append(d.subs, subscriber[T]{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, s := range d.subs {
			if s.id == id {
				d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
				return
			}
		}
	}
}

func (d *dispatcher[T]) dispatch(v T) {
	d.mu.Lock()
	subs := d.subs
	d.mu.Unlock()
	for _, s := range subs {
		s.fn(v)
	}
}
