package renderproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"
)

// State is the lifecycle state of a worker.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting down"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrWatchdog is returned by [Server.Run] when no heartbeat arrived within the watchdog timeout.
var ErrWatchdog = errors.New("render worker watchdog expired")

// maxIdleWait bounds how long the worker sleeps without commands.
const maxIdleWait = 50 * time.Millisecond

// ServerConfig configures a [Server].
type ServerConfig struct {
	// Watchdog stops the worker when no heartbeat arrives for this long. Zero disables it.
	// The client changes it with a SWdg command.
	Watchdog time.Duration
	// Size is the output frame buffer size until UFBO updates frame buffer 0. Defaults to 640x480.
	Size [2]int
	// LogLevel is the minimum level of records forwarded to the client.
	LogLevel slog.Level
	// Logger replaces forwarding of log records to the client when set.
	Logger *slog.Logger
}

// Server is the worker side of the protocol: it executes commands on a
// [Renderer] and streams frames. A Server is used by a single goroutine.
type Server struct {
	r    Renderer
	conn Conn
	log  *slog.Logger

	state         State
	framerate     float64
	mode          StreamMode
	quality       int
	watchdog      time.Duration
	lastHeartbeat time.Time
	logTiming     bool
	sizes         map[int][2]int // Frame buffer sizes by uid.
	components    map[int]int
	stats         FrameTimes
}

// NewServer returns a worker executing commands received on conn.
func NewServer(r Renderer, conn Conn, cfg ServerConfig) *Server {
	if cfg.Size == [2]int{} {
		cfg.Size = [2]int{640, 480}
	}
	log := cfg.Logger
	if log == nil {
		log = newForwardLogger(conn, cfg.LogLevel)
	}
	if ls, ok := r.(loggerSetter); ok {
		ls.SetLogger(log)
	}
	return &Server{
		r:          r,
		conn:       conn,
		log:        log,
		framerate:  60,
		mode:       StreamPNG,
		watchdog:   cfg.Watchdog,
		sizes:      map[int][2]int{0: cfg.Size},
		components: map[int]int{0: 4},
	}
}

// Run executes the worker loop until the client sends Stop, the watchdog
// expires, a protocol error occurs or ctx is done. A Stop message is sent
// to the client before returning. Stop requested by the client returns nil.
func (s *Server) Run(ctx context.Context) error {
	now := time.Now()
	s.lastHeartbeat = now
	lastFrame := now
	timer := time.NewTimer(maxIdleWait)
	defer timer.Stop()
	for {
		now = time.Now()
		if s.watchdog > 0 && now.Sub(s.lastHeartbeat) > s.watchdog {
			return s.shutdown("watchdog", ErrWatchdog)
		}
		if s.state == StateRunning && (s.framerate <= 0 || now.Sub(lastFrame) >= s.frameBudget()) {
			lastFrame = now
			if err := s.renderFrame(); err != nil {
				return s.shutdown("queue failure", err)
			}
		}

		processed, stop, err := s.drain()
		switch {
		case stop:
			return s.shutdown("requested by client", nil)
		case errors.Is(err, ErrProtocol):
			s.log.Error("stopping on protocol error", slog.String("err", err.Error()))
			return s.shutdown("protocol error", err)
		case err != nil:
			return s.shutdown("queue failure", err)
		case processed > 0:
			continue
		}

		wait := maxIdleWait
		if s.state == StateRunning && s.framerate > 0 {
			wait = min(wait, s.frameBudget()-time.Since(lastFrame))
		}
		if s.watchdog > 0 {
			wait = min(wait, s.watchdog/2)
		}
		if wait <= 0 {
			continue
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return s.shutdown("context done", ctx.Err())
		case <-s.conn.Ready():
		case <-timer.C:
		}
	}
}

func (s *Server) frameBudget() time.Duration {
	return time.Duration(float64(time.Second) / s.framerate)
}

func (s *Server) shutdown(reason string, err error) error {
	s.state = StateShuttingDown
	s.log.Info("render worker shutting down", slog.String("reason", reason))
	if sendErr := s.conn.Send(Message{Op: OpStop}); sendErr != nil && err == nil && !errors.Is(sendErr, ErrClosed) {
		err = sendErr
	}
	return err
}

// drain executes all queued commands.
func (s *Server) drain() (processed int, stop bool, err error) {
	for {
		m, ok, err := s.conn.Poll()
		if err != nil {
			return processed, false, err
		} else if !ok {
			return processed, false, nil
		}
		processed++
		s.log.Debug("command", slog.String("op", string(m.Op)), slog.Int("nargs", len(m.Args)))
		stop, err = s.handle(m)
		if stop || err != nil {
			return processed, stop, err
		}
	}
}

// handle executes one command. Backend failures are logged and do not stop the worker.
func (s *Server) handle(m Message) (stop bool, err error) {
	switch m.Op {
	case OpStop:
		return true, nil
	case OpHeartbeat:
		s.lastHeartbeat = time.Now()
	case OpSetWatchdog:
		err = s.setWatchdog(m)
	case OpUpdateFrameBuffer:
		err = s.updateFrameBuffer(m)
	case OpDeleteFrameBuffer:
		err = s.deleteFrameBuffer(m)
	case OpRender:
		err = s.startRender(m)
	case OpUpdateUniform:
		err = s.updateUniform(m)
	case OpUpdateVertices:
		err = s.updateVertices(m)
	case OpUpdateTexture:
		err = s.updateTexture(m)
	case OpUpdateSampler:
		err = s.updateSampler(m)
	case OpDeleteTexture:
		var uid int
		if uid, err = s.uidArg(m); err == nil {
			s.backend("deleting texture", s.r.DeleteTexture(uid))
		}
	case OpRegisterShader:
		err = s.registerShader(m)
	case OpCapture:
		err = s.capture(m)
	case OpLogContext:
		var full bool
		if full, err = s.boolArg(m); err == nil {
			s.logContextInfo(full)
		}
	case OpLogFrameTimes:
		s.logTiming, err = s.boolArg(m)
	case OpGetContext, OpGetFrameTimes, OpGetExtensions, OpSaveImage:
		err = s.query(m)
	default:
		err = fmt.Errorf("%w: unknown command %q with %d arguments", ErrProtocol, m.Op, len(m.Args))
	}
	return false, err
}

func (s *Server) backend(action string, err error) {
	if err != nil {
		s.log.Error(action, slog.String("err", err.Error()))
	}
}

// uidArg decodes the single uid argument of a command.
func (s *Server) uidArg(m Message) (int, error) {
	if err := nargs(m, 1); err != nil {
		return 0, err
	}
	return argInt(m, 0)
}

func (s *Server) boolArg(m Message) (bool, error) {
	if err := nargs(m, 1); err != nil {
		return false, err
	}
	return argBool(m, 0)
}

func (s *Server) deleteFrameBuffer(m Message) error {
	uid, err := s.uidArg(m)
	if err != nil {
		return err
	}
	if uid == 0 {
		s.log.Error("the output frame buffer cannot be deleted")
		return nil
	}
	delete(s.sizes, uid)
	delete(s.components, uid)
	s.backend("deleting frame buffer", s.r.DeleteFrameBuffer(uid))
	return nil
}

func (s *Server) updateSampler(m Message) error {
	if err := nargs(m, 2); err != nil {
		return err
	}
	uid, err := argInt(m, 0)
	if err != nil {
		return err
	}
	spec, err := arg[SamplerSpec](m, 1)
	if err != nil {
		return err
	}
	s.backend("updating texture sampler", s.r.UpdateTextureSampler(uid, spec))
	return nil
}

func (s *Server) capture(m Message) error {
	if err := nargs(m, 1); err != nil {
		return err
	}
	filename, err := argString(m, 0)
	if err != nil {
		return err
	}
	if cr, ok := s.r.(CaptureRenderer); ok {
		s.backend("capturing frame", cr.Capture(filename))
	} else {
		s.log.Warn("renderer does not support frame capture")
	}
	return nil
}

func (s *Server) setWatchdog(m Message) error {
	if err := nargs(m, 1); err != nil {
		return err
	}
	if m.Args[0] == nil {
		s.watchdog = 0
		return nil
	}
	secs, err := argFloat(m, 0)
	if err != nil {
		return err
	}
	s.watchdog = max(0, time.Duration(secs*float64(time.Second)))
	// The new timeout counts from now.
	s.lastHeartbeat = time.Now()
	return nil
}

func (s *Server) updateFrameBuffer(m Message) (err error) {
	if err = nargs(m, 5); err != nil {
		return err
	}
	var (
		uid, order, components int
		size                   [2]int
		dtype                  string
	)
	if uid, err = argInt(m, 0); err != nil {
		return err
	} else if order, err = argInt(m, 1); err != nil {
		return err
	} else if size, err = argSize(m, 2); err != nil {
		return err
	} else if components, err = argInt(m, 3); err != nil {
		return err
	} else if dtype, err = argString(m, 4); err != nil {
		return err
	}
	if err := s.r.UpdateFrameBuffer(uid, order, size, components, dtype); err != nil {
		s.backend("updating frame buffer", err)
		return nil
	}
	s.sizes[uid] = size
	s.components[uid] = components
	return nil
}

// startRender handles Rndr(framerate, stream_mode[, quality]).
func (s *Server) startRender(m Message) (err error) {
	if err = nargsRange(m, 2, 3); err != nil {
		return err
	}
	// A render command is the first heartbeat.
	s.lastHeartbeat = time.Now()
	framerate, err := argFloat(m, 0)
	if err != nil {
		return err
	}
	modeName, err := argString(m, 1)
	if err != nil {
		return err
	}
	mode, err := ParseStreamMode(modeName)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	quality, err := argOptInt(m, 2, 0)
	if err != nil {
		return err
	}
	s.framerate, s.mode, s.quality = framerate, mode, quality
	if framerate != 0 {
		s.state = StateRunning
	} else {
		s.state = StateIdle
	}
	return nil
}

func (s *Server) updateUniform(m Message) (err error) {
	if err = nargs(m, 4); err != nil {
		return err
	}
	var (
		fb, dc int
		name   string
	)
	if fb, err = argOptInt(m, 0, All); err != nil {
		return err
	} else if dc, err = argOptInt(m, 1, All); err != nil {
		return err
	} else if name, err = arg[string](m, 2); err != nil {
		return err
	}
	s.backend("updating uniform "+name, s.r.UpdateUniform(fb, dc, name, m.Args[3]))
	return nil
}

func (s *Server) updateVertices(m Message) (err error) {
	if err = nargs(m, 5); err != nil {
		return err
	}
	var (
		fb, dc   int
		vertices []float32
		indices  []uint32
		attribs  []string
	)
	if fb, err = argInt(m, 0); err != nil {
		return err
	} else if dc, err = argInt(m, 1); err != nil {
		return err
	} else if vertices, err = argOpt[[]float32](m, 2); err != nil {
		return err
	} else if indices, err = argOpt[[]uint32](m, 3); err != nil {
		return err
	} else if attribs, err = argOpt[[]string](m, 4); err != nil {
		return err
	}
	s.backend("updating vertex buffer", s.r.UpdateVertexBuffer(fb, dc, vertices, indices, attribs))
	return nil
}

func (s *Server) updateTexture(m Message) (err error) {
	if err = nargs(m, 3); err != nil {
		return err
	}
	var (
		uid  int
		spec TextureSpec
		data []byte
	)
	if uid, err = argInt(m, 0); err != nil {
		return err
	} else if spec, err = arg[TextureSpec](m, 1); err != nil {
		return err
	} else if data, err = argOpt[[]byte](m, 2); err != nil {
		return err
	}
	s.backend("updating texture", s.r.UpdateTexture(uid, spec, data))
	return nil
}

func (s *Server) registerShader(m Message) (err error) {
	if err = nargs(m, 9); err != nil {
		return err
	}
	fb, err := argInt(m, 0)
	if err != nil {
		return err
	}
	dc, err := argInt(m, 1)
	if err != nil {
		return err
	}
	var stages [7]string // Six stages and the primitive.
	for i := range stages {
		if stages[i], err = argString(m, i+2); err != nil {
			return err
		}
	}
	src := ShaderSources{
		Vertex:         stages[0],
		Fragment:       stages[1],
		TessControl:    stages[2],
		TessEvaluation: stages[3],
		Geometry:       stages[4],
		Compute:        stages[5],
	}
	s.backend("registering shader", s.r.RegisterShader(fb, dc, src, stages[6]))
	return nil
}

func (s *Server) logContextInfo(full bool) {
	info := s.r.ContextInfo()
	keys := slices.Sorted(maps.Keys(info))
	var sb strings.Builder
	sb.WriteString("render context:")
	for _, k := range keys {
		if !full && !strings.HasPrefix(k, "GL_VENDOR") && !strings.HasPrefix(k, "GL_RENDERER") && !strings.HasPrefix(k, "GL_VERSION") {
			continue
		}
		fmt.Fprintf(&sb, "\n\t%s=%s", k, info[k])
	}
	if full {
		sb.WriteString("\nextensions:")
		for _, ext := range s.r.SupportedExtensions() {
			sb.WriteString("\n\t" + ext)
		}
	}
	s.log.Info(sb.String())
}

// query answers an async query with an ARes message echoing its id.
func (s *Server) query(m Message) error {
	if len(m.Args) == 0 {
		return fmt.Errorf("%w: %s without query id", ErrProtocol, m.Op)
	}
	id, ok := toInt64(m.Args[0])
	if !ok {
		return argErr(m, 0, "a query id")
	}
	var result []any
	switch m.Op {
	case OpGetContext:
		result = []any{s.r.ContextInfo()}
	case OpGetFrameTimes:
		result = []any{s.stats}
	case OpGetExtensions:
		result = []any{s.r.SupportedExtensions()}
	case OpSaveImage:
		if err := nargs(m, 4); err != nil {
			return err
		}
		data, err := s.saveImage(m)
		if errors.Is(err, ErrProtocol) {
			return err
		}
		var msg string
		if err != nil {
			msg = err.Error()
		}
		result = []any{data, msg}
	}
	return s.conn.Send(Message{Op: OpAsyncResult, Args: append([]any{id}, result...)})
}

func (s *Server) saveImage(m Message) ([]byte, error) {
	fb, err := argInt(m, 1)
	if err != nil {
		return nil, err
	}
	format, err := argString(m, 2)
	if err != nil {
		return nil, err
	}
	quality, err := argOptInt(m, 3, 0)
	if err != nil {
		return nil, err
	}
	mode, err := ParseStreamMode(format)
	if err != nil {
		return nil, err
	}
	size, ok := s.sizes[fb]
	if !ok {
		return nil, fmt.Errorf("frame buffer %d does not exist", fb)
	}
	comps := mode.Components(s.components[fb])
	if comps == 0 {
		return nil, fmt.Errorf("cannot save image in %q format", format)
	}
	pix, err := s.r.ReadFrame(comps, fb)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(mode, pix, size[0], size[1], comps, quality)
}

// renderFrame renders and streams one frame. Only failing to send the
// frame is returned as error.
func (s *Server) renderFrame() error {
	start := time.Now()
	if !s.r.Render() || s.framerate < 0 {
		s.state = StateIdle
	}
	size := s.sizes[0]
	frame := Frame{Mode: s.mode, Width: size[0], Height: size[1]}
	rendered := time.Now()
	if comps := s.mode.Components(s.components[0]); comps > 0 {
		pix, err := s.r.ReadFrame(comps, 0)
		rendered = time.Now()
		if err == nil {
			frame.Components = comps
			frame.Data, err = EncodeFrame(s.mode, pix, size[0], size[1], comps, s.quality)
		}
		s.backend("streaming frame", err)
	}
	s.stats.add(rendered.Sub(start), time.Since(rendered))
	frame.Seq = s.stats.Frames
	if s.logTiming && s.stats.Frames%60 == 0 {
		s.logFrameTimes()
	}
	return s.conn.Send(Message{Op: OpNewFrame, Args: []any{frame}})
}

func (ft *FrameTimes) add(render, encode time.Duration) {
	if ft.Frames == 0 {
		ft.AvgRender, ft.AvgEncode = render, encode
	}
	ft.Frames++
	ft.AvgRender = time.Duration(0.9*float64(ft.AvgRender) + 0.1*float64(render))
	ft.AvgEncode = time.Duration(0.9*float64(ft.AvgEncode) + 0.1*float64(encode))
	ft.MaxRender = max(ft.MaxRender, render)
	ft.MaxEncode = max(ft.MaxEncode, encode)
}

// FPS returns the average frame rate achievable with the average render and encode times.
func (ft FrameTimes) FPS() float64 {
	total := ft.AvgRender + ft.AvgEncode
	if total <= 0 {
		return 0
	}
	return float64(time.Second) / float64(total)
}

func (s *Server) logFrameTimes() {
	st := s.stats
	s.log.Info("frame times",
		slog.Duration("render_avg", st.AvgRender), slog.Duration("render_max", st.MaxRender),
		slog.Duration("encode_avg", st.AvgEncode), slog.Duration("encode_max", st.MaxEncode),
		slog.String("fps", fmt.Sprintf("%.1f", st.FPS())),
	)
	s.stats.MaxRender, s.stats.MaxEncode = 0, 0
}
