// Package ssvaux has helpers to get started with gssv quickly: compiling a
// shader file and rendering it to image files in a worker, and watching
// shader files for changes. Applications with other needs should use
// gssv and renderproc directly.
package ssvaux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/soypat/gssv"
	"github.com/soypat/gssv/glrender"
	"github.com/soypat/gssv/renderproc"
)

// RenderConfig configures [Render].
type RenderConfig struct {
	// Preprocessor compiles the shader. Defaults to gssv.New(gssv.Config{}).
	Preprocessor *gssv.Preprocessor
	Options      gssv.PreprocessOptions
	// Size of the output frame buffer. Defaults to 640x480.
	Size [2]int
	// Frames to render. Defaults to 1.
	Frames int
	// Framerate of rendered frames. Zero renders as fast as possible.
	Framerate float64
	// Mode of the written frames. Defaults to png.
	Mode renderproc.StreamMode
	// Quality is passed to [renderproc.EncodeFrame].
	Quality int
	// Uniforms are set on every draw call before rendering.
	Uniforms map[string]any
	// OutputDir receives frame_NNNN.<mode> files. Defaults to the working directory.
	OutputDir string
	// Timeout bounds the whole render. Defaults to 30s.
	Timeout time.Duration
	// NewRenderer creates the worker's renderer. Defaults to an OpenGL [glrender.Renderer].
	NewRenderer func() (renderproc.Renderer, error)
	// StartClient connects to a worker, i.e: one started with [renderproc.StartProcess].
	// When nil the worker runs in-process with NewRenderer.
	StartClient func(ctx context.Context) (*renderproc.Client, error)
	Logger      *slog.Logger
}

// Render compiles the shader file and renders frames to files in a worker.
// It returns the names of the written files.
func Render(ctx context.Context, filename string, cfg RenderConfig) (files []string, err error) {
	source, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if cfg.Options.Filename == "" {
		cfg.Options.Filename = filepath.Base(filename)
	}
	return RenderSource(ctx, string(source), cfg)
}

// RenderSource is [Render] for shader source held in memory.
func RenderSource(ctx context.Context, source string, cfg RenderConfig) (files []string, err error) {
	cfg.setDefaults()
	log := cfg.Logger
	watch := stopwatch()
	compiled, err := cfg.Preprocessor.Preprocess(source, cfg.Options)
	if err != nil {
		return nil, err
	}
	log.Info("preprocessed shader", slog.Int("stages", len(compiled.Shaders)), slog.Duration("took", watch()))

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	watch = stopwatch()
	client, err := cfg.StartClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting render worker: %w", err)
	}
	defer func() {
		err = errors.Join(err, client.Close())
	}()

	type written struct {
		name string
		err  error
	}
	results := make(chan written, cfg.Frames)
	var seen int
	unsubscribe := client.OnFrame(func(fr renderproc.Frame) {
		if seen >= cfg.Frames {
			return
		}
		seen++
		name := filepath.Join(cfg.OutputDir, fmt.Sprintf("frame_%04d.%s", seen, cfg.Mode))
		results <- written{name: name, err: os.WriteFile(name, fr.Data, 0o644)}
	})
	defer unsubscribe()

	client.UpdateFrameBuffer(0, 0, cfg.Size, 4, "f1")
	client.RegisterCompiled(0, 0, compiled)
	for name, v := range cfg.Uniforms {
		client.UpdateUniform(renderproc.All, renderproc.All, name, v)
	}
	framerate := cfg.Framerate
	if cfg.Frames == 1 {
		framerate = -1
	} else if framerate == 0 {
		framerate = 1000
	}
	client.Render(framerate, cfg.Mode, cfg.Quality)

	for len(files) < cfg.Frames {
		select {
		case w := <-results:
			if w.err != nil {
				return files, w.err
			}
			files = append(files, w.name)
		case <-client.Done():
			return files, errors.New("render worker stopped before all frames were rendered")
		case <-ctx.Done():
			return files, fmt.Errorf("rendered %d of %d frames: %w", len(files), cfg.Frames, ctx.Err())
		}
	}
	client.Render(0, cfg.Mode, cfg.Quality)
	log.Info("rendered frames", slog.Int("frames", len(files)), slog.Duration("took", watch()))
	return files, nil
}

func (cfg *RenderConfig) setDefaults() {
	if cfg.Logger == nil {
		cfg.Logger = gssv.Logger()
	}
	if cfg.Preprocessor == nil {
		cfg.Preprocessor = gssv.New(gssv.Config{Logger: cfg.Logger})
	}
	if cfg.Size == [2]int{} {
		cfg.Size = [2]int{640, 480}
	}
	if cfg.Frames <= 0 {
		cfg.Frames = 1
	}
	if cfg.Mode == "" || cfg.Mode == renderproc.StreamNone || cfg.Mode == renderproc.StreamRaw {
		cfg.Mode = renderproc.StreamPNG
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.NewRenderer == nil {
		size := cfg.Size
		cfg.NewRenderer = func() (renderproc.Renderer, error) {
			r, err := glrender.New(glrender.Config{Size: size})
			if err != nil {
				return nil, err
			}
			return r, nil
		}
	}
	if cfg.StartClient == nil {
		newRenderer, size, log := cfg.NewRenderer, cfg.Size, cfg.Logger
		cfg.StartClient = func(ctx context.Context) (*renderproc.Client, error) {
			return renderproc.Start(ctx, newRenderer, renderproc.ServerConfig{Size: size}, renderproc.ClientConfig{Logger: log}), nil
		}
	}
}

func stopwatch() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
