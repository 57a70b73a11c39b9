// Command gssv preprocesses SSV shaders and renders them with OpenGL.
//
//	gssv templates [-templates dir]
//	gssv usage <template>
//	gssv compile [-o dir] [-watch] <shader.glsl>
//	gssv render [-frames n] [-o dir] [-process] <shader.glsl>
//	gssv worker
//
// Every sub-command accepts -config with a .yaml or .toml file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/soypat/gssv"
	"github.com/soypat/gssv/glrender"
	"github.com/soypat/gssv/renderproc"
	"github.com/soypat/gssv/ssvaux"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, env *env, args []string) error
}

var commands = []command{
	{"templates", "list available templates", runTemplates},
	{"usage", "print the arguments of a template", runUsage},
	{"compile", "preprocess a shader and print or write its stages", runCompile},
	{"render", "render a shader to image files", runRender},
	{"worker", "serve the render protocol on stdin/stdout", runWorker},
}

// env holds the state shared by sub-commands after flag parsing.
type env struct {
	cfg        config
	configPath string
	defines    string
	log        *slog.Logger
	stdout     io.Writer
	stderr     io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(2)
	} else if err != nil {
		fmt.Fprintln(os.Stderr, "gssv:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return flag.ErrHelp
	}
	i := slices.IndexFunc(commands, func(c command) bool { return c.name == args[0] })
	if i < 0 {
		printUsage(stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}
	cmd := commands[i]
	return cmd.run(ctx, &env{stdout: stdout, stderr: stderr}, args[1:])
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: gssv <command> [flags] [args]")
	fmt.Fprintln(w, "commands:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(tw, "  %s\t%s\n", c.name, c.usage)
	}
	tw.Flush()
}

// flagSet returns a flag set with the flags shared by every sub-command.
func (e *env) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("gssv "+name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	fs.StringVar(&e.configPath, "config", "", "configuration file (.yaml, .yml or .toml)")
	return fs
}

func (e *env) compileFlags(fs *flag.FlagSet) {
	fs.StringVar(&e.defines, "D", "", `additional macro definitions, i.e: "FOO BAR=2"`)
	fs.StringVar(&e.cfg.TemplateDir, "templates", "", "directory searched for template_<name>.glsl")
}

// parse parses flags and loads the configuration file. Flags given
// explicitly on the command line override file values.
func (e *env) parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	flagCfg := e.cfg
	cfg, err := loadConfig(e.configPath)
	if err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "templates":
			cfg.TemplateDir = flagCfg.TemplateDir
		case "log":
			cfg.LogLevel = flagCfg.LogLevel
		case "watchdog":
			cfg.Watchdog = flagCfg.Watchdog
		case "framerate":
			cfg.Framerate = flagCfg.Framerate
		case "mode":
			cfg.StreamMode = flagCfg.StreamMode
		case "width":
			cfg.Width = flagCfg.Width
		case "height":
			cfg.Height = flagCfg.Height
		}
	})
	if err := cfg.validate(); err != nil {
		return err
	}
	e.cfg = cfg
	level, _ := cfg.level()
	e.log = newLogger(e.stderr, level)
	gssv.SetLogger(e.log)
	return nil
}

func (e *env) preprocessor(filename string) (*gssv.Preprocessor, gssv.PreprocessOptions, error) {
	opts, err := e.cfg.options(filename)
	if err != nil {
		return nil, opts, err
	}
	if e.defines != "" {
		opts.Defines, err = parseDefines(e.defines)
		if err != nil {
			return nil, opts, err
		}
	}
	return e.cfg.preprocessor(e.log), opts, nil
}

func runTemplates(ctx context.Context, e *env, args []string) error {
	fs := e.flagSet("templates")
	fs.StringVar(&e.cfg.TemplateDir, "templates", "", "directory searched for template_<name>.glsl")
	if err := e.parse(fs, args); err != nil {
		return err
	}
	p, opts, err := e.preprocessor("")
	if err != nil {
		return err
	}
	templates, err := p.Templates(opts.TemplateDir)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tAUTHOR\tSOURCE\tDESCRIPTION")
	for _, t := range templates {
		source := t.Path
		if t.Builtin {
			source = "built-in"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Name, t.Author, source, t.Description)
	}
	return tw.Flush()
}

func runUsage(ctx context.Context, e *env, args []string) error {
	fs := e.flagSet("usage")
	fs.StringVar(&e.cfg.TemplateDir, "templates", "", "directory searched for template_<name>.glsl")
	if err := e.parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage requires a single template name")
	}
	p, opts, err := e.preprocessor("")
	if err != nil {
		return err
	}
	help, err := p.TemplateUsage(fs.Arg(0), opts)
	if err != nil {
		return err
	}
	_, err = io.WriteString(e.stdout, help)
	return err
}

func runCompile(ctx context.Context, e *env, args []string) error {
	var output string
	var watch, showDefines bool
	fs := e.flagSet("compile")
	e.compileFlags(fs)
	fs.StringVar(&output, "o", "", "write <name>.<stage>.glsl files to this directory instead of printing")
	fs.BoolVar(&watch, "watch", false, "recompile when the shader or its templates change")
	fs.BoolVar(&showDefines, "defines", false, "print the #define directives stages are compiled with before the stages")
	if err := e.parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("compile requires a single shader file")
	}
	filename := fs.Arg(0)
	p, opts, err := e.preprocessor(filename)
	if err != nil {
		return err
	}
	emit := func(cs *gssv.CompiledShaders) error {
		if showDefines {
			if _, err := fmt.Fprintf(e.stdout, "// ---- defines ----\n%s\n", gssv.AppendDefines(nil, cs.Defines)); err != nil {
				return err
			}
		}
		if output == "" {
			return printStages(e.stdout, cs)
		}
		return writeStages(output, filename, cs)
	}
	if !watch {
		source, err := os.ReadFile(filename)
		if err != nil {
			return err
		}
		cs, err := p.Preprocess(string(source), opts)
		if err != nil {
			return err
		}
		return emit(cs)
	}
	err = ssvaux.Watch(ctx, p, filename, opts, func(cs *gssv.CompiledShaders, err error) {
		if err == nil {
			err = emit(cs)
		}
		if err != nil {
			e.log.Error("compile failed", slog.String("file", filename), slog.String("err", err.Error()))
			return
		}
		e.log.Info("compiled", slog.String("file", filename), slog.Int("stages", len(cs.Shaders)))
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printStages(w io.Writer, cs *gssv.CompiledShaders) error {
	for _, key := range slices.Sorted(maps.Keys(cs.Shaders)) {
		if _, err := fmt.Fprintf(w, "// ---- %s ----\n%s\n", key, cs.Shaders[key]); err != nil {
			return err
		}
	}
	return nil
}

// writeStages writes each stage of cs to dir/<base>.<stage>.glsl.
func writeStages(dir, filename string, cs *gssv.CompiledShaders) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	for key, src := range cs.Shaders {
		stage := strings.TrimSuffix(key, "_shader")
		name := filepath.Join(dir, base+"."+stage+".glsl")
		if err := os.WriteFile(name, []byte(src), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func runRender(ctx context.Context, e *env, args []string) error {
	var (
		output  string
		frames  int
		quality int
		process bool
		timeout time.Duration
	)
	fs := e.flagSet("render")
	e.compileFlags(fs)
	fs.StringVar(&output, "o", ".", "output directory of frame_NNNN files")
	fs.IntVar(&frames, "frames", 1, "number of frames to render")
	fs.IntVar(&quality, "quality", 0, "JPEG quality, 0 uses the default")
	fs.BoolVar(&process, "process", false, "render in a worker sub-process instead of in-process")
	fs.DurationVar(&timeout, "timeout", 30*time.Second, "maximum time spent rendering")
	fs.IntVar(&e.cfg.Width, "width", 0, "frame width in pixels")
	fs.IntVar(&e.cfg.Height, "height", 0, "frame height in pixels")
	fs.Float64Var(&e.cfg.Framerate, "framerate", 0, "frames per second, 0 renders as fast as possible")
	fs.StringVar(&e.cfg.StreamMode, "mode", "", "image format: png, jpg or bmp")
	fs.StringVar(&e.cfg.LogLevel, "log", "", "log level")
	if err := e.parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("render requires a single shader file")
	}
	filename := fs.Arg(0)
	p, opts, err := e.preprocessor(filename)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(output, 0o755); err != nil {
		return err
	}
	rcfg := ssvaux.RenderConfig{
		Preprocessor: p,
		Options:      opts,
		Size:         e.cfg.size(),
		Frames:       frames,
		Framerate:    e.cfg.Framerate,
		Mode:         e.cfg.mode(),
		Quality:      quality,
		OutputDir:    output,
		Timeout:      timeout,
		Logger:       e.log,
		NewRenderer:  e.newRenderer,
	}
	if process {
		exe, err := os.Executable()
		if err != nil {
			return err
		}
		workerArgs := []string{"worker"}
		if e.configPath != "" {
			workerArgs = append(workerArgs, "-config", e.configPath)
		}
		rcfg.StartClient = func(ctx context.Context) (*renderproc.Client, error) {
			return renderproc.StartProcess(ctx, renderproc.ClientConfig{Logger: e.log}, exe, workerArgs...)
		}
	}
	files, err := ssvaux.Render(ctx, filename, rcfg)
	for _, f := range files {
		fmt.Fprintln(e.stdout, f)
	}
	return err
}

func runWorker(ctx context.Context, e *env, args []string) error {
	fs := e.flagSet("worker")
	fs.StringVar(&e.cfg.Watchdog, "watchdog", "", "stop when no heartbeat arrives for this long, i.e: 5s")
	fs.StringVar(&e.cfg.LogLevel, "log", "", "log level")
	if err := e.parse(fs, args); err != nil {
		return err
	}
	watchdog, _ := e.cfg.watchdog()
	level, _ := e.cfg.level()
	// Worker logs travel to the client as LogM messages, stderr is kept for panics.
	return renderproc.ServeStream(ctx, renderproc.StdioConn(), e.newRenderer, renderproc.ServerConfig{
		Watchdog: watchdog,
		Size:     e.cfg.size(),
		LogLevel: level,
	})
}

func (e *env) newRenderer() (renderproc.Renderer, error) {
	r, err := glrender.New(glrender.Config{Size: e.cfg.size(), GLVersion: parseGLVersion(e.cfg.GLVersion)})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// parseGLVersion maps a GLSL version such as "460" or "330" to an OpenGL
// context version. Unknown versions select the renderer default.
func parseGLVersion(v string) [2]int {
	if len(v) < 3 || v[0] < '1' || v[0] > '9' || v[1] < '0' || v[1] > '9' {
		return [2]int{}
	}
	major, minor := int(v[0]-'0'), int(v[1]-'0')
	if major < 3 {
		return [2]int{}
	}
	return [2]int{major, minor}
}
