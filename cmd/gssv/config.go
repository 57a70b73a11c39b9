package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/mitchellh/go-homedir"
	"github.com/muesli/termenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/soypat/gssv"
	"github.com/soypat/gssv/renderproc"
	"gopkg.in/yaml.v3"
)

// config is the gssv configuration file. Flags override its values.
type config struct {
	GLVersion      string            `yaml:"gl_version" toml:"gl_version"`
	LineDirectives *bool             `yaml:"line_directives" toml:"line_directives"`
	TemplateDir    string            `yaml:"template_dir" toml:"template_dir"`
	Extensions     []string          `yaml:"extensions" toml:"extensions"`
	Defines        map[string]string `yaml:"defines" toml:"defines"`
	LogLevel       string            `yaml:"log_level" toml:"log_level"`
	Watchdog       string            `yaml:"watchdog" toml:"watchdog"`
	Framerate      float64           `yaml:"framerate" toml:"framerate"`
	StreamMode     string            `yaml:"stream_mode" toml:"stream_mode"`
	Width          int               `yaml:"width" toml:"width"`
	Height         int               `yaml:"height" toml:"height"`
}

func defaultConfig() config {
	return config{
		LogLevel:   "info",
		StreamMode: string(renderproc.StreamPNG),
		Width:      640,
		Height:     480,
	}
}

// loadConfig reads a .yaml, .yml or .toml file over the defaults.
// An empty path returns the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return cfg, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		err = dec.Decode(&cfg)
		if errors.Is(err, io.EOF) {
			err = nil // Empty document.
		}
	case ".toml":
		err = toml.NewDecoder(bytes.NewReader(b)).DisallowUnknownFields().Decode(&cfg)
	default:
		return cfg, fmt.Errorf("unsupported config file extension %q, want .yaml, .yml or .toml", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (cfg *config) validate() error {
	if _, err := cfg.level(); err != nil {
		return err
	}
	if _, err := cfg.watchdog(); err != nil {
		return err
	}
	if _, err := renderproc.ParseStreamMode(cfg.StreamMode); err != nil {
		return err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", cfg.Width, cfg.Height)
	}
	for name := range cfg.Defines {
		if name == "" || strings.ContainsAny(name, " \t=") {
			return fmt.Errorf("invalid define name %q", name)
		}
	}
	return nil
}

func (cfg *config) level() (slog.Level, error) {
	var lvl slog.Level
	if cfg.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	err := lvl.UnmarshalText([]byte(cfg.LogLevel))
	return lvl, err
}

// watchdog parses a duration such as "5s". Empty disables the watchdog.
func (cfg *config) watchdog() (time.Duration, error) {
	if cfg.Watchdog == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(cfg.Watchdog)
	if err != nil {
		return 0, fmt.Errorf("watchdog: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative watchdog %s", d)
	}
	return d, nil
}

func (cfg *config) size() [2]int { return [2]int{cfg.Width, cfg.Height} }

func (cfg *config) mode() renderproc.StreamMode {
	m, _ := renderproc.ParseStreamMode(cfg.StreamMode)
	return m
}

// preprocessor returns a preprocessor with the configured version and
// defines, the latter ordered by name.
func (cfg *config) preprocessor(log *slog.Logger) *gssv.Preprocessor {
	var defines []gssv.MacroDefine
	for _, name := range slices.Sorted(maps.Keys(cfg.Defines)) {
		defines = append(defines, gssv.MacroDefine{Name: name, Value: cfg.Defines[name]})
	}
	return gssv.New(gssv.Config{
		GLVersion:        cfg.GLVersion,
		NoLineDirectives: cfg.LineDirectives != nil && !*cfg.LineDirectives,
		Defines:          defines,
		Logger:           log,
	})
}

func (cfg *config) options(filename string) (gssv.PreprocessOptions, error) {
	opts := gssv.PreprocessOptions{Extensions: cfg.Extensions}
	if filename != "" {
		opts.Filename = filepath.Base(filename)
	}
	if cfg.TemplateDir != "" {
		dir, err := homedir.Expand(cfg.TemplateDir)
		if err != nil {
			return opts, err
		}
		opts.TemplateDir = dir
	}
	return opts, nil
}

// parseDefines splits a command line string such as `FOO BAR=2 MSG="a b"`
// into macro definitions. A bare name is defined as 1.
func parseDefines(s string) ([]gssv.MacroDefine, error) {
	words, err := shellwords.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parsing defines: %w", err)
	}
	defines := make([]gssv.MacroDefine, 0, len(words))
	for _, w := range words {
		name, value, ok := strings.Cut(w, "=")
		if !ok {
			value = "1"
		}
		if name == "" {
			return nil, fmt.Errorf("define %q has no name", w)
		}
		defines = append(defines, gssv.MacroDefine{Name: name, Value: value})
	}
	return defines, nil
}

var levelColors = []struct {
	name  string
	color string
}{
	{"DEBUG", "8"},
	{"INFO", "4"},
	{"WARN", "3"},
	{"ERROR", "1"},
}

// colorWriter colors the level field of records written by a [slog.TextHandler].
// The handler writes each record with a single Write call.
type colorWriter struct {
	out *termenv.Output
}

func (w colorWriter) Write(p []byte) (int, error) {
	for _, lc := range levelColors {
		key := []byte("level=" + lc.name)
		i := bytes.Index(p, key)
		if i < 0 {
			continue
		}
		styled := w.out.String(lc.name).Foreground(w.out.Color(lc.color)).String()
		line := slices.Concat(p[:i+len("level=")], []byte(styled), p[i+len(key):])
		if _, err := w.out.Write(line); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return w.out.Write(p)
}

// newLogger returns a text logger writing to w. Level names are colored
// when w is a terminal supporting colors.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	out := termenv.NewOutput(w)
	return slog.New(slog.NewTextHandler(colorWriter{out: out}, &slog.HandlerOptions{Level: level}))
}
