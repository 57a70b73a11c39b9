package ssvaux

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/soypat/gssv"
)

// debounce groups the several events editors produce on save.
const debounce = 100 * time.Millisecond

// Watch compiles the shader file once and again every time it or a
// template in opts.TemplateDir changes, calling onCompile with the result.
// It returns when ctx is done or watching fails.
func Watch(ctx context.Context, p *gssv.Preprocessor, filename string, opts gssv.PreprocessOptions, onCompile func(*gssv.CompiledShaders, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	abs, err := filepath.Abs(filename)
	if err != nil {
		return err
	}
	// Watch directories, editors often replace files on save.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	var templateDir string
	if opts.TemplateDir != "" {
		templateDir, err = filepath.Abs(opts.TemplateDir)
		if err != nil {
			return err
		}
		if templateDir != filepath.Dir(abs) {
			if err := watcher.Add(templateDir); err != nil {
				return err
			}
		}
	}
	if opts.Filename == "" {
		opts.Filename = filepath.Base(filename)
	}
	compile := func() {
		source, err := os.ReadFile(abs)
		if err != nil {
			onCompile(nil, err)
			return
		}
		onCompile(p.Preprocess(string(source), opts))
	}
	relevant := func(name string) bool {
		name, _ = filepath.Abs(name)
		return name == abs || (templateDir != "" && filepath.Dir(name) == templateDir && filepath.Ext(name) == ".glsl")
	}

	compile()
	timer := time.NewTimer(debounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !relevant(event.Name) {
				continue
			}
			gssv.Logger().Debug("shader changed", slog.String("file", event.Name), slog.String("op", event.Op.String()))
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		case <-timer.C:
			compile()
		}
	}
}
