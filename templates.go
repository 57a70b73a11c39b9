package gssv

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/soypat/gssv/pragma"
)

// template is a located template source.
type template struct {
	// path names the template in diagnostics and #line directives.
	path   string
	source string
}

// TemplateFilename returns the file name a template called name is stored under.
func TemplateFilename(name string) string {
	return "template_" + strings.ToLower(name) + ".glsl"
}

func isTemplateFile(name string) bool {
	name = strings.ToLower(name)
	return strings.HasPrefix(name, "template_") && strings.HasSuffix(name, ".glsl")
}

// findTemplate looks name up in the additional templates, then in the
// template directory and finally in the built-in templates.
func (p *Preprocessor) findTemplate(name string, opts PreprocessOptions) (template, error) {
	log := p.logger()
	for i, src := range opts.AdditionalTemplates {
		md, err := p.parseTemplate(template{path: "additional_templates[]", source: src})
		if err != nil {
			log.Warn("skipping unparsable additional template", slog.Int("index", i), slog.String("err", err.Error()))
			continue
		}
		def, ok := md.Define()
		if ok && strings.EqualFold(def.Name, name) {
			return template{path: def.Name, source: src}, nil
		}
	}

	expected := TemplateFilename(name)
	if opts.TemplateDir != "" {
		dir, err := templateDir(opts.TemplateDir)
		if err != nil {
			return template{}, err
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return template{}, err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.EqualFold(e.Name(), expected) {
				continue
			}
			filename := filepath.Join(dir, e.Name())
			b, err := os.ReadFile(filename)
			if err != nil {
				return template{}, fmt.Errorf("reading shader template %q: %w", filename, err)
			}
			return template{path: filename, source: string(b)}, nil
		}
	}

	b, err := fs.ReadFile(p.fsys, expected)
	if err != nil {
		return template{}, fmt.Errorf("%w: no template called %q, it should be in a file called %q", ErrTemplateNotFound, name, expected)
	}
	return template{path: expected, source: string(b)}, nil
}

// templateDir expands ~ in dir and checks it is a directory.
func templateDir(dir string) (string, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return "", fmt.Errorf("template directory %q: %w", dir, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", fmt.Errorf("template directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("template directory is not a valid directory: %s", dir)
	}
	return expanded, nil
}

// TemplateInfo describes a discoverable template.
type TemplateInfo struct {
	pragma.Define
	// Path is the file the template was read from.
	Path string
	// Builtin is set for templates of the template filesystem.
	Builtin bool
}

// Templates lists the templates found in dir followed by the built-in
// templates. Templates without a define pragma are skipped. An empty dir
// lists only built-in templates.
func (p *Preprocessor) Templates(dir string) ([]TemplateInfo, error) {
	var found []TemplateInfo
	add := func(t template, builtin bool) error {
		md, err := p.parseTemplate(t)
		if err != nil {
			return err
		}
		def, ok := md.Define()
		if !ok {
			p.logger().Warn("template has no define pragma", slog.String("path", t.path))
			return nil
		}
		found = append(found, TemplateInfo{Define: def, Path: t.path, Builtin: builtin})
		return nil
	}
	if dir != "" {
		expanded, err := templateDir(dir)
		if err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(expanded)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !isTemplateFile(e.Name()) {
				continue
			}
			filename := filepath.Join(expanded, e.Name())
			b, err := os.ReadFile(filename)
			if err != nil {
				return nil, fmt.Errorf("reading shader template %q: %w", filename, err)
			}
			if err := add(template{path: filename, source: string(b)}, false); err != nil {
				return nil, err
			}
		}
	}
	entries, err := fs.ReadDir(p.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading built-in templates: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isTemplateFile(e.Name()) {
			continue
		}
		b, err := fs.ReadFile(p.fsys, e.Name())
		if err != nil {
			return nil, err
		}
		if err := add(template{path: e.Name(), source: string(b)}, true); err != nil {
			return nil, err
		}
	}
	return found, nil
}

// TemplateUsage returns the argument help of the named template as it
// would be located by [Preprocessor.Preprocess] with opts.
func (p *Preprocessor) TemplateUsage(name string, opts PreprocessOptions) (string, error) {
	tmpl, err := p.findTemplate(name, opts)
	if err != nil {
		return "", err
	}
	md, err := p.parseTemplate(tmpl)
	if err != nil {
		return "", err
	}
	schema, err := NewArgSchema(md)
	if err != nil {
		return "", err
	}
	return schema.Help(), nil
}
