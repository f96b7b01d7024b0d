package compiler

import (
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/quill/pkg/bytecode"
)

var log = commonlog.GetLogger("quill.compiler")

// ---------------------------------------------------------------------------
// Compiler: batch entry points
// ---------------------------------------------------------------------------

// Source is one input file of a compilation batch.
type Source struct {
	Name string // module name used when the file has no module header
	File string // path reported in diagnostics
	Text string
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithModules lets imports resolve against compiled modules.
func WithModules(src ModuleSource) Option {
	return func(c *Compiler) { c.modules = src }
}

// WithNatives lets imports resolve against native modules.
func WithNatives(src NativeSource) Option {
	return func(c *Compiler) { c.natives = src }
}

// WithEmbedSource stores each module's source text in its binary form.
func WithEmbedSource(embed bool) Option {
	return func(c *Compiler) { c.embedSource = embed }
}

// Compiler turns source files into binary modules. A Compiler holds no
// per-batch state and may be reused.
type Compiler struct {
	modules     ModuleSource
	natives     NativeSource
	embedSource bool
}

// New creates a compiler.
func New(opts ...Option) *Compiler {
	c := &Compiler{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile compiles a single source text. Files without a module header
// become a module called name.
func (c *Compiler) Compile(source, name string) ([]*bytecode.Module, error) {
	return c.CompileBatch([]Source{{Name: name, File: name, Text: source}})
}

// CompileBatch compiles the sources as one batch: modules of the batch may
// import each other. Compilation is atomic; if any diagnostic is reported
// no module is returned and the error is a *Error.
func (c *Compiler) CompileBatch(sources []Source) ([]*bytecode.Module, error) {
	u, texts, err := c.front(sources)
	if err != nil {
		return nil, err
	}
	return c.back(u, texts, false)
}

// CompileExpression compiles a snippet into a module whose initializer
// returns the value of the final statement.
func (c *Compiler) CompileExpression(text string) (*bytecode.Module, error) {
	u, texts, err := c.front([]Source{{Name: "<eval>", Text: text}})
	if err != nil {
		return nil, err
	}
	if len(u.Modules) != 1 {
		return nil, fmt.Errorf("expression must form a single module, got %d", len(u.Modules))
	}
	mods, err := c.back(u, texts, true)
	if err != nil {
		return nil, err
	}
	return mods[0], nil
}

// Analyze runs the pass pipeline and reports semantic warnings without
// generating code.
func (c *Compiler) Analyze(sources []Source) ([]Warning, error) {
	u, _, err := c.front(sources)
	if err != nil {
		return nil, err
	}
	a := NewSemanticAnalyzer()
	for _, mod := range u.Modules {
		a.AnalyzeModule(mod)
	}
	return a.Warnings(), nil
}

// front parses every source and runs the pass pipeline.
func (c *Compiler) front(sources []Source) (*Unit, map[*ModuleNode]string, error) {
	var (
		mods  []*ModuleNode
		errs  []error
		texts = make(map[*ModuleNode]string)
		files = make(map[string]string)
	)
	for _, src := range sources {
		file := src.File
		if file == "" {
			file = src.Name
		}
		parsed, err := Parse(file, src.Text, src.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, mod := range parsed {
			if prev, dup := files[mod.Name]; dup {
				errs = append(errs, &ResolutionError{
					File:   file,
					Module: mod.Name,
					Pos:    mod.Pos(),
					Name:   mod.Name,
					Msg:    fmt.Sprintf("module %s already defined in %s", mod.Name, prev),
				})
				continue
			}
			files[mod.Name] = file
			texts[mod] = src.Text
			mods = append(mods, mod)
		}
	}
	if len(errs) > 0 {
		return nil, nil, &Error{Errors: errs}
	}

	u := newUnit(mods, nil)
	u.resolvers = []ImportResolver{astResolver{u}}
	if c.modules != nil {
		u.resolvers = append(u.resolvers, binaryResolver{c.modules})
	}
	if c.natives != nil {
		u.resolvers = append(u.resolvers, nativeResolver{c.natives})
	}
	if err := u.runPasses(); err != nil {
		return nil, nil, err
	}
	return u, texts, nil
}

// back generates and validates one binary module per module tree.
func (c *Compiler) back(u *Unit, texts map[*ModuleNode]string, returnLast bool) ([]*bytecode.Module, error) {
	var (
		out  []*bytecode.Module
		errs []error
	)
	for _, mod := range u.Modules {
		bm, genErrs := generate(u, mod, returnLast)
		if len(genErrs) > 0 {
			errs = append(errs, genErrs...)
			continue
		}
		if c.embedSource {
			bm.Source = texts[mod]
		}
		if err := bytecode.Validate(bm); err != nil {
			errs = append(errs, fmt.Errorf("module %s: internal error: %w", mod.Name, err))
			continue
		}
		log.Debugf("compiled module %s: %d methods, %d constants", bm.Name, len(bm.Methods), len(bm.Constants))
		out = append(out, bm)
	}
	if len(errs) > 0 {
		return nil, &Error{Errors: errs}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Package-level conveniences
// ---------------------------------------------------------------------------

// Compile compiles a single source text with no external imports.
func Compile(source, name string) ([]*bytecode.Module, error) {
	return New().Compile(source, name)
}

// CompileBatch compiles a batch with no external imports.
func CompileBatch(sources []Source) ([]*bytecode.Module, error) {
	return New().CompileBatch(sources)
}

// CompileExpression compiles an expression snippet with no external imports.
func CompileExpression(text string) (*bytecode.Module, error) {
	return New().CompileExpression(text)
}
