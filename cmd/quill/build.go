package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chazu/quill/compiler"
	"github.com/chazu/quill/manifest"
	"github.com/chazu/quill/pkg/bytecode"
	"github.com/chazu/quill/vm"
)

// loadSources reads sources from the given paths, or from the manifest's
// project and dependencies when no path is given.
func loadSources(m *manifest.Manifest, paths []string) ([]compiler.Source, []manifest.ResolvedDep, error) {
	if len(paths) == 0 {
		if m == nil {
			return nil, nil, fmt.Errorf("no sources given and no %s found", manifest.FileName)
		}
		deps, err := manifest.NewResolver(m).Resolve()
		if err != nil {
			return nil, nil, err
		}
		srcs, err := m.Sources(deps...)
		return srcs, deps, err
	}

	var srcs []compiler.Source
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, nil, err
		}
		if info.IsDir() {
			found, err := manifest.CollectSources([]string{p}, "")
			if err != nil {
				return nil, nil, err
			}
			srcs = append(srcs, found...)
			continue
		}
		text, err := os.ReadFile(p)
		if err != nil {
			return nil, nil, err
		}
		srcs = append(srcs, compiler.Source{
			Name: strings.TrimSuffix(filepath.Base(p), manifest.SourceExt),
			File: p,
			Text: string(text),
		})
	}
	return srcs, nil, nil
}

// handleBuildCommand processes the `quill build` subcommand.
// Usage:
//
//	quill build              # sources from quill.toml into ./build
//	quill build -o out src/  # compile src/ into ./out
func handleBuildCommand(m *manifest.Manifest, args []string) {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	output := fs.String("o", "build", "Output directory for .qbc files")
	embed := fs.Bool("embed-source", false, "Keep source text in compiled modules")
	fs.Parse(args)

	srcs, _, err := loadSources(m, fs.Args())
	if err != nil {
		fatalf("%v", err)
	}
	mods, err := compiler.New(compiler.WithEmbedSource(*embed)).CompileBatch(srcs)
	if err != nil {
		fatalf("%v", err)
	}
	for _, mod := range mods {
		path, err := vm.WriteModuleFile(*output, mod)
		if err != nil {
			fatalf("writing %s: %v", mod.Name, err)
		}
		fmt.Printf("%s -> %s\n", mod.Name, path)
	}
}

// handleDisCommand prints the disassembly of .qbc files.
func handleDisCommand(args []string) {
	if len(args) == 0 {
		fatalf("dis requires at least one .qbc file")
	}
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			fatalf("%v", err)
		}
		mod, err := bytecode.Unmarshal(data)
		if err != nil {
			fatalf("%s: %v", path, err)
		}
		fmt.Print(bytecode.Disassemble(mod))
	}
}

func readModules(paths []string) ([]*bytecode.Module, error) {
	var mods []*bytecode.Module
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		mod, err := bytecode.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		mods = append(mods, mod)
	}
	return mods, nil
}
