package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/chazu/quill/manifest"
	"github.com/chazu/quill/pkg/bytecode"
	"github.com/chazu/quill/vm/bundle"
	"github.com/chazu/quill/vm/store"
)

// handleBundleCommand packs .qbc files into a bundle.
// Usage:
//
//	quill bundle -o lib.qbundle build/*.qbc
func handleBundleCommand(args []string) {
	fs := flag.NewFlagSet("bundle", flag.ExitOnError)
	output := fs.String("o", "", "Output bundle path (required)")
	name := fs.String("name", "", "Bundle name (default: output file name)")
	fs.Parse(args)

	if *output == "" || fs.NArg() == 0 {
		fatalf("usage: quill bundle -o out%s module.qbc...", bundle.Ext)
	}
	if *name == "" {
		*name = strings.TrimSuffix(filepath.Base(*output), bundle.Ext)
	}
	mods, err := readModules(fs.Args())
	if err != nil {
		fatalf("%v", err)
	}
	b, err := bundle.New(*name, mods...)
	if err != nil {
		fatalf("%v", err)
	}
	if err := bundle.WriteFile(*output, b); err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("%s: %s\n", *output, strings.Join(b.Names(), ", "))
}

// handlePublishCommand stores .qbc files and bundles in a module store.
// Usage:
//
//	quill publish -db modules.db build/*.qbc lib.qbundle
//	quill publish -db modules.db -list
func handlePublishCommand(m *manifest.Manifest, args []string) {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	dbPath := fs.String("db", "", "Store path (default: [modules] store in quill.toml)")
	list := fs.Bool("list", false, "List stored modules")
	remove := fs.String("rm", "", "Remove a stored module")
	fs.Parse(args)

	if *dbPath == "" && m != nil {
		*dbPath = m.StorePath()
	}
	if *dbPath == "" {
		fatalf("publish requires -db or a [modules] store setting")
	}
	s, err := store.Open(*dbPath)
	if err != nil {
		fatalf("%v", err)
	}
	defer s.Close()
	ctx := context.Background()

	switch {
	case *list:
		recs, err := s.List(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		for _, r := range recs {
			fmt.Printf("%-30s %s %7d  %s\n", r.Name, hex.EncodeToString(r.Hash[:6]), r.Size, r.PublishedAt.Format("2006-01-02 15:04:05"))
		}
		return
	case *remove != "":
		if err := s.Delete(ctx, *remove); err != nil {
			fatalf("%v", err)
		}
		return
	}

	var mods []*bytecode.Module
	for _, path := range fs.Args() {
		if filepath.Ext(path) == bundle.Ext {
			b, err := bundle.ReadFile(path)
			if err != nil {
				fatalf("%v", err)
			}
			bm, err := b.Modules(ctx)
			if err != nil {
				fatalf("%v", err)
			}
			mods = append(mods, bm...)
			continue
		}
		fm, err := readModules([]string{path})
		if err != nil {
			fatalf("%v", err)
		}
		mods = append(mods, fm...)
	}
	if len(mods) == 0 {
		fatalf("nothing to publish")
	}
	if err := s.Publish(ctx, mods...); err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("published %d modules to %s\n", len(mods), *dbPath)
}
