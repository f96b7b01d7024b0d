package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/chazu/quill/manifest"
	"github.com/chazu/quill/vm"
)

// newVM creates a VM configured by the manifest, if any. The returned
// function releases the VM and its module store.
func newVM(m *manifest.Manifest, deps []manifest.ResolvedDep) (*vm.VM, func()) {
	var opts []vm.Option
	var closer io.Closer
	if m != nil {
		vmOpts, err := m.VMOptions()
		if err != nil {
			fatalf("%v", err)
		}
		locs, c, err := m.Locators(deps...)
		if err != nil {
			fatalf("%v", err)
		}
		closer = c
		opts = append(vmOpts, vm.WithLocators(locs...))
	}
	v := vm.New(opts...)
	return v, func() {
		v.Close()
		if closer != nil {
			closer.Close()
		}
	}
}

// handleRunCommand processes the `quill run` subcommand. Arguments after
// "--" are passed to the script.
func handleRunCommand(m *manifest.Manifest, args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	entry := fs.String("m", "", "Entry module (default: the first module defining the method)")
	fn := fs.String("f", "", "Entry method (default: main)")
	sandbox := fs.Bool("sandbox", false, "Deny host access unless the policy allows it")
	fs.Parse(args)

	paths, scriptArgs := fs.Args(), []string(nil)
	for i, a := range paths {
		if a == "--" {
			paths, scriptArgs = paths[:i], paths[i+1:]
			break
		}
	}

	srcs, deps, err := loadSources(m, paths)
	if err != nil {
		fatalf("%v", err)
	}
	// Explicit paths are not the manifest's project.
	if len(paths) > 0 {
		m = nil
	}
	v, release := newVM(m, deps)
	defer release()

	var opts []vm.ScriptOption
	module, method := "", ""
	if m != nil {
		policy, err := m.LinkingPolicy()
		if err != nil {
			fatalf("%v", err)
		}
		opts = append(opts, vm.WithPolicy(policy))
		module, method = m.Entry()
	}
	if *entry != "" {
		module = *entry
	}
	if *fn != "" {
		method = *fn
	}
	if module != "" || method != "" {
		opts = append(opts, vm.WithEntry(module, method))
	}
	if *sandbox {
		opts = append(opts, vm.Sandboxed(&vm.Rule{Module: "sys", Verdict: vm.Allowed}))
	}

	script, err := v.CompileScript(srcs, opts...)
	if err != nil {
		fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	result, err := script.Run(ctx, scriptArgs)
	if err != nil {
		fatalf("%v", err)
	}
	// If main returns a small integer, use it as exit code
	if code, ok := result.(int64); ok && code >= 0 && code < 256 {
		release()
		os.Exit(int(code))
	}
}

// handleEvalCommand evaluates its arguments as one expression, or starts
// a REPL with -i.
func handleEvalCommand(m *manifest.Manifest, args []string) {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	interactive := fs.Bool("i", false, "Start interactive REPL")
	fs.Parse(args)

	v, release := newVM(m, nil)
	defer release()

	if *interactive || fs.NArg() == 0 {
		runREPL(v, os.Stdin, os.Stdout)
		return
	}
	result, err := v.Eval(strings.Join(fs.Args(), " "))
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Println(vm.Repr(result))
}

// runREPL reads lines until EOF or "exit". An empty line evaluates the
// accumulated input; a line ending in ';' evaluates immediately.
func runREPL(v *vm.VM, in io.Reader, out io.Writer) {
	fmt.Fprintln(out, "Quill REPL (type 'exit' to quit)")
	scanner := bufio.NewScanner(in)
	var buf strings.Builder

	eval := func() {
		input := strings.TrimSpace(buf.String())
		buf.Reset()
		if input == "" {
			return
		}
		result, err := v.Eval(input)
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			return
		}
		if result != nil {
			fmt.Fprintln(out, vm.Repr(result))
		}
	}

	for {
		if buf.Len() == 0 {
			fmt.Fprint(out, ">> ")
		} else {
			fmt.Fprint(out, ".. ")
		}
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		if buf.Len() == 0 && (line == "exit" || line == "quit") {
			break
		}
		if line == "" {
			eval()
			continue
		}
		if buf.Len() > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(line)
		if strings.HasSuffix(strings.TrimSpace(line), ";") {
			eval()
		}
	}
	eval()
	fmt.Fprintln(out)
}
