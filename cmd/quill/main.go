// Quill CLI - compiles, packages and runs Quill programs
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/quill/manifest"
)

var (
	verbosity = flag.Int("v", 0, "Log verbosity (0 = errors only)")
	logFile   = flag.String("log", "", "Write logs to this file instead of stderr")
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: quill [options] <command> [arguments]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  build    compile .ql sources to .qbc modules\n")
	fmt.Fprintf(os.Stderr, "  run      compile and run a program\n")
	fmt.Fprintf(os.Stderr, "  eval     evaluate an expression, or start a REPL with -i\n")
	fmt.Fprintf(os.Stderr, "  dis      disassemble .qbc modules\n")
	fmt.Fprintf(os.Stderr, "  bundle   pack .qbc modules into a bundle\n")
	fmt.Fprintf(os.Stderr, "  publish  store modules in a SQLite module store\n")
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  quill run                        # run the project in ./quill.toml\n")
	fmt.Fprintf(os.Stderr, "  quill run -m app -f start ./src  # compile ./src, run app.start\n")
	fmt.Fprintf(os.Stderr, "  quill build -o build ./src       # write build/*.qbc\n")
	fmt.Fprintf(os.Stderr, "  quill bundle -o lib.qbundle build/*.qbc\n")
	fmt.Fprintf(os.Stderr, "  quill eval '1 + 2 * 3'\n")
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	m, err := manifest.FindAndLoad(".")
	if err != nil {
		fatalf("loading manifest: %v", err)
	}
	configureLogging(m)

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "build":
		handleBuildCommand(m, args)
	case "run":
		handleRunCommand(m, args)
	case "eval":
		handleEvalCommand(m, args)
	case "dis":
		handleDisCommand(args)
	case "bundle":
		handleBundleCommand(args)
	case "publish":
		handlePublishCommand(m, args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(2)
	}
}

// configureLogging applies the command line flags, falling back to the
// manifest's [log] table.
func configureLogging(m *manifest.Manifest) {
	level, path := *verbosity, *logFile
	if m != nil {
		if level == 0 {
			level = m.Log.Verbosity
		}
		if path == "" && m.Log.File != "" {
			path = m.Log.File
		}
	}
	if path == "" {
		commonlog.Configure(level, nil)
	} else {
		commonlog.Configure(level, &path)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
