package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/chazu/quill/vm"
)

func TestREPL(t *testing.T) {
	v := vm.New(vm.WithWorkers(1))
	defer v.Close()

	in := strings.NewReader("1 + 2;\nvar x = 4\nx * 10\n\n1 / 0;\nexit\n")
	var out bytes.Buffer
	runREPL(v, in, &out)

	got := out.String()
	for _, want := range []string{"3\n", "40\n", "Error: "} {
		if !strings.Contains(got, want) {
			t.Errorf("REPL output missing %q:\n%s", want, got)
		}
	}
}
