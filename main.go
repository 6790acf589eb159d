package main

import (
	"errors"
	"os"
	"strings"

	"github.com/flarebyte/diffgate/cmd/diffgate/root"
)

// main lets `go run .` behave like the diffgate binary.
func main() {
	if err := root.Execute(os.Args[1:]); err != nil {
		_, _ = os.Stderr.WriteString(strings.Join(strings.Fields(err.Error()), " ") + "\n")
		code := 1
		var ec interface{ ExitCode() int }
		if errors.As(err, &ec) && ec.ExitCode() != 0 {
			code = ec.ExitCode()
		}
		os.Exit(code)
	}
}
