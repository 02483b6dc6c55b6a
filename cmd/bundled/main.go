// Command bundled serves and processes batch and transaction bundles.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/bundled/internal/cli"
)

func main() {
	os.Exit(run())
}

func run() int {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return cli.GetExitCode(err)
}
