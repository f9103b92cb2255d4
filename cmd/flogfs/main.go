// Command flogfs is a CLI for formatting, mounting, and poking at a
// flogfs volume backed by a plain host file, grounded on the
// teacher's cmd/vorteil layout (a cobra root command, persistent
// logging flags wired to elog, one file per subcommand).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
