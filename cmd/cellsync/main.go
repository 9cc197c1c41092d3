// Command cellsync runs conflict scenarios against replicated spreadsheets
// and inspects conflict journals.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/cellsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cellsync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
