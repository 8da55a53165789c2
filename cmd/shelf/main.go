// Command shelf manages an offline-first personal book collection.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/shelfsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "shelf:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
