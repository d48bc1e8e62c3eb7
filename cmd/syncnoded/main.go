// Command syncnoded is the operator entrypoint for the sync core: a
// thin cobra CLI around the library packages, with "serve" and
// "inspect-journal" subcommands.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}
