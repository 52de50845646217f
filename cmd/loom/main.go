// Package main provides the entry point for the Loom CLI.
package main

import (
	"fmt"
	"os"

	"github.com/loomcode/loom/cmd/loom/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
