// Command absurdctl is the operator CLI for the engine: apply
// migrations, manage queues, and drive spawn/claim/complete/fail/cancel
// by hand against a database file, in the style of the teacher's
// cmd/cobra_cli.go command tree.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
