// Package main provides forgeflow, the durable agent-workflow store.
package main

import (
	"os"

	"github.com/forgeflow/forgeflow/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args))
}
