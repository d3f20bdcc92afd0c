package main

// ============================================================================
// jobdist entry point: builds the CLI and exits with its status.
// All logic lives in internal/cli.
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/jobdist/internal/cli"
)

// set with -ldflags "-X main.commit=$(git rev-parse --short HEAD)"
var commit = "unknown"

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()

	if commit != "unknown" {
		cli.Version += " (" + commit + ")"
	}
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
