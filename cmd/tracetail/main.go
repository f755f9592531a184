package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tracetail/tracetail/internal/cli"
)

// Populated at build time via -ldflags.
var (
	Version   = "unknown"
	DateBuilt = "unknown"
)

func main() {
	if err := cli.App(Version, DateBuilt).RunContext(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
