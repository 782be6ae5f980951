package main

import (
	"context"
	"os"

	"github.com/dontdude/scriptq/internal/cmd"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	if err := cmd.Execute(context.Background()); err != nil {
		os.Exit(1)
	}
}
