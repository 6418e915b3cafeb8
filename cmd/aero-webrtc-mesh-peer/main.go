package main

import (
	"fmt"
	"os"
)

func main() {
	root := newRootCmd()
	root.SilenceErrors = true
	root.SilenceUsage = true

	if err := root.Execute(); err != nil {
		printError(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// Set via -ldflags at build time.
var version = "dev"

func versionString() string {
	return fmt.Sprintf("%s (mesh signaling over WebSocket)", version)
}
