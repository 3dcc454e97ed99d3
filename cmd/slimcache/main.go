package main

import (
	"fmt"
	"os"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "0.1.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}
