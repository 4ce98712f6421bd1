// Command resilienced runs the resilience runtime and its monitoring API.
package main

import "os"

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
