// Command sitebackup creates, lists, restores and prunes point-in-time
// archives of a site data directory, and serves the same operations over
// HTTP.
package main

import (
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
