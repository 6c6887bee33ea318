// Package main is the entry point for the tagsync daemon.
package main

import (
	"os"

	"github.com/jmylchreest/tagsync/cmd/tagsync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
