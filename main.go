// Package main is the entry point for the ctsyncd connection tracking replication daemon.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/ctsync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
