// Package main is the entry point for the dcamera codec pipeline.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/dcamera/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
