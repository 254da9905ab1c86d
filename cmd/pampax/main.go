// Package main provides the entry point for the pampax CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/pampax/cmd/pampax/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
