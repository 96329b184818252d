// Package main is the entry point for the tagtrail CLI.
package main

import (
	"os"

	"github.com/shunichi-ikebuchi/tagtrail/cmd/tagtrail/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
