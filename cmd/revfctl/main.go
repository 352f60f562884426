package main

import (
	"os"

	"github.com/fatih/color"
)

var buildVersion = "dev"

func main() {
	cmd := NewRootCmd()
	cmd.Version = buildVersion
	if err := cmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
