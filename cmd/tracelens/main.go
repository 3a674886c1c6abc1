package main

import (
	"os"

	"github.com/abramin/tracelens/cmd/tracelens/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
