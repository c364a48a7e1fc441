package main

import (
	"os"

	"github.com/exasmr/openmc/cmd/openmc/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
