package main

import (
	"os"

	"github.com/solatis/floodgate/cmd/floodgate/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
