package main

import (
	"os"

	"github.com/moffa90/go-memprog/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
