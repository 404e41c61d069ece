package main

import (
	"os"

	"github.com/tsawler/repviz/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
