package main

import (
	"os"

	"github.com/calchime/calchime/cmd/calchimectl/cmd"
)

var version = "dev"

func main() {
	cmd.Version = version
	if err := cmd.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
