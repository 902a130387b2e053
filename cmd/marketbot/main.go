package main

import (
	"os"

	"github.com/m3rciful/marketbot/market/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
