package main

import (
	"fmt"
	"os"

	"github.com/gzhole/counteragent/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		if !cli.Silent(err) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(cli.Code(err))
	}
}
