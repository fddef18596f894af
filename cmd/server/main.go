package main

import (
	"os"

	"github.com/nshruti113/ddos-mitigator/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
