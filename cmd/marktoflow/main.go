package main

import (
	"os"

	"github.com/scottgl07/marktoflow-sub001/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
