package main

import (
	"os"

	"github.com/jiaming2012/tracebus/src/cmd/tracebus/run"
)

func main() {
	if err := run.Execute(); err != nil {
		os.Exit(1)
	}
}
