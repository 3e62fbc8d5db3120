package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/tracebus/src/cmd/tracebus/run"
)

func main() {
	if err := run.Execute(); err != nil {
		log.Debugf("exiting: %v", err)
		os.Exit(1)
	}
}
