package utils

import (
	"bufio"
	"errors"
	"io"

	log "github.com/sirupsen/logrus"
)

const StopSentinel byte = 'q'

// StopOnSentinel reads r one byte at a time and closes the returned channel
// when sentinel is read. Any other byte is ignored. Reaching EOF, or any read
// error, ends the reader without signalling stop.
func StopOnSentinel(r io.Reader, sentinel byte) <-chan struct{} {
	stop := make(chan struct{})

	go func() {
		reader := bufio.NewReader(r)
		for {
			b, err := reader.ReadByte()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Warnf("stop reader: %v", err)
				}
				return
			}

			if b == sentinel {
				close(stop)
				return
			}
		}
	}()

	return stop
}
