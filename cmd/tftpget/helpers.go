package main

import (
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func resolveAddr(s string) (net.Addr, error) {
	return net.ResolveUDPAddr("udp", s)
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}
