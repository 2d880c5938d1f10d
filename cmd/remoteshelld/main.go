// Command remoteshelld wires the interactive remote shell gateway's
// components into a single process: it loads the host inventory and
// command policy from disk, starts the SSH connection pool and session
// registry reapers, and serves the browser-facing websocket transport.
package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	cliCfg, err := parseFlags(os.Args[1:])
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration.")
	}

	log := logrus.StandardLogger()
	level, err := logrus.ParseLevel(cliCfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid -log-level.")
	}
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := serve(context.Background(), cliCfg, log); err != nil {
		log.WithError(err).Fatal("remoteshelld exited with an error.")
	}
}
