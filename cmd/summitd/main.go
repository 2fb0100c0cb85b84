package main

import (
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"

	"github.com/4-R-C-4-N-4/summit/internal/config"
	"github.com/4-R-C-4-N-4/summit/internal/daemon"
)

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, err := config.Parse(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("Failed to parse config")
	}
	if err := conf.ApplyLogging(); err != nil {
		log.WithError(err).Fatal("Failed to apply logging config")
	}

	d, err := daemon.New(conf)
	if err != nil {
		log.WithError(err).Fatal("Failed to assemble daemon")
	}
	if err := d.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start daemon")
	}

	waitSigint()
	log.Info("Shutting down..")

	if err := d.Close(); err != nil {
		log.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
}
