package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	golog "github.com/ipfs/go-log/v2"

	"strzcam.com/videorelay/broadcast"
	"strzcam.com/videorelay/config"
	"strzcam.com/videorelay/ingest"
	"strzcam.com/videorelay/store"
	"strzcam.com/videorelay/web_rtc"
)

var logger = golog.Logger("server")

func main() {
	golog.SetAllLoggers(golog.LevelInfo)
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := store.New()
	listener := ingest.NewListener(st, cfg)
	server := broadcast.NewServer(st, cfg)

	relay := web_rtc.NewRelay(st, cfg)
	relay.Register(server)
	defer relay.Close()
	go relay.Fallback().Run(ctx)

	errs := make(chan error, 2)
	go func() { errs <- listener.Run(ctx) }()
	go func() { errs <- server.Run(ctx) }()

	var exitErr error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil && exitErr == nil {
			exitErr = err
			stop() // take the other listener down too
		}
	}

	if exitErr != nil {
		logger.Fatalf("Relay failed: %v", exitErr)
	}
	logger.Info("Relay stopped")
}
