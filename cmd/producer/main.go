package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	golog "github.com/ipfs/go-log/v2"

	"strzcam.com/videorelay/config"
	"strzcam.com/videorelay/producer"
)

var logger = golog.Logger("producer-main")

func main() {
	golog.SetAllLoggers(golog.LevelInfo)
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, err := producer.NewSpoolSource(cfg.SpoolPath)
	if err != nil {
		logger.Fatalf("Opening spool source failed: %v", err)
	}
	defer source.Close()
	go source.Watch()

	client, err := producer.Dial(cfg.ServerAddr, cfg.IOTimeout)
	if err != nil {
		logger.Fatalf("Connecting to relay failed: %v", err)
	}
	defer client.Close()

	if err := client.Run(ctx, source.Frames); err != nil {
		logger.Fatalf("Producer stopped: %v", err)
	}
	logger.Info("Producer stopped")
}
