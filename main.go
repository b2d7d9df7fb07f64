package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"browserpilot/internal/bootstrap"
	"browserpilot/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: <config dir>/browserpilot/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	app, err := bootstrap.New(cfg)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	app.Log.Info("browserpilot started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	app.Log.Info("shutting down")
	app.Shutdown(context.Background())
}
