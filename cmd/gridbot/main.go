package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perpgrid/internal/config"
	"perpgrid/internal/runtime"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "config yaml path (optional, env overrides apply)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.New(cfg)
	if err != nil {
		fatal(err.Error())
	}
	if err := rt.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		rt.Stop(stopCtx)
		cancel()
		fatal(err.Error())
	}

	<-ctx.Done()
	stop()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rt.Stop(stopCtx)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
