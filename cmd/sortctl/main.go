package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/sortctl/internal/config"
	logs "github.com/danmuck/sortctl/internal/logging"
)

func main() {
	path := flag.String("config", "sortctl.toml", "path to sortctl config")
	autostart := flag.Bool("start", false, "start sorting immediately")
	flag.Parse()

	logs.ConfigureRuntime()
	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sortctl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newService(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sortctl: %v\n", err)
		os.Exit(1)
	}
	if err := svc.run(ctx, *autostart); err != nil {
		logs.Errf("sortctl: %v", err)
		os.Exit(1)
	}
}
