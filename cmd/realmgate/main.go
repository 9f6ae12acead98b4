package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/realmgate/realmgate/internal/engine"
	"github.com/realmgate/realmgate/pkg/config"
	"github.com/realmgate/realmgate/pkg/service"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()

	svc := service.NewBaseService("realmgate", version, cfg, engine.NewService())
	if err := svc.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "realmgate: %v\n", err)
		os.Exit(1)
	}
}
