package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	gatewayconfig "github.com/theroutercompany/oidc_router/pkg/gateway/config"
	gatewayruntime "github.com/theroutercompany/oidc_router/pkg/gateway/runtime"
	pkglog "github.com/theroutercompany/oidc_router/pkg/log"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		log.Fatalf("gateway failed: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := gatewayconfig.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := pkglog.New(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	rt, err := gatewayruntime.New(cfg, gatewayruntime.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	defer func() {
		if syncErr := pkglog.Sync(); syncErr != nil {
			log.Printf("logger sync failed: %v", syncErr)
		}
	}()

	if err := rt.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return nil
}
