package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/checkride/pkg/api"
)

func runServeCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	bind := fs.String("bind", "", "address to bind the API server (overrides config)")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	if strings.TrimSpace(*bind) != "" {
		cfg.Server.Bind = *bind
	}

	eng, err := buildEngine(cfg, true)
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	server := api.NewServer(api.Config{
		Bind:           cfg.Server.Bind,
		AuthSecret:     cfg.Server.AuthSecret,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Runner:         eng.coordinator,
		Store:          eng.store,
		Bus:            eng.bus,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return withExitCode(fmt.Errorf("serve: %w", err), exitInfrastructure)
	}
	return nil
}
