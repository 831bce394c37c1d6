package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"analyticdb/internal/engine"
	apihttp "analyticdb/internal/http"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	root := flag.String("root", "", "override engine.storage.root")
	port := flag.Int("port", 0, "override http-server.port")
	flag.Parse()

	if err := run(*configPath, *root, *port); err != nil {
		fmt.Fprintf(os.Stderr, "analyticdb: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, root string, port int) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if root != "" {
		cfg.Engine.Storage.Root = root
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	initLogger(&cfg)

	eng, err := engine.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			slog.Error("failed to close engine", "error", err)
		}
	}()
	if rep := eng.RecoveryReport(); len(rep.Failed) > 0 {
		slog.Warn("some tables failed to recover", "failed", len(rep.Failed))
	}

	server := apihttp.NewServer(eng, cfg.Server)
	if err := server.Start(); err != nil {
		return err
	}
	slog.Info("analyticdb is running, press Ctrl+C to stop")

	<-ctx.Done()
	slog.Info("shutting down")
	return server.Stop()
}
