// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/buildd-run/runner/internal/builddserver"
	"github.com/buildd-run/runner/internal/config"
	"github.com/buildd-run/runner/internal/configwatch"
	"github.com/buildd-run/runner/internal/events"
	"github.com/buildd-run/runner/internal/localapi"
	"github.com/buildd-run/runner/internal/manager"
	"github.com/buildd-run/runner/internal/outbox"
	"github.com/buildd-run/runner/internal/pushchannel"
	"github.com/buildd-run/runner/internal/workerstore"
)

var version = "0.1.0"

func main() {
	var (
		configPath  string
		host        string
		port        int
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to config file (default: auto-detect)")
	flag.StringVar(&configPath, "c", "", "Path to config file (short)")
	flag.StringVar(&host, "host", "", "Local API host (overrides config)")
	flag.IntVar(&port, "port", 0, "Local API port (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.BoolVar(&showVersion, "v", false, "Show version (short)")
	flag.Parse()

	if showVersion {
		fmt.Printf("buildd-runner %s\n", version)
		os.Exit(0)
	}

	loader := config.NewLoader()
	if configPath == "" {
		found, err := loader.FindConfig()
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		configPath = found
	}

	log.Printf("Using config: %s", configPath)

	cfg, err := loader.LoadWithDefaults(context.Background(), configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if host != "" {
		cfg.LocalUI.Host = host
	}
	if port > 0 {
		cfg.LocalUI.Port = port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, configPath); err != nil {
		log.Fatalf("runner: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, configPath string) error {
	bus := events.NewMemoryEventBus(events.MemoryBusConfig{
		HistoryMaxEvents: 5000,
		HistoryMaxAge:    24 * time.Hour,
	})

	server := builddserver.New(cfg.Server.BaseURL, cfg.Server.APIKey)
	store := workerstore.New(cfg.Store.WorkersDir)
	box := outbox.New(cfg.Store.OutboxFile, func() string { return uuid.NewString() })

	localUIURL := fmt.Sprintf("http://%s:%d", cfg.LocalUI.Host, cfg.LocalUI.Port)

	mgr := manager.New(manager.Deps{
		Config:     cfg,
		Server:     server,
		Store:      store,
		Outbox:     box,
		Bus:        bus,
		LocalUIURL: localUIURL,
	})

	push := pushchannel.New(cfg.Server.WSURL, cfg.Server.APIKey, mgr.PushHandler())
	mgr.SetPush(push)

	watcher, err := configwatch.New(configPath, bus, 0)
	if err != nil {
		log.Printf("runner: config watcher disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	startedAt := time.Now()
	router := localapi.NewRouter(localapi.Dependencies{
		EventBus:  bus,
		Health:    mgr.ActiveWorkerCount,
		StartedAt: startedAt,
		Version:   version,
	})

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.LocalUI.Host, cfg.LocalUI.Port),
		Handler: router,
	}

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start manager: %w", err)
	}

	go func() {
		log.Printf("runner: local API listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("runner: local API server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("runner: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("runner: local API shutdown: %v", err)
	}

	mgr.Destroy()
	return nil
}
