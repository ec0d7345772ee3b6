package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"shellpad/internal/assist"
	"shellpad/internal/catalog"
	"shellpad/internal/config"
	"shellpad/internal/logging"
	"shellpad/internal/realtime"
	"shellpad/internal/shell"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./config/config.json)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	store, err := catalog.NewStore(cfg.Database.Path, logger)
	if err != nil {
		logger.Fatal("open command catalog", zap.Error(err))
	}
	defer store.Close()

	// The assistant is optional; without an API key its endpoints answer 503.
	var assistant *assist.Assistant
	if cfg.API.APIKey != "" {
		assistant, err = assist.New(assist.Config{
			APIKey:      cfg.API.APIKey,
			BaseURL:     cfg.API.APIURL,
			Model:       cfg.API.Model,
			Temperature: cfg.API.Temperature,
			MaxTokens:   cfg.API.MaxTokens,
			Timeout:     cfg.APITimeout(),
		}, logger)
		if err != nil {
			logger.Fatal("init assistant", zap.Error(err))
		}
	} else {
		logger.Info("no API key configured, assistant disabled")
	}

	manager := shell.NewManager(cfg.Server.MaxSessions, shell.Config{
		ShellPath:    cfg.Terminal.ShellPath,
		WorkingDir:   cfg.Terminal.WorkingDir,
		SettleDelay:  cfg.SettleDelay(),
		QueryTimeout: cfg.QueryTimeout(),
	}, logger)

	rtServer := realtime.New(manager, store, assistant, cfg, logger)
	manager.SetExitHandler(rtServer.NotifySessionExit)

	// Hot-reload the config file when one was actually found.
	var cfgWatcher *config.Watcher
	if cfg.File() != "" {
		cfgWatcher, err = config.NewWatcher(cfg.File(), logger, rtServer.OnConfigUpdate)
		if err != nil {
			logger.Warn("config hot-reload disabled", zap.Error(err))
		}
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: rtServer.Handler(),
	}

	// Graceful shutdown on signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down")
		if cfgWatcher != nil {
			cfgWatcher.Close()
		}
		manager.Shutdown()
		httpServer.Close()
	}()

	logger.Info("shellpad server running",
		zap.String("addr", fmt.Sprintf("http://localhost:%d", cfg.Server.Port)))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("http server", zap.Error(err))
	}
}
