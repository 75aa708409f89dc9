package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"wheelhouse/internal/adapter/historycache"
	"wheelhouse/internal/adapter/transport"
	"wheelhouse/internal/adapter/tui"
	"wheelhouse/internal/infra/config"
	"wheelhouse/internal/infra/logger"
	"wheelhouse/internal/infra/tracer"
	"wheelhouse/internal/usecase"
)

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "encrypt" {
		if err := runEncrypt(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// runEncrypt produces an "enc:" value for the config file from a
// plaintext secret, using the WHEELHOUSE_CONFIG_KEY passphrase.
func runEncrypt(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: wheelhouse encrypt <plaintext>")
	}
	passphrase := os.Getenv("WHEELHOUSE_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("WHEELHOUSE_CONFIG_KEY is not set")
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}

func run() error {
	var (
		configPath = flag.String("config", defaultConfigPath(), "path to config file")
		sessionID  = flag.String("session", "default", "session identifier")
		cwd        = flag.String("cwd", mustGetwd(), "working directory reported to the server")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, c := context.WithTimeout(context.Background(), 3*time.Second)
		defer c()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	var cache usecase.HistoryCache
	if cfg.Cache.Enabled {
		sqliteCache, err := historycache.Open(cfg.Cache.Path)
		if err != nil {
			// The cache is an accelerator, not a dependency.
			log.Warn("history cache unavailable", "path", cfg.Cache.Path, "error", err)
		} else {
			defer sqliteCache.Close()
			cache = sqliteCache
		}
	}

	client, err := transport.Dial(ctx, cfg.Server, log)
	if err != nil {
		return err
	}
	defer client.Close()

	tasks := usecase.NewTaskReducer(cfg.Tasks.MaxVisible, log)

	celebrations := usecase.NewCelebrationEngine(usecase.CelebrationConfig{
		Window:     cfg.Celebration.Window,
		Threshold:  cfg.Celebration.Threshold,
		MinTasks:   cfg.Celebration.MinTasks,
		MiniChance: cfg.Celebration.MiniChance,
	}, nil)
	defer celebrations.Destroy()

	controller := usecase.NewController(*sessionID, *cwd, usecase.ControllerDeps{
		Transport:    client,
		Tasks:        tasks,
		Celebrations: celebrations,
		Cache:        cache,
		Logger:       log,
		Config: usecase.SessionConfig{
			PollInterval: cfg.Session.PollInterval,
			BusyClear:    cfg.Session.BusyClear,
			TextIdle:     cfg.Session.TextIdle,
			HintDismiss:  cfg.Session.HintDismiss,
			RefreshRate:  rate.Limit(cfg.Session.RefreshPerSec),
		},
	})
	defer controller.Close()

	program := tui.NewProgram(tui.ModelDeps{
		Controller:   controller,
		Tasks:        tasks,
		Celebrations: celebrations,
		Logger:       log,
	})

	go func() {
		if err := controller.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("poll loop exited", "error", err)
		}
	}()

	controller.ShowHint()

	log.Info("client started", "session_id", *sessionID, "cwd", *cwd, "server", cfg.Server.URL)
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".wheelhouse", "config.yaml")
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
