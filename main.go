package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"golang.design/x/hotkey/mainthread"
	"golang.org/x/sync/errgroup"

	"voicetype/internal/bootstrap"
	"voicetype/internal/config"
	"voicetype/internal/domain"
	"voicetype/internal/hotkey"
	"voicetype/internal/platform/hotkeyos"
	"voicetype/internal/usecase"
)

const reconfigureRetry = 500 * time.Millisecond

func main() {
	var exitCode int
	// hotkey registration needs the OS main thread on macOS
	mainthread.Init(func() {
		if err := run(); err != nil {
			fmt.Fprintln(os.Stderr, "voicetype:", err)
			exitCode = 1
		}
	})
	os.Exit(exitCode)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.LogLevel))
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)

	chord, err := hotkeyos.Parse(cfg.Hotkey)
	if err != nil {
		return err
	}

	app := NewApp(logger, cfg.Notify)
	services, err := bootstrap.Build(cfg, bootstrap.DefaultPlatform(logger), app, logger)
	if err != nil {
		return err
	}
	info := RuntimeInfo(cfg)
	logger.Info("voicetype ready",
		slog.String("provider", info["provider"]),
		slog.String("hotkey", info["hotkey"]),
		slog.String("audio", info["audio"]),
		slog.String("inputMethod", info["inputMethod"]),
		slog.String("configFile", info["configFile"]))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	detector := hotkey.NewEdgeDetector(0, logger)
	controller := services.Controller

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return controller.Run(gctx, detector.Edges())
	})
	g.Go(func() error {
		return hotkeyos.Listen(gctx, chord, detector, logger)
	})

	path, err := config.DefaultPath()
	if err != nil {
		logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
	} else if _, statErr := os.Stat(path); statErr != nil {
		logger.Info("no config file; hot reload disabled", slog.String("path", path))
	} else {
		g.Go(func() error {
			return config.Watch(gctx, path, logger, func(next config.Config, err error) {
				if err != nil {
					app.SessionError(domain.KindOf(err), err.Error())
					return
				}
				level.Set(parseLevel(next.LogLevel))
				app.SetNotify(next.Notify)
				reconfigure(gctx, controller, next.Provider, logger)
			})
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// reconfigure applies a new provider config once the controller is idle.
func reconfigure(ctx context.Context, controller *usecase.SessionController, cfg domain.ProviderConfig, logger *slog.Logger) {
	for {
		err := controller.Reconfigure(cfg)
		if err == nil {
			return
		}
		if !errors.Is(err, usecase.ErrNotIdle) {
			logger.Error("provider reconfigure rejected", slog.String("error", err.Error()))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconfigureRetry):
		}
	}
}

func parseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
