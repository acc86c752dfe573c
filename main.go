package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"go.aimuz.me/micstream/config"
	"go.aimuz.me/micstream/internal/app"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "micstream:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "config file (default: user config dir)")
	endpoint := flag.String("endpoint", "", "backend websocket URL, overrides origin")
	origin := flag.String("origin", "", "page origin the endpoint is derived from")
	language := flag.String("lang", "", "recording language")
	file := flag.String("file", "", "replay a 16 kHz WAV file instead of the microphone")
	device := flag.String("device", "", "input device name")
	hotkey := flag.Bool("hotkey", false, "toggle recording with the global hotkey")
	verbose := flag.Bool("v", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("micstream %s (%s, %s)\n", version, commit, date)
		return nil
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "endpoint":
			cfg.Endpoint = *endpoint
		case "origin":
			cfg.Origin = *origin
		case "lang":
			cfg.Language = *language
		case "file":
			cfg.Capture.File = *file
		case "device":
			cfg.Capture.Device = *device
		case "hotkey":
			cfg.Hotkey.Enabled = *hotkey
		}
	})
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	setupLogger(cfg.Log)
	slog.Info("starting micstream", "version", version, "commit", commit, "date", date)

	svc, err := app.New(cfg, app.Options{Out: os.Stdout})
	if err != nil {
		return err
	}
	defer svc.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return svc.Run(ctx, os.Stdin)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFrom(path)
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	}
	slog.SetDefault(slog.New(handler))
}
