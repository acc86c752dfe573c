// Command devbackend serves a local /ws/audio endpoint for the micstream
// client. With OPENAI_API_KEY set, recordings are transcribed with Whisper.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"go.aimuz.me/micstream/internal/devbackend"
)

func main() {
	addr := flag.String("addr", ":8000", "listen address")
	ackEvery := flag.Int("ack", 25, "send an ack every N audio frames (0 disables)")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	_ = godotenv.Load()
	setupLogger(*logFormat, *verbose)

	cfg := devbackend.Config{AckEvery: *ackEvery}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.Transcriber = devbackend.NewWhisper(key, os.Getenv("OPENAI_BASE_URL"))
		slog.Info("whisper transcription enabled")
	} else {
		slog.Info("OPENAI_API_KEY not set, final results will be summaries")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           devbackend.New(cfg).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("listening", "addr", *addr, "endpoint", "/ws/audio")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("serve", "error", err)
		os.Exit(1)
	}
}

func setupLogger(format string, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	}
	slog.SetDefault(slog.New(handler))
}
