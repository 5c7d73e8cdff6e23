// Command arivox is the PBX transcription daemon: it taps live calls through
// ARI, streams their audio to a realtime speech-to-text provider, publishes
// transcription events on MQTT, and serves the batch transcription HTTP API.
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

	"github.com/arivox/arivox/internal/app"
	"github.com/arivox/arivox/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "arivox: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("arivox ready — press Ctrl+C to shut down")
	runErr := application.Run(ctx)

	slog.Info("shutting down…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         arivox — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEntry("Batch STT", string(cfg.TranscriptionProvider))
	printEntry("ARI", orDisabled(cfg.ARI.URL))
	printEntry("MQTT", orDisabled(cfg.MQTT.URL))
	printEntry("Persistence", onOff(cfg.Database.IsConfigured()))
	printEntry("Enrichment", onOff(cfg.OpenAIAPIKey != ""))
	printEntry("RTP ingest", fmt.Sprintf("%s:%d", cfg.RTP.Host, cfg.RTP.Port))
	printEntry("Listen addr", cfg.HTTPListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printEntry(name, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", name, value)
}

func orDisabled(v string) string {
	if v == "" {
		return "(disabled)"
	}
	return v
}

func onOff(on bool) string {
	if on {
		return "enabled"
	}
	return "(disabled)"
}
