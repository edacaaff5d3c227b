package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/nats-io/nats.go"

	"github.com/fluxline/intent-settler/internal/node"
	"github.com/fluxline/intent-settler/pkg/common/config"
	"github.com/fluxline/intent-settler/pkg/common/logger"
	"github.com/fluxline/intent-settler/pkg/events"
)

// --- CLI definitions --- //

type CLI struct {
	Run    RunCmd    `cmd:"" help:"Run the settlement node."`
	Events EventsCmd `cmd:"" help:"Print protocol events from NATS."`
}

type RunCmd struct {
	ConfigPath string `help:"Path to config file." default:"configs/config.yaml" name:"config"`
	Debug      bool   `help:"Enable debug logs." name:"debug"`
}

type EventsCmd struct {
	NATSURL string `help:"NATS server URL." default:"nats://127.0.0.1:4222" name:"nats-url"`
	Subject string `help:"NATS subject to subscribe to." default:"settler.events" name:"subject"`
	LogFile string `help:"Append events to this file." default:"events.log" name:"log"`
}

func (c *RunCmd) Run() error {
	runNode(c.ConfigPath, c.Debug)
	return nil
}

func (c *EventsCmd) Run() error {
	runEventPrinter(c.NATSURL, c.Subject, c.LogFile)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("settlerd"),
		kong.Description("Cross-chain intent settlement node & event printer."),
		kong.UsageOnError(),
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}

func runNode(configPath string, debug bool) {
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("Load config failed", "err", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger.Init(&logger.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	})
	slog.Info("Config loaded", "environment", cfg.Environment)

	manager, err := node.NewManager(cfg, logger.L())
	if err != nil {
		slog.Error("Create node manager failed", "err", err)
		os.Exit(1)
	}

	if err := manager.Start(context.Background()); err != nil {
		slog.Error("Start node failed", "err", err)
		os.Exit(1)
	}

	var httpServer *http.Server
	if cfg.Metrics.Port > 0 {
		httpServer = startHTTPServer(cfg.Metrics.Port, manager)
	}

	slog.Info("Node is running... Press Ctrl+C to stop")
	waitForShutdown()
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
	}
	if err := manager.Stop(); err != nil {
		slog.Error("Stop node failed", "err", err)
	}
	slog.Info("Node stopped")
}

func runEventPrinter(natsURL, subject, logFile string) {
	logger.Init(&logger.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.RFC3339,
	})
	logDir := "logs"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		slog.Error("Create log directory failed", "err", err)
		os.Exit(1)
	}
	path := filepath.Join(logDir, logFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		slog.Error("Open log file failed", "err", err)
		os.Exit(1)
	}

	defer f.Close()

	logWriter := io.MultiWriter(os.Stdout, f)

	nc, err := nats.Connect(natsURL)
	if err != nil {
		slog.Error("NATS connect failed", "err", err)
		os.Exit(1)
	}
	defer nc.Close()

	slog.Info("Subscribed to", "subject", subject)

	_, err = nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev events.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Error("Decode event failed", "err", err)
			return
		}
		slog.Info("Received event", "type", ev.Type, "chain", ev.Chain)
		fmt.Fprintf(logWriter, "%s\n", msg.Data)
	})
	if err != nil {
		slog.Error("NATS subscribe failed", "err", err)
		os.Exit(1)
	}

	select {} // Block forever
}

func waitForShutdown() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}
