package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hydrax-labs/mt5-bridge/internal/broker"
	"github.com/hydrax-labs/mt5-bridge/internal/channel"
	"github.com/hydrax-labs/mt5-bridge/internal/chaos"
	"github.com/hydrax-labs/mt5-bridge/internal/config"
	"github.com/hydrax-labs/mt5-bridge/internal/journal"
	"github.com/hydrax-labs/mt5-bridge/internal/logging"
	"github.com/hydrax-labs/mt5-bridge/internal/terminal"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig("terminal-agent")

	// Initialize logger
	logger, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Create data directory
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	// Load or establish the terminal session id; it is stable for the
	// adapter's lifetime and routes this terminal at the controller.
	sessionID, err := loadSessionID(cfg.DataDir)
	if err != nil {
		logger.Fatal("failed to establish session id", zap.Error(err))
	}

	logger.Info("starting terminal-agent service",
		zap.String("session_id", sessionID),
		zap.String("transport", cfg.Transport),
		zap.Strings("symbols", cfg.Symbols),
	)

	// Open the journal (processed commands + result outbox)
	dbPath := filepath.Join(cfg.DataDir, "journal.db")
	store, err := journal.Open(dbPath)
	if err != nil {
		logger.Fatal("failed to open journal", zap.Error(err))
	}
	defer store.Close()

	logger.Info("journal opened", zap.String("path", dbPath))

	// Simulated broker stands in for the real terminal; a production
	// shim implements broker.Broker and broker.QuoteFeed instead.
	sim := broker.NewSim(cfg.SimBalance)

	// Build the terminal side of the transport: command reader dials
	// the controller, telemetry writer pushes to it.
	commandReader, telemetryWriter, err := buildTransport(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build transport", zap.Error(err))
	}
	defer commandReader.Close()
	defer telemetryWriter.Close()

	// Optional fault injection on the telemetry path
	chaosCfg := chaos.LoadConfig()
	var out channel.Writer = telemetryWriter
	if chaosCfg.Enabled {
		logger.Warn("chaos enabled on telemetry writer", zap.String("profile", chaosCfg.Profile))
		out = chaos.WrapWriter(telemetryWriter, chaos.New(chaosCfg, logger), "telemetry")
	}

	publisher := terminal.NewPublisher(sim, sim, out, sessionID, cfg.Symbols,
		cfg.TickInterval, cfg.StalenessThreshold, logger)
	adapter := terminal.NewAdapter(sim, store, sessionID, cfg.Symbols, cfg.Denylist, logger)
	outbox := journal.NewPublisher(store, out, sessionID, logger)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Drive the simulated quote feed
	go driveQuotes(runCtx, sim, cfg.Symbols)

	publisherErrCh := make(chan error, 1)
	go func() {
		if err := publisher.Run(runCtx); err != nil && runCtx.Err() == nil {
			publisherErrCh <- err
		}
	}()

	outboxErrCh := make(chan error, 1)
	go func() {
		if err := outbox.Run(runCtx); err != nil && runCtx.Err() == nil {
			outboxErrCh <- err
		}
	}()

	commandErrCh := make(chan error, 1)
	go func() {
		if err := commandReader.Run(runCtx, adapter.HandleCommand); err != nil && runCtx.Err() == nil {
			commandErrCh <- err
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-publisherErrCh:
		logger.Error("tick publisher error", zap.Error(err))
	case err := <-outboxErrCh:
		logger.Error("outbox publisher error", zap.Error(err))
	case err := <-commandErrCh:
		logger.Error("command reader error", zap.Error(err))
	}

	// Graceful shutdown
	logger.Info("shutting down gracefully...")

	cancel()
	commandReader.Close()
	telemetryWriter.Close()
	store.Close()

	logger.Info("terminal-agent service stopped")
}

// loadSessionID reads the persisted session uuid or creates one
func loadSessionID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "session")

	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id := uuid.New().String()
	if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to persist session id: %w", err)
	}
	return id, nil
}

// buildTransport creates the terminal side of the configured binding
func buildTransport(cfg *config.Config, logger *zap.Logger) (channel.Reader, channel.Writer, error) {
	switch cfg.Transport {
	case config.TransportSocket:
		reader := channel.NewDialReader(cfg.SocketNetwork, cfg.CommandAddr, logger)
		writer := channel.NewDialWriter(cfg.SocketNetwork, cfg.TelemetryAddr, cfg.QueueDepth, logger)
		return reader, writer, nil

	case config.TransportFile:
		reader := channel.NewFileReader(cfg.CommandFile, cfg.FilePollInterval, logger)
		writer, err := channel.NewFileWriter(cfg.TelemetryFile, logger)
		if err != nil {
			return nil, nil, err
		}
		return reader, writer, nil

	case config.TransportKafka:
		reader, err := channel.NewKafkaReader(cfg.Brokers(), cfg.KafkaGroup, channel.TopicCommands, logger)
		if err != nil {
			return nil, nil, err
		}
		writer, err := channel.NewKafkaWriter(cfg.Brokers(), channel.TopicTelemetry, "terminal", logger)
		if err != nil {
			reader.Close()
			return nil, nil, err
		}
		return reader, writer, nil
	}

	return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

// driveQuotes random-walks the simulated quote feed
func driveQuotes(ctx context.Context, sim *broker.Sim, symbols []string) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	prices := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if strings.HasSuffix(s, "JPY") {
			prices[s] = 150.0
		} else {
			prices[s] = 1.1
		}
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range symbols {
				prices[s] *= 1 + (rng.Float64()-0.5)*0.0002
				spread := prices[s] * 0.0001
				sim.SetQuote(s, prices[s], prices[s]+spread, rng.Int63n(100)+1)
			}
		}
	}
}
