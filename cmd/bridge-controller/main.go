package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hydrax-labs/mt5-bridge/internal/channel"
	"github.com/hydrax-labs/mt5-bridge/internal/config"
	"github.com/hydrax-labs/mt5-bridge/internal/controller"
	"github.com/hydrax-labs/mt5-bridge/internal/logging"
	"github.com/hydrax-labs/mt5-bridge/internal/observability"
	"github.com/hydrax-labs/mt5-bridge/internal/stream"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig("bridge-controller")

	// Initialize logger
	logger, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting bridge-controller service",
		zap.String("transport", cfg.Transport),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("http_port", cfg.HTTPPort),
	)

	// Build the command writer and telemetry reader for the configured
	// transport binding. The controller is the stable endpoint: for the
	// socket binding it listens and terminal-side processes dial in.
	commandWriter, telemetryReader, err := buildTransport(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build transport", zap.Error(err))
	}
	defer commandWriter.Close()
	defer telemetryReader.Close()

	// Create telemetry fan-out and controller
	broadcaster := stream.NewBroadcaster(logger)
	ctrl := controller.New(commandWriter, broadcaster, cfg.HeartbeatMissThreshold(), logger)

	// Create health checker
	healthChecker := observability.NewHealthChecker(logger)

	// Create gRPC server
	grpcServer := grpc.NewServer()
	healthChecker.RegisterGRPC(grpcServer)

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		logger.Fatal("failed to listen on gRPC port", zap.Error(err))
	}

	grpcErrCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			grpcErrCh <- err
		}
	}()

	// Start ops HTTP server
	httpErrCh := make(chan error, 1)
	go func() {
		statusFn := func() any {
			return map[string]any{
				"terminals": ctrl.Status(),
				"pending":   ctrl.PendingCount(),
			}
		}
		routes := func(r chi.Router) {
			r.Get("/ws/telemetry", broadcaster.HandleTelemetryWS)
		}
		if err := healthChecker.StartHTTPServer(cfg.HTTPAddr(), statusFn, routes); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	// Start telemetry consumer loop
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryErrCh := make(chan error, 1)
	go func() {
		if err := telemetryReader.Run(runCtx, ctrl.HandleTelemetry); err != nil && runCtx.Err() == nil {
			telemetryErrCh <- err
		}
	}()

	// Start heartbeat watchdog
	go ctrl.RunWatchdog(runCtx, cfg.HeartbeatInterval)

	healthChecker.SetTransportReady(true)

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-grpcErrCh:
		logger.Error("gRPC server error", zap.Error(err))
	case err := <-httpErrCh:
		logger.Error("HTTP server error", zap.Error(err))
	case err := <-telemetryErrCh:
		logger.Error("telemetry consumer error", zap.Error(err))
	}

	// Graceful shutdown
	logger.Info("shutting down gracefully...")

	cancel()
	commandWriter.Close()
	telemetryReader.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health checker", zap.Error(err))
	}

	grpcServer.GracefulStop()

	logger.Info("bridge-controller service stopped")
}

// buildTransport creates the controller side of the configured binding
func buildTransport(cfg *config.Config, logger *zap.Logger) (channel.Writer, channel.Reader, error) {
	switch cfg.Transport {
	case config.TransportSocket:
		writer, err := channel.NewListenWriter(cfg.SocketNetwork, cfg.CommandAddr, cfg.QueueDepth, logger)
		if err != nil {
			return nil, nil, err
		}
		reader, err := channel.NewListenReader(cfg.SocketNetwork, cfg.TelemetryAddr, logger)
		if err != nil {
			writer.Close()
			return nil, nil, err
		}
		return writer, reader, nil

	case config.TransportFile:
		writer, err := channel.NewFileWriter(cfg.CommandFile, logger)
		if err != nil {
			return nil, nil, err
		}
		reader := channel.NewFileReader(cfg.TelemetryFile, cfg.FilePollInterval, logger)
		return writer, reader, nil

	case config.TransportKafka:
		writer, err := channel.NewKafkaWriter(cfg.Brokers(), channel.TopicCommands, "controller", logger)
		if err != nil {
			return nil, nil, err
		}
		reader, err := channel.NewKafkaReader(cfg.Brokers(), cfg.KafkaGroup, channel.TopicTelemetry, logger)
		if err != nil {
			writer.Close()
			return nil, nil, err
		}
		return writer, reader, nil
	}

	return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}
