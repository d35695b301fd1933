package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hydrax-labs/mt5-bridge/internal/channel"
	"github.com/hydrax-labs/mt5-bridge/internal/config"
	"github.com/hydrax-labs/mt5-bridge/internal/logging"
	"github.com/hydrax-labs/mt5-bridge/internal/wire"
	"go.uber.org/zap"
)

// firehose replays a deterministic command stream through the command
// channel, with a configurable share of exact retransmissions, to
// exercise the adapter's duplicate suppression by hand.
func main() {
	var (
		count  = flag.Int("count", 50, "Number of commands to send")
		dupPct = flag.Int("dup-pct", 30, "Percentage of duplicates (0-100)")
		seed   = flag.Int64("seed", 42, "Random seed for deterministic generation")
		symbol = flag.String("symbol", "EURUSD", "Symbol to trade")
		pace   = flag.Duration("pace", 50*time.Millisecond, "Delay between sends")
	)
	flag.Parse()

	cfg := config.LoadConfig("firehose")

	logger, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting firehose",
		zap.Int("count", *count),
		zap.Int("dup_pct", *dupPct),
		zap.Int64("seed", *seed),
		zap.String("transport", cfg.Transport),
	)

	writer, err := buildWriter(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build command writer", zap.Error(err))
	}
	defer writer.Close()

	rng := rand.New(rand.NewSource(*seed))
	sessionUUID := uuid.New().String()

	// Pre-generate frames so duplicates are byte-identical resends.
	var frames [][]byte
	var seq uint64
	uniqueCount := 0
	dupCount := 0

	for i := 0; i < *count; i++ {
		isDup := rng.Intn(100) < *dupPct && len(frames) > 0

		var frame []byte
		if isDup {
			frame = frames[rng.Intn(len(frames))]
			dupCount++
		} else {
			seq++
			cmd := wire.Command{
				CommandID: wire.CommandID(sessionUUID, seq),
				Kind:      wire.KindOpen,
				Symbol:    *symbol,
				Side:      wire.SideBuy,
				Volume:    0.01,
				IssuedAt:  time.Now().UnixMilli(),
			}
			frame, err = json.Marshal(cmd)
			if err != nil {
				logger.Fatal("failed to marshal command", zap.Error(err))
			}
			frames = append(frames, frame)
			uniqueCount++
		}

		ctx := context.Background()
		for {
			err = writer.Write(ctx, frame)
			if errors.Is(err, channel.ErrChannelFull) {
				time.Sleep(*pace)
				continue
			}
			break
		}
		if err != nil {
			logger.Error("failed to send command", zap.Error(err))
		}
		time.Sleep(*pace)
	}

	logger.Info("firehose completed",
		zap.Int("total", *count),
		zap.Int("unique_commands", uniqueCount),
		zap.Int("duplicates", dupCount),
	)

	fmt.Printf("\n=== Firehose Summary ===\n")
	fmt.Printf("Total sends: %d\n", *count)
	fmt.Printf("Unique commands: %d\n", uniqueCount)
	fmt.Printf("Duplicate sends: %d\n", dupCount)
	fmt.Printf("Transport: %s\n", cfg.Transport)
	fmt.Printf("\n")
}

// buildWriter creates the controller-side command writer so the terminal
// agent can connect to the firehose as if it were the controller
func buildWriter(cfg *config.Config, logger *zap.Logger) (channel.Writer, error) {
	switch cfg.Transport {
	case config.TransportSocket:
		return channel.NewListenWriter(cfg.SocketNetwork, cfg.CommandAddr, cfg.QueueDepth, logger)
	case config.TransportFile:
		return channel.NewFileWriter(cfg.CommandFile, logger)
	case config.TransportKafka:
		return channel.NewKafkaWriter(cfg.Brokers(), channel.TopicCommands, "firehose", logger)
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}
