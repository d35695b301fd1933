package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Transport binding names
const (
	TransportSocket = "socket"
	TransportFile   = "file"
	TransportKafka  = "kafka"
)

// Config holds configuration for the bridge processes
type Config struct {
	// Service name
	ServiceName string

	// Log level: debug, info, warn, error
	LogLevel string

	// Transport binding: socket, file or kafka
	Transport string

	// Socket binding: network is "tcp" or "unix"; the controller
	// listens on both addresses, terminal-side processes dial in
	SocketNetwork string
	CommandAddr   string
	TelemetryAddr string

	// File binding (legacy): one message slot per direction
	CommandFile   string
	TelemetryFile string

	// Kafka binding
	KafkaBrokers string
	KafkaGroup   string

	// gRPC health port and ops HTTP port (controller only)
	GRPCPort int
	HTTPPort int

	// Terminal-side data directory (journal, session id)
	DataDir string

	// Tradeable instrument set and explicit denylist
	Symbols  []string
	Denylist []string

	// Intervals and thresholds
	TickInterval       time.Duration
	StalenessThreshold time.Duration
	FilePollInterval   time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatMissX     int
	SubmitTimeout      time.Duration
	QueueDepth         int

	// Simulated broker starting balance (terminal-agent)
	SimBalance float64
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig(serviceName string) *Config {
	cfg := &Config{
		ServiceName:        serviceName,
		LogLevel:           getEnvAsString("LOG_LEVEL", "info"),
		Transport:          getEnvAsString("BRIDGE_TRANSPORT", TransportSocket),
		SocketNetwork:      getEnvAsString("BRIDGE_SOCKET_NETWORK", "tcp"),
		CommandAddr:        getEnvAsString("BRIDGE_COMMAND_ADDR", "127.0.0.1:9013"),
		TelemetryAddr:      getEnvAsString("BRIDGE_TELEMETRY_ADDR", "127.0.0.1:9014"),
		CommandFile:        getEnvAsString("BRIDGE_COMMAND_FILE", "./bridge/fire.json"),
		TelemetryFile:      getEnvAsString("BRIDGE_TELEMETRY_FILE", "./bridge/telemetry.json"),
		KafkaBrokers:       getEnvAsString("KAFKA_BROKERS", "127.0.0.1:9092"),
		KafkaGroup:         getEnvAsString("KAFKA_GROUP", serviceName+"-v1"),
		GRPCPort:           getEnvAsInt("PORT_GRPC", 50051),
		HTTPPort:           getEnvAsInt("PORT_HTTP", 8080),
		DataDir:            getEnvAsString("DATA_DIR", "./data/"+serviceName),
		Symbols:            getEnvAsList("BRIDGE_SYMBOLS", "EURUSD,GBPUSD,USDJPY,USDCAD,AUDUSD"),
		Denylist:           getEnvAsList("BRIDGE_DENYLIST", "XAUUSD,XAGUSD"),
		TickInterval:       getEnvAsDuration("TICK_INTERVAL", time.Second),
		StalenessThreshold: getEnvAsDuration("TICK_STALENESS", 10*time.Second),
		FilePollInterval:   getEnvAsDuration("FILE_POLL_INTERVAL", 250*time.Millisecond),
		HeartbeatInterval:  getEnvAsDuration("HEARTBEAT_INTERVAL", 5*time.Second),
		HeartbeatMissX:     getEnvAsInt("HEARTBEAT_MISS_FACTOR", 3),
		SubmitTimeout:      getEnvAsDuration("SUBMIT_TIMEOUT", 30*time.Second),
		QueueDepth:         getEnvAsInt("QUEUE_DEPTH", 64),
		SimBalance:         getEnvAsFloat("SIM_BALANCE", 10_000),
	}

	return cfg
}

// GRPCAddr returns the gRPC server address
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

// HTTPAddr returns the HTTP server address
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// Brokers returns the Kafka broker list
func (c *Config) Brokers() []string {
	brokers := strings.Split(c.KafkaBrokers, ",")
	for i := range brokers {
		brokers[i] = strings.TrimSpace(brokers[i])
	}
	return brokers
}

// HeartbeatMissThreshold is the silence duration after which a terminal
// is marked disconnected
func (c *Config) HeartbeatMissThreshold() time.Duration {
	return time.Duration(c.HeartbeatMissX) * c.HeartbeatInterval
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key, defaultValue string) []string {
	raw := getEnvAsString(key, defaultValue)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
