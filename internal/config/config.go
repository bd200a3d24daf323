package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime settings for the vstream-cdc service.
type Config struct {
	Environment string
	FlowID      string
	Vtgate      VtgateConfig
	Stream      StreamConfig
	Telemetry   TelemetryConfig
	Metrics     MetricsConfig
	Checkpoints CheckpointConfig
}

type VtgateConfig struct {
	Addr               string
	TabletType         string
	MaxRecvMessageSize int
	KeepaliveInterval  time.Duration
	Username           string
	Password           string
	Headers            map[string]string
}

type StreamConfig struct {
	Keyspace      string
	Shard         string
	Gtid          string
	IncludeTables []string
	ExcludeTables []string
	StopOnReshard bool
	RestartBudget int
	EOFReset      bool
}

type TelemetryConfig struct {
	ServiceName string
}

type MetricsConfig struct {
	Listen string
}

type CheckpointConfig struct {
	Backend string
	DSN     string
	Path    string
}

// Load loads config from environment for now. File parsing will be added later.
func Load(_ string) (*Config, error) {
	cfg := &Config{
		Environment: getenv("VSTREAM_ENV", "dev"),
		FlowID:      getenv("VSTREAM_FLOW_ID", ""),
		Vtgate: VtgateConfig{
			Addr:               getenv("VSTREAM_VTGATE_ADDR", "localhost:15991"),
			TabletType:         getenv("VSTREAM_TABLET_TYPE", "PRIMARY"),
			MaxRecvMessageSize: getenvInt("VSTREAM_MAX_RECV_MESSAGE_SIZE", 0),
			KeepaliveInterval:  getenvDuration("VSTREAM_KEEPALIVE_INTERVAL", 0),
			Username:           getenv("VSTREAM_VTGATE_USER", ""),
			Password:           getenv("VSTREAM_VTGATE_PASSWORD", ""),
			Headers:            getenvKeyValueMap("VSTREAM_GRPC_HEADERS"),
		},
		Stream: StreamConfig{
			Keyspace:      getenv("VSTREAM_KEYSPACE", ""),
			Shard:         getenv("VSTREAM_SHARD", ""),
			Gtid:          getenv("VSTREAM_GTID", ""),
			IncludeTables: getenvCSV("VSTREAM_INCLUDE_TABLES", ""),
			ExcludeTables: getenvCSV("VSTREAM_EXCLUDE_TABLES", ""),
			StopOnReshard: getenvBool("VSTREAM_STOP_ON_RESHARD", false),
			RestartBudget: getenvInt("VSTREAM_RESTART_BUDGET", 5),
			EOFReset:      getenvBool("VSTREAM_EOF_RESET", false),
		},
		Telemetry: TelemetryConfig{
			ServiceName: getenv("VSTREAM_OTEL_SERVICE", "vstream-cdc"),
		},
		Metrics: MetricsConfig{
			Listen: getenv("VSTREAM_METRICS_LISTEN", ""),
		},
		Checkpoints: CheckpointConfig{
			Backend: getenv("VSTREAM_CHECKPOINT_BACKEND", "sqlite"),
			DSN:     getenv("VSTREAM_CHECKPOINT_DSN", ""),
			Path:    getenv("VSTREAM_CHECKPOINT_PATH", "vstream-offsets.db"),
		},
	}

	return cfg, nil
}

// Validate checks the settings the stream cannot start without.
func (c *Config) Validate() error {
	if c.Stream.Keyspace == "" {
		return errors.New("keyspace is required")
	}
	if c.Vtgate.Addr == "" {
		return errors.New("vtgate address is required")
	}
	switch c.Checkpoints.Backend {
	case "sqlite", "postgres", "none":
	default:
		return errors.New("checkpoint backend must be sqlite, postgres, or none")
	}
	if c.Checkpoints.Backend == "postgres" && c.Checkpoints.DSN == "" {
		return errors.New("postgres checkpoint backend requires a DSN")
	}
	return nil
}

func getenv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		switch value {
		case "1", "true", "TRUE", "yes", "YES":
			return true
		case "0", "false", "FALSE", "no", "NO":
			return false
		default:
			return fallback
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvCSV(key, fallback string) []string {
	value := getenv(key, fallback)
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trim := strings.TrimSpace(part)
		if trim != "" {
			out = append(out, trim)
		}
	}
	return out
}

func getenvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvKeyValueMap(key string) map[string]string {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	out := make(map[string]string)
	parts := strings.Split(raw, ",")
	for _, part := range parts {
		item := strings.TrimSpace(part)
		if item == "" {
			continue
		}
		pair := strings.SplitN(item, "=", 2)
		if len(pair) == 0 {
			continue
		}
		k := strings.TrimSpace(pair[0])
		if k == "" {
			continue
		}
		val := ""
		if len(pair) > 1 {
			val = strings.TrimSpace(pair[1])
		}
		out[k] = val
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
