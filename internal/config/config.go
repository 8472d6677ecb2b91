package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
)

type Config struct {
	ListenAddr  string
	JWTSecret   string
	LogLevel    string
	LogFormat   string
	AutoConnect []string

	StateBackend  string
	DatabaseURL   string
	DynamoDBTable string
	AWSRegion     string

	RelayEnabled bool
	RelayAPIURL  string
	RelayTimeout time.Duration

	DevicePort        int
	ConnectTimeout    time.Duration
	ProbeTimeout      time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	ProbeDwarfIIURL string
	ProbeDwarf3URL  string
	ProbeConfigURL  string

	MQTTBrokerURL   string
	MQTTClientID    string
	MQTTTopicPrefix string

	StreamAuditInterval time.Duration
	EventRetentionDays  int
	StateRetentionDays  int
}

// LoadDotEnv reads .env (or the given files) into the process environment.
// A missing file is not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	err := godotenv.Load(paths...)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:  envOrDefault("DWARF_LISTEN_ADDR", ":8080"),
		JWTSecret:   os.Getenv("DWARF_JWT_SECRET"),
		LogLevel:    envOrDefault("DWARF_LOG_LEVEL", "info"),
		LogFormat:   envOrDefault("DWARF_LOG_FORMAT", "json"),
		AutoConnect: splitCSV(os.Getenv("DWARF_AUTOCONNECT")),

		StateBackend:  envOrDefault("DWARF_STATE_BACKEND", BackendMemory),
		DatabaseURL:   os.Getenv("DWARF_DATABASE_URL"),
		DynamoDBTable: os.Getenv("DWARF_DYNAMODB_TABLE"),
		AWSRegion:     envOrDefault("DWARF_AWS_REGION", "us-east-1"),

		RelayEnabled: parseBool(os.Getenv("DWARF_RELAY_ENABLED"), true),
		RelayAPIURL:  strings.TrimRight(envOrDefault("DWARF_RELAY_API_URL", "http://localhost:9997"), "/"),
		RelayTimeout: time.Duration(ParsePositiveIntEnv("DWARF_RELAY_TIMEOUT_MS", 3000)) * time.Millisecond,

		DevicePort:        ParsePositiveIntEnv("DWARF_DEVICE_WS_PORT", 9900),
		ConnectTimeout:    time.Duration(ParsePositiveIntEnv("DWARF_CONNECT_TIMEOUT_MS", 5000)) * time.Millisecond,
		ProbeTimeout:      time.Duration(ParsePositiveIntEnv("DWARF_PROBE_TIMEOUT_MS", 2000)) * time.Millisecond,
		ReconnectDelay:    time.Duration(ParsePositiveIntEnv("DWARF_RECONNECT_DELAY_MS", 2000)) * time.Millisecond,
		MaxReconnectDelay: time.Duration(ParsePositiveIntEnv("DWARF_MAX_RECONNECT_DELAY_MS", 30000)) * time.Millisecond,

		ProbeDwarfIIURL: envOrDefault("DWARF_PROBE_DWARFII_URL", "http://%s/sdcard/DWARF_II/Astronomy/"),
		ProbeDwarf3URL:  envOrDefault("DWARF_PROBE_DWARF3_URL", "http://%s/DWARF3/Astronomy/"),
		ProbeConfigURL:  envOrDefault("DWARF_PROBE_CONFIG_URL", "http://%s:8082/getDefaultParamsConfig"),

		MQTTBrokerURL:   os.Getenv("DWARF_MQTT_BROKER_URL"),
		MQTTClientID:    envOrDefault("DWARF_MQTT_CLIENT_ID", "dwarf-link"),
		MQTTTopicPrefix: strings.Trim(envOrDefault("DWARF_MQTT_TOPIC_PREFIX", "dwarf"), "/"),

		StreamAuditInterval: time.Duration(ParsePositiveIntEnv("DWARF_STREAM_AUDIT_INTERVAL_SEC", 300)) * time.Second,
		EventRetentionDays:  ParsePositiveIntEnv("DWARF_EVENT_RETENTION_DAYS", 30),
		StateRetentionDays:  ParsePositiveIntEnv("DWARF_STATE_RETENTION_DAYS", 90),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("DWARF_JWT_SECRET is required")
	}
	switch cfg.StateBackend {
	case BackendMemory:
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DWARF_DATABASE_URL is required for postgres state backend")
		}
	case BackendDynamoDB:
		if cfg.DynamoDBTable == "" {
			return Config{}, fmt.Errorf("DWARF_DYNAMODB_TABLE is required for dynamodb state backend")
		}
	default:
		return Config{}, fmt.Errorf("DWARF_STATE_BACKEND must be one of memory|postgres|dynamodb")
	}
	return cfg, nil
}

func envOrDefault(k, v string) string {
	if raw := os.Getenv(k); raw != "" {
		return raw
	}
	return v
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func ParsePositiveIntEnv(k string, d int) int {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return d
	}
	return n
}

func parseBool(raw string, d bool) bool {
	if strings.TrimSpace(raw) == "" {
		return d
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return d
	}
	return b
}
