// Package config loads orchestrator settings from the environment. Every
// knob has a sane default so a bare binary runs a local venue.
package config

import (
	"fmt"
	"time"
)

// Config is the full runtime configuration.
type Config struct {
	ListenAddr string

	// TLS; both must be set for HTTPS, otherwise plain HTTP.
	TLSCertFile string
	TLSKeyFile  string

	// Storage
	StorageBackend string // "memory", "file" or "badger"
	DataDir        string

	// Content
	TokensFile string
	CuesFile   string
	WatchCues  bool

	// Auth
	AdminPassword  string
	JWTSecret      string
	DeviceTokenTTL time.Duration

	// Session
	SessionDuration    time.Duration
	OfflineQueueSize   int
	RecentTransactions int

	// Devices
	HeartbeatTimeout time.Duration
	MonitorInterval  time.Duration
	MaxGMStations    int // 0 means unlimited

	// Video
	VideoEnabled bool

	// Observability
	LogLevel     string
	OTELEnabled  bool
	OTELEndpoint string
	OTELProtocol string

	// HTTP limits
	RequestsPerMinute int
}

// FromEnv builds the configuration from ALN_* environment variables.
func FromEnv() Config {
	return Config{
		ListenAddr: ParseString("ALN_LISTEN", ":8080"),

		TLSCertFile: ParseString("ALN_TLS_CERT", ""),
		TLSKeyFile:  ParseString("ALN_TLS_KEY", ""),

		StorageBackend: ParseString("ALN_STORAGE", "file"),
		DataDir:        ParseString("ALN_DATA_DIR", "./data"),

		TokensFile: ParseString("ALN_TOKENS_FILE", "./data/tokens.json"),
		CuesFile:   ParseString("ALN_CUES_FILE", "./data/cues.json"),
		WatchCues:  ParseBool("ALN_CUES_WATCH", true),

		AdminPassword:  ParseString("ALN_ADMIN_PASSWORD", ""),
		JWTSecret:      ParseString("ALN_JWT_SECRET", ""),
		DeviceTokenTTL: ParseDuration("ALN_DEVICE_TOKEN_TTL", 24*time.Hour),

		SessionDuration:    ParseDuration("ALN_SESSION_DURATION", 2*time.Hour),
		OfflineQueueSize:   ParseInt("ALN_OFFLINE_QUEUE_SIZE", 100),
		RecentTransactions: ParseInt("ALN_RECENT_TRANSACTIONS", 100),

		HeartbeatTimeout: ParseDuration("ALN_HEARTBEAT_TIMEOUT", 30*time.Second),
		MonitorInterval:  ParseDuration("ALN_MONITOR_INTERVAL", 15*time.Second),
		MaxGMStations:    ParseInt("ALN_MAX_GM_STATIONS", 0),

		VideoEnabled: ParseBool("ALN_VIDEO_ENABLED", true),

		LogLevel:     ParseString("ALN_LOG_LEVEL", "info"),
		OTELEnabled:  ParseBool("ALN_OTEL_ENABLED", false),
		OTELEndpoint: ParseString("ALN_OTEL_ENDPOINT", "localhost:4317"),
		OTELProtocol: ParseString("ALN_OTEL_PROTOCOL", "grpc"),

		RequestsPerMinute: ParseInt("ALN_REQUESTS_PER_MINUTE", 300),
	}
}

// Validate rejects configurations that cannot produce a working daemon.
func (c Config) Validate() error {
	switch c.StorageBackend {
	case "memory", "file", "badger":
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}
	if c.StorageBackend != "memory" && c.DataDir == "" {
		return fmt.Errorf("data dir required for %s storage", c.StorageBackend)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("ALN_JWT_SECRET must be set")
	}
	if c.AdminPassword == "" {
		return fmt.Errorf("ALN_ADMIN_PASSWORD must be set")
	}
	if c.OfflineQueueSize <= 0 {
		return fmt.Errorf("offline queue size must be positive")
	}
	if c.SessionDuration <= 0 {
		return fmt.Errorf("session duration must be positive")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("TLS cert and key must be set together")
	}
	return nil
}
