// Package config loads the machine's boot-time configuration from the
// environment. Configuration is immutable once Load returns.
package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// BroadcastToken is the decoded form of the optional scoped broadcast
// credential: a base64 JSON object carrying the bearer token and the
// channel scope it is restricted to.
type BroadcastToken struct {
	Token string `json:"token"`
	Scope string `json:"scope"`
}

// Config holds the machine's boot-time configuration. Every field is
// resolved once in Load and never mutated afterwards.
type Config struct {
	// Identity
	ProjectID   string
	MachineID   string
	Environment string

	// External-facing HTTP server
	ListenHost string
	ListenPort int
	EdgeHost   string

	// Object store (hydration source)
	ObjectStoreBaseURL  string
	ObjectStoreRegion   string
	ObjectStoreGeneral  Credential
	ObjectStoreScoped   Credential
	SnapshotArchiveURL  string
	SnapshotMaxBodySize int64

	// Broadcast bus
	BroadcastURL     string
	BroadcastChannel string
	BroadcastToken   *BroadcastToken

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket tunnel buffers
	WSReadBufferSize  int
	WSWriteBufferSize int

	// Session store (read-only mirror)
	SessionStorePath string

	// Dev-server supervision
	DevServerPreferredPort  int
	DevServerInstallTimeout time.Duration
	DevServerReadyInterval  time.Duration
	DevServerReadyWindow    time.Duration
	DevServerMaxRestarts    int

	// Health loop
	HealthProbeInterval time.Duration

	// Error/event reporting
	ErrorReportURL string
}

// Credential is an access-key/secret pair for the object store. It is the
// zero value (both fields empty) when not configured.
type Credential struct {
	AccessKeyID     string
	SecretAccessKey string
}

func (c Credential) present() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// Load reads configuration from environment variables, applying typed
// defaults and validating the invariants spec.md §3/§6 require: a project
// identifier, an object-store base URL, and at least one usable
// credential (scoped or general) must be present, or boot fails.
func Load() (*Config, error) {
	cfg := &Config{
		ProjectID:   getEnv("PROJECT_ID", ""),
		MachineID:   getEnv("MACHINE_ID", ""),
		Environment: getEnv("ENVIRONMENT", "development"),

		ListenHost: getEnv("LISTEN_HOST", "0.0.0.0"),
		ListenPort: getEnvInt("LISTEN_PORT", 8080),
		EdgeHost:   getEnv("EDGE_HOST", ""),

		ObjectStoreBaseURL: getEnv("OBJECT_STORE_BASE_URL", ""),
		ObjectStoreRegion:  getEnv("OBJECT_STORE_REGION", "auto"),
		ObjectStoreGeneral: Credential{
			AccessKeyID:     getEnv("OBJECT_STORE_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("OBJECT_STORE_SECRET_ACCESS_KEY", ""),
		},
		ObjectStoreScoped: Credential{
			AccessKeyID:     getEnv("OBJECT_STORE_SCOPED_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("OBJECT_STORE_SCOPED_SECRET_ACCESS_KEY", ""),
		},
		SnapshotArchiveURL:  getEnv("SNAPSHOT_ARCHIVE_URL", ""),
		SnapshotMaxBodySize: getEnvInt64("SNAPSHOT_MAX_BODY_SIZE", 100*1024*1024),

		BroadcastURL:     getEnv("BROADCAST_URL", "nats://127.0.0.1:4222"),
		BroadcastChannel: "", // derived from ProjectID below

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),

		SessionStorePath: getEnv("SESSION_STORE_PATH", "/var/lib/machine/sessions.db"),

		DevServerPreferredPort:  getEnvInt("DEV_SERVER_PREFERRED_PORT", 5173),
		DevServerInstallTimeout: getEnvDuration("DEV_SERVER_INSTALL_TIMEOUT", 3*time.Minute),
		DevServerReadyInterval:  getEnvDuration("DEV_SERVER_READY_INTERVAL", 2*time.Second),
		DevServerReadyWindow:    getEnvDuration("DEV_SERVER_READY_WINDOW", 45*time.Second),
		DevServerMaxRestarts:    getEnvInt("DEV_SERVER_MAX_RESTARTS", 3),

		HealthProbeInterval: getEnvDuration("HEALTH_PROBE_INTERVAL", 30*time.Second),

		ErrorReportURL: getEnv("ERROR_REPORT_URL", ""),
	}

	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("PROJECT_ID is required")
	}
	cfg.BroadcastChannel = "realtime:project:" + cfg.ProjectID

	if cfg.ObjectStoreBaseURL == "" {
		return nil, fmt.Errorf("OBJECT_STORE_BASE_URL is required")
	}

	if !cfg.ObjectStoreScoped.present() && !cfg.ObjectStoreGeneral.present() {
		return nil, fmt.Errorf("at least one object-store credential (scoped or general) is required")
	}

	if raw := getEnv("BROADCAST_TOKEN", ""); raw != "" {
		tok, err := decodeBroadcastToken(raw)
		if err != nil {
			return nil, fmt.Errorf("decode BROADCAST_TOKEN: %w", err)
		}
		cfg.BroadcastToken = tok
	}

	if cfg.EdgeHost == "" {
		cfg.EdgeHost = deriveEdgeHost(cfg.ObjectStoreBaseURL)
	}

	return cfg, nil
}

// ObjectStoreCredential returns the credential the hydrator should use:
// the scoped key when present, else the general key. The caller is
// expected to log when it falls back (spec.md §9 design notes).
func (c *Config) ObjectStoreCredential() (cred Credential, scoped bool) {
	if c.ObjectStoreScoped.present() {
		return c.ObjectStoreScoped, true
	}
	return c.ObjectStoreGeneral, false
}

// BroadcastAuthToken returns the bearer token the broadcast subscriber
// should present, if a scoped BROADCAST_TOKEN was configured.
func (c *Config) BroadcastAuthToken() string {
	if c.BroadcastToken == nil {
		return ""
	}
	return c.BroadcastToken.Token
}

func decodeBroadcastToken(raw string) (*BroadcastToken, error) {
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	var tok BroadcastToken
	if err := json.Unmarshal(decoded, &tok); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if tok.Token == "" {
		return nil, fmt.Errorf("decoded token is empty")
	}
	return &tok, nil
}

// deriveEdgeHost extracts a bare host from an object-store URL so the
// proxy has a sane default public hostname for WebSocket rewriting when
// none is configured explicitly.
func deriveEdgeHost(baseURL string) string {
	host := baseURL
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	if idx := strings.Index(host, "/"); idx != -1 {
		host = host[:idx]
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
