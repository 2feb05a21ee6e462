// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package proxy

import (
	"os"
	"strconv"
	"strings"
	"time"

	"proxilion/gateway/cache"
	"proxilion/gateway/dedup"
	"proxilion/gateway/scanner"
	"proxilion/gateway/stream"
	"proxilion/gateway/upstream"
)

// Config collects every tunable of the gateway. FromEnv fills it from
// the environment; zero values fall back to the package defaults of the
// component they configure.
type Config struct {
	// Port the HTTP server listens on.
	Port string
	// Version reported by /health and /status.
	Version string

	// RequestTimeout bounds one managed request end to end.
	RequestTimeout time.Duration
	// MaxRequestBytes caps the inbound body read.
	MaxRequestBytes int64

	// AuthMode governs the explicit /proxy/ surface, TransparentAuthMode
	// the Host-based surface.
	AuthMode            AuthMode
	TransparentAuthMode AuthMode
	// JWTSecret verifies bearer tokens. Empty disables JWT extraction.
	JWTSecret []byte
	// APIKeys maps X-API-Key values onto identities, parsed from
	// "key:user:tenant" triples.
	APIKeys map[string]Identity

	// RateLimitPerMinute is the per-identity request budget. Zero or
	// negative disables limiting.
	RateLimitPerMinute int

	// RedisAddr enables the Redis-backed rate limiter and the Redis
	// audit sink. Empty keeps both in-process.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// PolicyFile is an optional YAML rule set loaded at start-up. Empty
	// loads the default policy set.
	PolicyFile string

	// ScanResponses turns response-content scanning and redaction on.
	ScanResponses bool
	// RedactableTypes lists the finding types the modify action rewrites.
	// Empty selects DefaultRedactableTypes.
	RedactableTypes []string
	// MaxResponseBytes caps the single-shot response buffer.
	MaxResponseBytes int64

	ScanTimeout  time.Duration
	DedupTimeout time.Duration

	Cache    cache.Config
	Pool     upstream.PoolConfig
	Breakers upstream.RegistryConfig
	Stream   stream.Config

	// AuditSink selects the delivery target: "stdout" or "redis".
	AuditSink         string
	AuditQueueSize    int
	AuditWorkers      int
	AuditFallbackPath string

	ReviewCapacity int
	ReviewExpiry   time.Duration
}

// Gateway-level defaults.
const (
	DefaultPort            = "8080"
	DefaultVersion         = "1.0.0"
	DefaultRequestTimeout  = 30 * time.Second
	DefaultMaxRequestBytes = 10 << 20 // 10 MiB
)

// FromEnv builds the configuration from environment variables, applying
// defaults for everything unset.
func FromEnv() Config {
	return Config{
		Port:    getEnv("PORT", DefaultPort),
		Version: getEnv("GATEWAY_VERSION", DefaultVersion),

		RequestTimeout:  getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),
		MaxRequestBytes: int64(getEnvInt("MAX_REQUEST_BYTES", DefaultMaxRequestBytes)),

		AuthMode:            parseAuthMode(getEnv("AUTH_MODE", string(AuthModeEnforce))),
		TransparentAuthMode: parseAuthMode(getEnv("TRANSPARENT_AUTH_MODE", string(AuthModeMonitor))),
		JWTSecret:           []byte(os.Getenv("JWT_SECRET")),
		APIKeys:             parseAPIKeys(os.Getenv("API_KEYS")),

		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", DefaultRequestsPerMinute),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		PolicyFile: os.Getenv("POLICY_FILE"),

		ScanResponses:    getEnvBool("SCAN_RESPONSES", true),
		RedactableTypes:  parseList(os.Getenv("REDACTABLE_TYPES")),
		MaxResponseBytes: int64(getEnvInt("MAX_RESPONSE_BYTES", DefaultMaxResponseBytes)),

		ScanTimeout:  getEnvDuration("SCAN_TIMEOUT", scanner.DefaultTimeout),
		DedupTimeout: getEnvDuration("DEDUP_TIMEOUT", dedup.DefaultTimeout),

		Cache: cache.Config{
			MaxEntries: getEnvInt("CACHE_MAX_ENTRIES", 0),
			MaxBytes:   int64(getEnvInt("CACHE_MAX_BYTES", 0)),
			TTL:        getEnvDuration("CACHE_TTL", 0),
		},
		Pool: upstream.PoolConfig{
			MaxPerHost:     getEnvInt("POOL_MAX_PER_HOST", 0),
			MaxIdleTime:    getEnvDuration("POOL_MAX_IDLE_TIME", 0),
			AcquireTimeout: getEnvDuration("POOL_ACQUIRE_TIMEOUT", 0),
		},
		Stream: stream.Config{
			ChunkTimeout:      getEnvDuration("STREAM_CHUNK_TIMEOUT", 0),
			MaxBufferedChunks: getEnvInt("STREAM_MAX_BUFFERED_CHUNKS", 0),
		},

		AuditSink:         getEnv("AUDIT_SINK", "stdout"),
		AuditQueueSize:    getEnvInt("AUDIT_QUEUE_SIZE", DefaultAuditQueueSize),
		AuditWorkers:      getEnvInt("AUDIT_WORKERS", DefaultAuditWorkers),
		AuditFallbackPath: getEnv("AUDIT_FALLBACK_PATH", "audit_fallback.jsonl"),

		ReviewCapacity: getEnvInt("REVIEW_CAPACITY", DefaultReviewCapacity),
		ReviewExpiry:   getEnvDuration("REVIEW_EXPIRY", DefaultReviewExpiry),
	}
}

// modeFor returns the auth mode of the given surface.
func (c Config) modeFor(surface string) AuthMode {
	if surface == surfaceTransparent {
		return c.TransparentAuthMode
	}
	return c.AuthMode
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// Bare numbers are read as seconds.
		if n, err := strconv.Atoi(value); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return defaultValue
}

// parseAPIKeys reads "key:user:tenant" triples separated by commas. The
// tenant part is optional.
func parseAPIKeys(raw string) map[string]Identity {
	out := make(map[string]Identity)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ":", 3)
		if len(fields) < 2 || fields[0] == "" || fields[1] == "" {
			continue
		}
		ident := Identity{UserID: fields[1], Method: AuthMethodAPIKey}
		if len(fields) == 3 {
			ident.Tenant = fields[2]
		}
		out[fields[0]] = ident
	}
	return out
}

func parseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
