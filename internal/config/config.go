package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// =============================================================================
// Cognigate Configuration — YAML file + environment overrides
// =============================================================================

// Config is the root of the runtime's static configuration, loaded from
// a YAML file and then overridden field-by-field from the environment
// the way the teacher's config layer does.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Bulkhead  BulkheadConfig  `yaml:"bulkhead"`
	Cache     CacheConfig     `yaml:"cache"`
	Audit     AuditConfig     `yaml:"audit"`
	Lock      LockConfig      `yaml:"lock"`
	Resources ResourceConfig  `yaml:"resources"`
	Engine    EngineConfig    `yaml:"engine"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Security  SecurityConfig  `yaml:"security"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	Interface        string   `yaml:"interface"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// DatabaseConfig holds the Postgres repository's (C13) connection.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifeSec  int    `yaml:"conn_max_life_sec"`
}

// RedisConfig holds the distributed store's (C14) connection, backing
// the lock service, L2 cache tier and queue dedup set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BulkheadConfig sizes C5's nested concurrency pools.
type BulkheadConfig struct {
	GlobalCapacity     int `yaml:"global_capacity"`
	TenantCapacity     int `yaml:"tenant_capacity"`
	HandlerCapacity    int `yaml:"handler_capacity"`
	// MaxQueued bounds the FIFO wait queue at every nesting level; once a
	// level's queue holds MaxQueued waiters, Acquire rejects synchronously
	// instead of enqueuing. 0 means no waiting at all — a full level
	// rejects immediately, per spec.md's maxConcurrent=1/maxQueued=0
	// scenario. applyDefaults replaces a 0 here with 100, so a config
	// loaded through this package never selects the no-wait mode; it is
	// reached only by passing maxQueued 0 to bulkhead.New directly.
	MaxQueued          int `yaml:"max_queued"`
	QueueTimeoutMs     int `yaml:"queue_timeout_ms"`
}

// CacheConfig sizes C6's two-tier idempotence cache.
type CacheConfig struct {
	L1Capacity       int `yaml:"l1_capacity"`
	L2TTLSec         int `yaml:"l2_ttl_sec"`
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
}

// AuditConfig controls C7's buffer.
type AuditConfig struct {
	Capacity        int `yaml:"capacity"`
	BatchSize       int `yaml:"batch_size"`
	FlushIntervalMs int `yaml:"flush_interval_ms"`
}

// LockConfig bounds C1's default acquisition behavior.
type LockConfig struct {
	DefaultTTLMs    int `yaml:"default_ttl_ms"`
	RetryDelayMs    int `yaml:"retry_delay_ms"`
	AcquireTimeoutMs int `yaml:"acquire_timeout_ms"`
}

// ResourceConfig sets the global default ResourceLimits merged under
// handler- and context-level overrides (spec.md §4.3's MergeLimits).
type ResourceConfig struct {
	MaxMemoryMB        int `yaml:"max_memory_mb"`
	MaxCPUPercent      int `yaml:"max_cpu_percent"`
	TimeoutMs          int `yaml:"timeout_ms"`
	MaxNetworkRequests int `yaml:"max_network_requests"`
	MaxFilesystemOps   int `yaml:"max_filesystem_ops"`
	MaxConcurrentOps   int `yaml:"max_concurrent_ops"`
	MaxPayloadBytes    int `yaml:"max_payload_bytes"`
	MaxRetries         int `yaml:"max_retries"`
	NetworkCallTimeout int `yaml:"network_call_timeout_ms"`
}

// EngineConfig controls C8's retry loop defaults.
type EngineConfig struct {
	DefaultBackoffMs         int     `yaml:"default_backoff_ms"`
	DefaultBackoffMultiplier float64 `yaml:"default_backoff_multiplier"`
	DefaultMaxBackoffMs      int     `yaml:"default_max_backoff_ms"`
	WorkerCount              int     `yaml:"worker_count"`
	GracefulShutdownMs       int     `yaml:"graceful_shutdown_ms"`
}

// WebhookConfig controls C10's dispatcher.
type WebhookConfig struct {
	WorkerCount    int    `yaml:"worker_count"`
	SigningSecret  string `yaml:"signing_secret"`
	TimestampSkewS int    `yaml:"timestamp_skew_sec"`
}

// RateLimitConfig controls the per-tenant token-bucket limiter at the
// HTTP API surface (C12).
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// SecurityConfig controls API key hashing and webhook signing secrets.
type SecurityConfig struct {
	APIKeyBcryptCost   int               `yaml:"api_key_bcrypt_cost"`
	HMACSecret         string            `yaml:"hmac_secret"`
	TenantAPIKeyHashes map[string]string `yaml:"tenant_api_key_hashes"`
}

// SandboxConfig controls the C15 sandbox enforcement hook: whether
// sandboxed handlers isolate in a container, and via which runtime.
type SandboxConfig struct {
	Enabled             bool   `yaml:"enabled"`
	RuntimeBinary       string `yaml:"runtime_binary"`
	Image               string `yaml:"image"`
	TeardownTimeoutSec  int    `yaml:"teardown_timeout_sec"`
	SpiffeSocketPath    string `yaml:"spiffe_socket_path"`
	SpiffeTrustDomain   string `yaml:"spiffe_trust_domain"`
}

// =============================================================================
// Singleton pattern with environment overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton config instance, loading it on
// first call. Prefer passing *Config explicitly to constructors at the
// composition root (cmd/server/main.go); Get exists for code paths (like
// package-level test helpers) that have no access to that root.
func Get() *Config {
	once.Do(func() {
		_ = godotenv.Load()
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("COGNIGATE_ENV", c.Server.Env)
	c.Server.Interface = getEnv("COGNIGATE_INTERFACE", c.Server.Interface)
	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	c.Database.DSN = getEnv("DATABASE_DSN", c.Database.DSN)
	if v := getEnvInt("DATABASE_MAX_OPEN_CONNS", 0); v > 0 {
		c.Database.MaxOpenConns = v
	}
	if v := getEnvInt("DATABASE_MAX_IDLE_CONNS", 0); v > 0 {
		c.Database.MaxIdleConns = v
	}

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	if v := getEnvInt("REDIS_DB", -1); v >= 0 {
		c.Redis.DB = v
	}

	if v := getEnvInt("BULKHEAD_GLOBAL_CAPACITY", 0); v > 0 {
		c.Bulkhead.GlobalCapacity = v
	}
	if v := getEnvInt("BULKHEAD_TENANT_CAPACITY", 0); v > 0 {
		c.Bulkhead.TenantCapacity = v
	}
	if v := getEnvInt("BULKHEAD_HANDLER_CAPACITY", 0); v > 0 {
		c.Bulkhead.HandlerCapacity = v
	}
	if v := getEnvInt("BULKHEAD_MAX_QUEUED", -1); v >= 0 {
		c.Bulkhead.MaxQueued = v
	}

	if v := getEnvInt("CACHE_L1_CAPACITY", 0); v > 0 {
		c.Cache.L1Capacity = v
	}
	if v := getEnvInt("CACHE_L2_TTL_SEC", 0); v > 0 {
		c.Cache.L2TTLSec = v
	}

	if v := getEnvInt("AUDIT_CAPACITY", 0); v > 0 {
		c.Audit.Capacity = v
	}
	if v := getEnvInt("AUDIT_BATCH_SIZE", 0); v > 0 {
		c.Audit.BatchSize = v
	}

	if v := getEnvInt("ENGINE_WORKER_COUNT", 0); v > 0 {
		c.Engine.WorkerCount = v
	}

	if v := getEnvInt("WEBHOOK_WORKERS", 0); v > 0 {
		c.Webhook.WorkerCount = v
	}
	c.Webhook.SigningSecret = getEnv("COGNIGATE_WEBHOOK_SECRET", c.Webhook.SigningSecret)

	if v := getEnvFloat("RATE_LIMIT_RPS", 0); v > 0 {
		c.RateLimit.RequestsPerSecond = v
	}
	if v := getEnvInt("RATE_LIMIT_BURST", 0); v > 0 {
		c.RateLimit.Burst = v
	}

	c.Security.HMACSecret = getEnv("COGNIGATE_HMAC_SECRET", c.Security.HMACSecret)
	if pairs := getEnv("COGNIGATE_TENANT_API_KEY_HASHES", ""); pairs != "" {
		c.Security.TenantAPIKeyHashes = splitTenantKeyPairs(pairs)
	}

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}

	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifeSec == 0 {
		c.Database.ConnMaxLifeSec = 300
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}

	if c.Bulkhead.GlobalCapacity == 0 {
		c.Bulkhead.GlobalCapacity = 500
	}
	if c.Bulkhead.TenantCapacity == 0 {
		c.Bulkhead.TenantCapacity = 50
	}
	if c.Bulkhead.HandlerCapacity == 0 {
		c.Bulkhead.HandlerCapacity = 20
	}
	if c.Bulkhead.MaxQueued == 0 {
		c.Bulkhead.MaxQueued = 100
	}
	if c.Bulkhead.QueueTimeoutMs == 0 {
		c.Bulkhead.QueueTimeoutMs = 5000
	}

	if c.Cache.L1Capacity == 0 {
		c.Cache.L1Capacity = 5000
	}
	if c.Cache.L2TTLSec == 0 {
		c.Cache.L2TTLSec = 300
	}
	if c.Cache.SweepIntervalSec == 0 {
		c.Cache.SweepIntervalSec = 60
	}

	if c.Audit.Capacity == 0 {
		c.Audit.Capacity = 10000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushIntervalMs == 0 {
		c.Audit.FlushIntervalMs = 2000
	}

	if c.Lock.DefaultTTLMs == 0 {
		c.Lock.DefaultTTLMs = 10000
	}
	if c.Lock.RetryDelayMs == 0 {
		c.Lock.RetryDelayMs = 50
	}
	if c.Lock.AcquireTimeoutMs == 0 {
		c.Lock.AcquireTimeoutMs = 5000
	}

	if c.Resources.MaxMemoryMB == 0 {
		c.Resources.MaxMemoryMB = 512
	}
	if c.Resources.MaxCPUPercent == 0 {
		c.Resources.MaxCPUPercent = 100
	}
	if c.Resources.TimeoutMs == 0 {
		c.Resources.TimeoutMs = 30000
	}
	if c.Resources.MaxNetworkRequests == 0 {
		c.Resources.MaxNetworkRequests = 100
	}
	if c.Resources.MaxFilesystemOps == 0 {
		c.Resources.MaxFilesystemOps = 100
	}
	if c.Resources.MaxConcurrentOps == 0 {
		c.Resources.MaxConcurrentOps = 10
	}
	if c.Resources.MaxPayloadBytes == 0 {
		c.Resources.MaxPayloadBytes = 10 << 20
	}
	if c.Resources.MaxRetries == 0 {
		c.Resources.MaxRetries = 3
	}
	if c.Resources.NetworkCallTimeout == 0 {
		c.Resources.NetworkCallTimeout = 5000
	}

	if c.Engine.DefaultBackoffMs == 0 {
		c.Engine.DefaultBackoffMs = 100
	}
	if c.Engine.DefaultBackoffMultiplier == 0 {
		c.Engine.DefaultBackoffMultiplier = 2.0
	}
	if c.Engine.DefaultMaxBackoffMs == 0 {
		c.Engine.DefaultMaxBackoffMs = 30000
	}
	if c.Engine.WorkerCount == 0 {
		c.Engine.WorkerCount = 8
	}
	if c.Engine.GracefulShutdownMs == 0 {
		c.Engine.GracefulShutdownMs = 30000
	}

	if c.Webhook.WorkerCount == 0 {
		c.Webhook.WorkerCount = 4
	}
	if c.Webhook.TimestampSkewS == 0 {
		c.Webhook.TimestampSkewS = 300
	}

	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 50
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 100
	}

	if c.Security.APIKeyBcryptCost == 0 {
		c.Security.APIKeyBcryptCost = 12
	}
}

// =============================================================================
// Helper functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// splitTenantKeyPairs parses "tenant:bcryptHash,tenant2:bcryptHash2" into a
// map, the same shape splitCSV's callers use for list-valued env vars,
// extended with the colon split a keyed map needs.
func splitTenantKeyPairs(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range splitCSV(s) {
		tenant, hash, ok := strings.Cut(pair, ":")
		if !ok || tenant == "" || hash == "" {
			continue
		}
		out[strings.TrimSpace(tenant)] = strings.TrimSpace(hash)
	}
	return out
}

// =============================================================================
// Convenience methods
// =============================================================================

func (c *Config) IsProduction() bool  { return c.Server.Env == "production" }
func (c *Config) IsDevelopment() bool { return c.Server.Env == "development" }

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}
