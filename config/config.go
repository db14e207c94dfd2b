// Package config loads process configuration from .env files and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	ListenAddr  string
	UpstreamURL string

	// CacheTTLs maps a namespace (first path segment after /api/) to its TTL.
	CacheTTLs          map[string]time.Duration
	CacheDefaultTTL    time.Duration
	CacheCapacity      int
	CacheSweepInterval time.Duration

	QuotaFreeLimit int
	QuotaWindow    time.Duration

	// UpstreamRPS <= 0 disables upstream throttling.
	UpstreamRPS   float64
	UpstreamBurst int

	StatsRedisAddr     string
	StatsRedisPassword string
	StatsRedisDB       int
	StatsPrefix        string

	// UsageDBPath enables SQLite persistence of quota usage when set.
	UsageDBPath string
	// UsagePruneInterval is how often expired usage records are deleted.
	UsagePruneInterval time.Duration

	// TrustIdentityHeaders honours IdentityHeader and PlanHeader. Enable it
	// only behind a proxy that authenticates callers and sets both headers.
	TrustIdentityHeaders bool
	IdentityHeader       string
	PlanHeader           string
	TrustXForwardedFor   bool
}

// Default values
const (
	defaultListenAddr         = ":8080"
	defaultCacheDefaultTTL    = 5 * time.Minute
	defaultCacheCapacity      = 10_000
	defaultCacheSweepInterval = time.Minute
	defaultQuotaFreeLimit     = 20
	defaultQuotaWindow        = 24 * time.Hour
	defaultUpstreamBurst      = 5
	defaultUsagePruneInterval = time.Hour
	defaultStatsPrefix        = "capsulegate:stats"
	defaultCacheTTLs          = "feed=120s,all=5m,search=5m,trending=5m"
)

// Load reads configuration from .env files and environment variables.
func Load() (*Config, error) {
	// Try loading .env from the first location that has one
	for _, path := range getEnvPaths() {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			break
		}
	}

	ttls, err := ParseTTLs(getEnvString("CACHE_TTLS", defaultCacheTTLs))
	if err != nil {
		return nil, fmt.Errorf("CACHE_TTLS: %w", err)
	}

	cfg := &Config{
		ListenAddr:           getEnvString("LISTEN_ADDR", defaultListenAddr),
		UpstreamURL:          getEnvString("UPSTREAM_URL", ""),
		CacheTTLs:            ttls,
		CacheDefaultTTL:      getEnvDuration("CACHE_DEFAULT_TTL", defaultCacheDefaultTTL),
		CacheCapacity:        getEnvInt("CACHE_CAPACITY", defaultCacheCapacity),
		CacheSweepInterval:   getEnvDuration("CACHE_SWEEP_INTERVAL", defaultCacheSweepInterval),
		QuotaFreeLimit:       getEnvInt("QUOTA_FREE_LIMIT", defaultQuotaFreeLimit),
		QuotaWindow:          getEnvDuration("QUOTA_WINDOW", defaultQuotaWindow),
		UpstreamRPS:          getEnvFloat("UPSTREAM_RPS", 0),
		UpstreamBurst:        getEnvInt("UPSTREAM_BURST", defaultUpstreamBurst),
		StatsRedisAddr:       getEnvString("STATS_REDIS_ADDR", ""),
		StatsRedisPassword:   getEnvString("STATS_REDIS_PASSWORD", ""),
		StatsRedisDB:         getEnvInt("STATS_REDIS_DB", 0),
		StatsPrefix:          getEnvString("STATS_PREFIX", defaultStatsPrefix),
		UsageDBPath:          getEnvString("USAGE_DB_PATH", ""),
		UsagePruneInterval:   getEnvDuration("USAGE_PRUNE_INTERVAL", defaultUsagePruneInterval),
		TrustIdentityHeaders: getEnvBool("TRUST_IDENTITY_HEADERS", false),
		IdentityHeader:       getEnvString("IDENTITY_HEADER", "X-User-ID"),
		PlanHeader:           getEnvString("PLAN_HEADER", "X-User-Plan"),
		TrustXForwardedFor:   getEnvBool("TRUST_X_FORWARDED_FOR", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the gateway cannot run with.
func (c *Config) Validate() error {
	if c.UpstreamURL == "" {
		return fmt.Errorf("UPSTREAM_URL is required")
	}
	if c.QuotaFreeLimit <= 0 {
		return fmt.Errorf("QUOTA_FREE_LIMIT must be positive, got %d", c.QuotaFreeLimit)
	}
	if c.QuotaWindow <= 0 {
		return fmt.Errorf("QUOTA_WINDOW must be positive, got %s", c.QuotaWindow)
	}
	if c.UpstreamRPS > 0 && c.UpstreamBurst < 1 {
		return fmt.Errorf("UPSTREAM_BURST must be at least 1 when UPSTREAM_RPS is set, got %d", c.UpstreamBurst)
	}
	if c.CacheDefaultTTL <= 0 {
		return fmt.Errorf("CACHE_DEFAULT_TTL must be positive, got %s", c.CacheDefaultTTL)
	}
	return nil
}

// Namespaces returns the configured namespaces in a stable order.
func (c *Config) Namespaces() []string {
	out := make([]string, 0, len(c.CacheTTLs))
	for ns := range c.CacheTTLs {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// TTL returns the TTL of a namespace, falling back to CacheDefaultTTL.
func (c *Config) TTL(namespace string) time.Duration {
	if ttl, ok := c.CacheTTLs[namespace]; ok {
		return ttl
	}
	return c.CacheDefaultTTL
}

// ParseTTLs parses "feed=120s,all=5m". Bare integers are seconds.
func ParseTTLs(s string) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid entry %q, want name=duration", part)
		}
		ttl, err := parseDuration(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid duration for %q: %w", name, err)
		}
		if ttl <= 0 {
			return nil, fmt.Errorf("ttl for %q must be positive", name)
		}
		out[name] = ttl
	}
	return out, nil
}

// getEnvPaths returns a list of paths to check for .env files.
func getEnvPaths() []string {
	var paths []string

	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "capsulegate", ".env"))
	}
	return paths
}

// getEnvString retrieves a string environment variable or returns the default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable or returns the default.
// Accepts values like "30s", "1m", "500ms" or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := parseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseDuration(value string) (time.Duration, error) {
	if d, err := time.ParseDuration(value); err == nil {
		return d, nil
	}
	secs, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return time.Duration(secs) * time.Second, nil
}
