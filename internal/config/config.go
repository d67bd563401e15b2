package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/skipchain/internal/cosi"
	"github.com/kjstillabower/skipchain/internal/validation"
)

// MemoryDB selects an in-memory block store instead of a leveldb directory.
const MemoryDB = ":memory:"

var ErrNoSeed = errors.New("CONODE_SEED required (set env, conode.seed or config/secrets.yaml conode_seed)")

// Config holds conode and client configuration loaded from YAML and env.
type Config struct {
	ServerPort string
	// Address is the host:port other conodes and clients reach this conode at.
	Address string
	Seed    string
	DBPath  string
	Version string

	RequestTimeout time.Duration
	SocketTimeout  time.Duration
	SessionTTL     time.Duration

	CacheTTL     time.Duration
	CacheBackend string // "in_memory" or "memcached"

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RetryAttempts           int
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration
	BreakerFailureThreshold int
	BreakerTimeout          time.Duration
	RateLimitRPS            int
	RateLimitBurst          int

	ShutdownTimeout time.Duration

	OverloadWindow       time.Duration
	OverloadThresholdPct int
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	DegradedRetryInitial time.Duration
	DegradedRetryMax     time.Duration
}

type fileConfig struct {
	Server struct {
		Port    string `yaml:"port"`
		Address string `yaml:"address"`
	} `yaml:"server"`

	Conode struct {
		Seed       string `yaml:"seed"`
		SessionTTL string `yaml:"cosi_session_ttl"`
		Version    string `yaml:"version"`
	} `yaml:"conode"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Network struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"network"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts        int    `yaml:"retry_max_attempts"`
		RetryBaseDelay          string `yaml:"retry_base_delay"`
		RetryMaxDelay           string `yaml:"retry_max_delay"`
		BreakerFailureThreshold int    `yaml:"breaker_failure_threshold"`
		BreakerTimeout          string `yaml:"breaker_timeout"`
		RateLimitRPS            int    `yaml:"rate_limit_rps"`
		RateLimitBurst          int    `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
		DegradedRetryInitial string `yaml:"degraded_retry_initial"`
		DegradedRetryMax     string `yaml:"degraded_retry_max"`
	} `yaml:"lifecycle"`
}

type secretsFile struct {
	ConodeSeed string `yaml:"conode_seed"`
}

// Load reads the file named by CONODE_CONFIG, or config/{ENV_NAME}.yaml
// (default dev) relative to the working directory, then applies env
// overrides.
func Load() (*Config, error) {
	path := os.Getenv("CONODE_CONFIG")
	if path == "" {
		env := os.Getenv("ENV_NAME")
		if env == "" {
			env = "dev"
		}
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("config: get working directory: %w", err)
		}
		path = filepath.Join(cwd, "config", env+".yaml")
	}
	return LoadFile(path)
}

// LoadFile reads configuration from path. The seed may also come from
// secrets.yaml next to it.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}
	cfg.ServerPort = firstNonEmpty(os.Getenv("CONODE_PORT"), fc.Server.Port, "7770")
	cfg.Address = strings.TrimSpace(fc.Server.Address)
	if cfg.Address == "" {
		cfg.Address = net.JoinHostPort("127.0.0.1", cfg.ServerPort)
	}

	cfg.Seed = firstNonEmpty(os.Getenv("CONODE_SEED"), fc.Conode.Seed)
	if cfg.Seed == "" {
		secretsPath := filepath.Join(filepath.Dir(path), "secrets.yaml")
		secretsData, err := os.ReadFile(secretsPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read secrets file: %w", err)
			}
		} else {
			var sec secretsFile
			if err := yaml.Unmarshal(secretsData, &sec); err != nil {
				return nil, fmt.Errorf("parse secrets file: %w", err)
			}
			cfg.Seed = strings.TrimSpace(sec.ConodeSeed)
		}
	}
	cfg.SessionTTL = parseDuration(fc.Conode.SessionTTL, time.Minute)
	cfg.Version = firstNonEmpty(fc.Conode.Version, "dev")
	cfg.DBPath = firstNonEmpty(os.Getenv("CONODE_DB_PATH"), fc.Storage.Path, filepath.Join("data", "conode-"+cfg.ServerPort+".db"))

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 30*time.Second)
	cfg.SocketTimeout = parseDurationOrZero(fc.Network.Timeout, 10*time.Second)

	cfg.CacheTTL = parseDuration(fc.Cache.TTL, time.Hour)
	cfg.CacheBackend = strings.ToLower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, "in_memory"))
	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 2
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.BreakerFailureThreshold = fc.Reliability.BreakerFailureThreshold
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = 5
	}
	cfg.BreakerTimeout = parseDuration(fc.Reliability.BreakerTimeout, 30*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 200
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 400
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Lifecycle.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}
	cfg.DegradedRetryInitial = parseDuration(fc.Lifecycle.DegradedRetryInitial, time.Minute)
	cfg.DegradedRetryMax = parseDuration(fc.Lifecycle.DegradedRetryMax, 20*time.Minute)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// KeyPair derives the conode key from the hex seed.
func (c *Config) KeyPair() (*cosi.KeyPair, error) {
	if c.Seed == "" {
		return nil, ErrNoSeed
	}
	seed, err := validation.ValidateHexID(c.Seed, cosi.SeedSize)
	if err != nil {
		return nil, fmt.Errorf("conode seed: %w", err)
	}
	return cosi.KeyPairFromSeed(seed)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate checks values Load cannot default. RequestTimeout is raised above
// SocketTimeout so a conode can finish a CoSi round before its own request
// expires.
func validate(cfg *Config) error {
	port, err := strconv.Atoi(cfg.ServerPort)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("server.port must be a TCP port, got %q", cfg.ServerPort)
	}
	if _, _, err := net.SplitHostPort(cfg.Address); err != nil {
		return fmt.Errorf("server.address must be host:port, got %q", cfg.Address)
	}
	if cfg.SocketTimeout <= 0 {
		return fmt.Errorf("network.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.SocketTimeout {
		cfg.RequestTimeout = cfg.SocketTimeout + time.Second
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
		// valid
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	return nil
}
