// Package config resolves the gateway configuration from the environment,
// with an optional YAML overlay for deployments that prefer files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Environment names recognized by the gateway. They control log formatting
// and the availability of debug endpoints.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// TrustMode describes how much of the forwarding chain the gateway believes.
type TrustMode int

const (
	TrustNone TrustMode = iota
	TrustHops
	TrustAll
)

// ProxyTrust pairs a trust mode with the hop count used by TrustHops.
type ProxyTrust struct {
	Mode TrustMode
	Hops int
}

func (p ProxyTrust) String() string {
	switch p.Mode {
	case TrustAll:
		return "true"
	case TrustHops:
		return strconv.Itoa(p.Hops)
	default:
		return "false"
	}
}

// ParseProxyTrust accepts "true", "false", or a positive integer hop count.
// Anything else is a configuration error, not a silent fallback.
func ParseProxyTrust(s string) (ProxyTrust, error) {
	switch s {
	case "", "false":
		return ProxyTrust{Mode: TrustNone}, nil
	case "true":
		return ProxyTrust{Mode: TrustAll}, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return ProxyTrust{}, fmt.Errorf("invalid trust_proxy value %q: want true, false, or a positive integer", s)
	}
	return ProxyTrust{Mode: TrustHops, Hops: n}, nil
}

// Config holds every runtime knob the gateway recognizes.
type Config struct {
	ListenAddr string

	Capacity   int64
	RefillRate int64 // tokens per second
	Cost       int64
	KeyPrefix  string

	StoreURL     string
	StoreTimeout time.Duration

	TrustProxy ProxyTrust

	BanThreshold    int
	ViolationWindow time.Duration
	BanDuration     time.Duration

	LatencyHistorySize int

	Environment string
}

// fileConfig mirrors Config for the YAML overlay, using plain units
// (milliseconds, raw trust string) so files stay editable by hand.
type fileConfig struct {
	ListenAddr         string `yaml:"listen_addr"`
	Capacity           int64  `yaml:"capacity"`
	RefillRate         int64  `yaml:"refill_rate"`
	Cost               int64  `yaml:"cost"`
	KeyPrefix          string `yaml:"key_prefix"`
	StoreURL           string `yaml:"store_url"`
	StoreTimeoutMs     int64  `yaml:"store_timeout_ms"`
	TrustProxy         string `yaml:"trust_proxy"`
	BanThreshold       int    `yaml:"ban_threshold"`
	ViolationWindowMs  int64  `yaml:"violation_window_ms"`
	BanDurationMs      int64  `yaml:"ban_duration_ms"`
	LatencyHistorySize int    `yaml:"latency_history_size"`
	Environment        string `yaml:"environment"`
}

// Defaults returns the documented default configuration.
func Defaults() Config {
	return Config{
		ListenAddr:         ":8080",
		Capacity:           100,
		RefillRate:         1,
		Cost:               1,
		KeyPrefix:          "shield:",
		StoreTimeout:       2 * time.Second,
		TrustProxy:         ProxyTrust{Mode: TrustNone},
		BanThreshold:       10,
		ViolationWindow:    60 * time.Second,
		BanDuration:        600 * time.Second,
		LatencyHistorySize: 1000,
		Environment:        EnvDevelopment,
	}
}

// Load builds the effective configuration: defaults, then the optional YAML
// file named by SHIELD_CONFIG, then environment variables on top.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("SHIELD_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	var fc fileConfig
	if err := yaml.NewDecoder(f).Decode(&fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.ListenAddr != "" {
		c.ListenAddr = fc.ListenAddr
	}
	if fc.Capacity != 0 {
		c.Capacity = fc.Capacity
	}
	if fc.RefillRate != 0 {
		c.RefillRate = fc.RefillRate
	}
	if fc.Cost != 0 {
		c.Cost = fc.Cost
	}
	if fc.KeyPrefix != "" {
		c.KeyPrefix = fc.KeyPrefix
	}
	if fc.StoreURL != "" {
		c.StoreURL = fc.StoreURL
	}
	if fc.StoreTimeoutMs != 0 {
		c.StoreTimeout = time.Duration(fc.StoreTimeoutMs) * time.Millisecond
	}
	if fc.TrustProxy != "" {
		tp, err := ParseProxyTrust(fc.TrustProxy)
		if err != nil {
			return err
		}
		c.TrustProxy = tp
	}
	if fc.BanThreshold != 0 {
		c.BanThreshold = fc.BanThreshold
	}
	if fc.ViolationWindowMs != 0 {
		c.ViolationWindow = time.Duration(fc.ViolationWindowMs) * time.Millisecond
	}
	if fc.BanDurationMs != 0 {
		c.BanDuration = time.Duration(fc.BanDurationMs) * time.Millisecond
	}
	if fc.LatencyHistorySize != 0 {
		c.LatencyHistorySize = fc.LatencyHistorySize
	}
	if fc.Environment != "" {
		c.Environment = fc.Environment
	}
	return nil
}

func (c *Config) applyEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		c.ListenAddr = ":" + port
	}
	if v := os.Getenv("SHIELD_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("SHIELD_STORE_URL"); v != "" {
		c.StoreURL = v
	}
	if v := os.Getenv("SHIELD_KEY_PREFIX"); v != "" {
		c.KeyPrefix = v
	}
	if v := os.Getenv("SHIELD_ENV"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("SHIELD_TRUST_PROXY"); v != "" {
		tp, err := ParseProxyTrust(v)
		if err != nil {
			return err
		}
		c.TrustProxy = tp
	}

	var err error
	if c.Capacity, err = envInt64("SHIELD_CAPACITY", c.Capacity); err != nil {
		return err
	}
	if c.RefillRate, err = envInt64("SHIELD_REFILL_RATE", c.RefillRate); err != nil {
		return err
	}
	if c.Cost, err = envInt64("SHIELD_COST", c.Cost); err != nil {
		return err
	}
	if c.StoreTimeout, err = envMs("SHIELD_STORE_TIMEOUT_MS", c.StoreTimeout); err != nil {
		return err
	}
	if c.ViolationWindow, err = envMs("SHIELD_VIOLATION_WINDOW_MS", c.ViolationWindow); err != nil {
		return err
	}
	if c.BanDuration, err = envMs("SHIELD_BAN_DURATION_MS", c.BanDuration); err != nil {
		return err
	}

	var n int64
	if n, err = envInt64("SHIELD_BAN_THRESHOLD", int64(c.BanThreshold)); err != nil {
		return err
	}
	c.BanThreshold = int(n)
	if n, err = envInt64("SHIELD_LATENCY_HISTORY_SIZE", int64(c.LatencyHistorySize)); err != nil {
		return err
	}
	c.LatencyHistorySize = int(n)
	return nil
}

func envInt64(name string, def int64) (int64, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", name, v, err)
	}
	return n, nil
}

func envMs(name string, def time.Duration) (time.Duration, error) {
	n, err := envInt64(name, int64(def/time.Millisecond))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}

// Validate rejects every configuration that must never reach runtime.
func (c Config) Validate() error {
	if c.StoreURL == "" {
		return fmt.Errorf("store_url is required (set SHIELD_STORE_URL)")
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be a positive integer, got %d", c.Capacity)
	}
	if c.RefillRate <= 0 {
		return fmt.Errorf("refill_rate must be a positive integer, got %d", c.RefillRate)
	}
	if c.Cost <= 0 {
		return fmt.Errorf("cost must be a positive integer, got %d", c.Cost)
	}
	if c.Capacity < c.Cost {
		return fmt.Errorf("capacity (%d) must be >= cost (%d)", c.Capacity, c.Cost)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store_timeout_ms must be positive")
	}
	if c.BanThreshold <= 0 {
		return fmt.Errorf("ban_threshold must be positive, got %d", c.BanThreshold)
	}
	if c.ViolationWindow <= 0 || c.BanDuration <= 0 {
		return fmt.Errorf("violation_window_ms and ban_duration_ms must be positive")
	}
	if c.LatencyHistorySize <= 0 {
		return fmt.Errorf("latency_history_size must be positive, got %d", c.LatencyHistorySize)
	}
	if c.Environment != EnvDevelopment && c.Environment != EnvProduction {
		return fmt.Errorf("environment must be %q or %q, got %q", EnvDevelopment, EnvProduction, c.Environment)
	}
	return nil
}

// IsDevelopment reports whether debug surfaces should be enabled.
func (c Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}
