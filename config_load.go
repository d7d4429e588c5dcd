package surrealnet

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML form of a Config.
//
//	endpoint: localhost:8000
//	namespace: test
//	database: test
//	username: root
//	password: root
//	rate_limit:
//	  enabled: true
//	  requests_per_second: 50
//	  burst: 100
type FileConfig struct {
	Endpoint       string          `yaml:"endpoint"`
	Namespace      string          `yaml:"namespace"`
	Database       string          `yaml:"database"`
	Username       string          `yaml:"username"`
	Password       string          `yaml:"password"`
	Token          string          `yaml:"token"`
	RPCScheme      string          `yaml:"rpc_scheme"`
	RESTScheme     string          `yaml:"rest_scheme"`
	Insecure       bool            `yaml:"insecure"`
	RequestTimeout time.Duration   `yaml:"request_timeout"`
	PingInterval   time.Duration   `yaml:"ping_interval"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	CircuitBreaker BreakerConfig   `yaml:"circuit_breaker"`
	Logger         LoggerConfig    `yaml:"logger"`
	Tracer         TracerConfig    `yaml:"tracer"`
}

// DefaultFileConfig returns the defaults applied before a file is read.
func DefaultFileConfig() *FileConfig {
	return &FileConfig{
		RPCScheme:      "ws",
		RESTScheme:     "http",
		RequestTimeout: DefaultRequestTimeout,
		PingInterval:   DefaultPingInterval,
		RateLimit:      NoRateLimit(),
		Logger:         LoggerConfig{Level: "warn", Format: "text", Output: "stderr"},
		Tracer:         TracerConfig{Exporter: "noop"},
	}
}

// Builder returns a ConfigBuilder holding the file's settings.
func (f *FileConfig) Builder() *ConfigBuilder {
	b := NewConfigBuilder()
	if f.RPCScheme != "" {
		b.RPCScheme(f.RPCScheme)
	}
	if f.RESTScheme != "" {
		b.RESTScheme(f.RESTScheme)
	}
	return b.Endpoint(f.Endpoint).
		Namespace(f.Namespace).
		Database(f.Database).
		Basic(f.Username, f.Password).
		Token(f.Token).
		Insecure(f.Insecure).
		RequestTimeout(f.RequestTimeout).
		PingInterval(f.PingInterval).
		RateLimit(f.RateLimit).
		CircuitBreaker(f.CircuitBreaker).
		Logger(f.Logger).
		Tracer(f.Tracer)
}

// LoadConfig reads a YAML config file, applies SURREAL_* env var overrides
// and builds the result. A missing file yields the defaults plus overrides.
func LoadConfig(path string) (Config, error) {
	fc := DefaultFileConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, fc); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	ApplyEnvOverrides(fc)
	return fc.Builder().Build()
}

// ApplyEnvOverrides maps SURREAL_* env vars to config fields.
func ApplyEnvOverrides(fc *FileConfig) {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	str("SURREAL_ENDPOINT", &fc.Endpoint)
	str("SURREAL_NAMESPACE", &fc.Namespace)
	str("SURREAL_DATABASE", &fc.Database)
	str("SURREAL_USER", &fc.Username)
	str("SURREAL_PASS", &fc.Password)
	str("SURREAL_TOKEN", &fc.Token)
	str("SURREAL_RPC_SCHEME", &fc.RPCScheme)
	str("SURREAL_REST_SCHEME", &fc.RESTScheme)
	str("SURREAL_LOGGER_LEVEL", &fc.Logger.Level)
	str("SURREAL_LOGGER_FORMAT", &fc.Logger.Format)
	str("SURREAL_TRACER_EXPORTER", &fc.Tracer.Exporter)

	if v := os.Getenv("SURREAL_INSECURE"); v != "" {
		fc.Insecure = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("SURREAL_TRACER_ENABLED"); v == "true" {
		fc.Tracer.Enabled = true
	}
	if v := os.Getenv("SURREAL_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			fc.RequestTimeout = d
		}
	}
	if v := os.Getenv("SURREAL_RATE_LIMIT"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
			fc.RateLimit.Enabled = true
			fc.RateLimit.RequestsPerSecond = rate.Limit(n)
			if fc.RateLimit.Burst == 0 {
				fc.RateLimit.Burst = max(1, int(n))
			}
		}
	}
}
