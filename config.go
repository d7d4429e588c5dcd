package surrealnet

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Default connection settings.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultPingInterval   = 54 * time.Second
)

// AuthMode tells how a Config authenticates on Open.
type AuthMode uint8

const (
	AuthBasic AuthMode = iota + 1
	AuthToken
)

// RateLimitConfig defines outbound request throttling for the RPC connection
type RateLimitConfig struct {
	// RequestsPerSecond defines how many requests may be sent per second
	RequestsPerSecond rate.Limit `yaml:"requests_per_second"`
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int `yaml:"burst"`
	// Enabled determines if rate limiting is active
	Enabled bool `yaml:"enabled"`
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 requests per second with burst of 200
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() RateLimitConfig {
	return RateLimitConfig{Enabled: false}
}

// BreakerConfig configures the circuit breaker guarding REST calls.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before going half-open.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the cyclic period of the closed state for clearing counts.
	Interval time.Duration `yaml:"interval"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

// Config holds validated connection parameters. The zero value is not
// usable; a Config is only obtained from ConfigBuilder.Build.
type Config struct {
	endpoint       string
	namespace      string
	database       string
	username       string
	password       string
	token          string
	rpcScheme      string
	restScheme     string
	insecure       bool
	requestTimeout time.Duration
	pingInterval   time.Duration
	rateLimit      RateLimitConfig
	breaker        BreakerConfig
	logger         LoggerConfig
	tracer         TracerConfig
	valid          bool
}

func (c Config) Endpoint() string              { return c.endpoint }
func (c Config) Namespace() string             { return c.namespace }
func (c Config) Database() string              { return c.database }
func (c Config) Username() string              { return c.username }
func (c Config) Password() string              { return c.password }
func (c Config) Token() string                 { return c.token }
func (c Config) Insecure() bool                { return c.insecure }
func (c Config) RequestTimeout() time.Duration { return c.requestTimeout }
func (c Config) PingInterval() time.Duration   { return c.pingInterval }
func (c Config) RateLimit() RateLimitConfig    { return c.rateLimit }
func (c Config) CircuitBreaker() BreakerConfig { return c.breaker }
func (c Config) Logger() LoggerConfig          { return c.logger }
func (c Config) Tracer() TracerConfig          { return c.tracer }

// Valid reports whether c was produced by a successful Build.
func (c Config) Valid() bool { return c.valid }

// AuthMode returns how Open authenticates.
func (c Config) AuthMode() AuthMode {
	if c.token != "" {
		return AuthToken
	}
	return AuthBasic
}

// RPCURL returns the WebSocket RPC endpoint, e.g. ws://localhost:8000/rpc.
func (c Config) RPCURL() string {
	return c.rpcScheme + "://" + c.endpoint + "/rpc"
}

// RESTURL returns the REST base URL, e.g. http://localhost:8000/.
func (c Config) RESTURL() string {
	return c.restScheme + "://" + c.endpoint + "/"
}

// ConfigBuilder assembles a Config.
//
// Example:
//
//	cfg, err := surrealnet.NewConfigBuilder().
//	    Endpoint("localhost:8000").
//	    Namespace("test").
//	    Database("test").
//	    Token(jwt).
//	    Build()
type ConfigBuilder struct {
	cfg Config
}

// NewConfigBuilder returns a builder holding the default settings.
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{cfg: Config{
		rpcScheme:      "ws",
		restScheme:     "http",
		requestTimeout: DefaultRequestTimeout,
		pingInterval:   DefaultPingInterval,
		rateLimit:      NoRateLimit(),
		logger:         LoggerConfig{Level: "warn", Format: "text", Output: "stderr"},
		tracer:         TracerConfig{Exporter: "noop"},
	}}
}

// Endpoint sets host:port. A ws, wss, http or https URL is accepted as well;
// its scheme selects the secure or plain variant of both transports.
func (b *ConfigBuilder) Endpoint(endpoint string) *ConfigBuilder {
	if scheme, rest, ok := strings.Cut(endpoint, "://"); ok {
		switch strings.ToLower(scheme) {
		case "ws", "http":
			b.cfg.rpcScheme, b.cfg.restScheme = "ws", "http"
		case "wss", "https":
			b.cfg.rpcScheme, b.cfg.restScheme = "wss", "https"
		default:
			b.cfg.rpcScheme = scheme
		}
		endpoint = rest
	}
	b.cfg.endpoint = strings.TrimSuffix(strings.TrimSuffix(endpoint, "/"), "/rpc")
	return b
}

func (b *ConfigBuilder) Namespace(ns string) *ConfigBuilder {
	b.cfg.namespace = ns
	return b
}

func (b *ConfigBuilder) Database(db string) *ConfigBuilder {
	b.cfg.database = db
	return b
}

// Basic sets username/password credentials.
func (b *ConfigBuilder) Basic(username, password string) *ConfigBuilder {
	b.cfg.username, b.cfg.password = username, password
	return b
}

// Token sets a bearer token.
func (b *ConfigBuilder) Token(token string) *ConfigBuilder {
	b.cfg.token = token
	return b
}

// RPCScheme overrides the RPC scheme (ws or wss).
func (b *ConfigBuilder) RPCScheme(scheme string) *ConfigBuilder {
	b.cfg.rpcScheme = strings.ToLower(scheme)
	return b
}

// RESTScheme overrides the REST scheme (http or https).
func (b *ConfigBuilder) RESTScheme(scheme string) *ConfigBuilder {
	b.cfg.restScheme = strings.ToLower(scheme)
	return b
}

// Insecure disables TLS certificate verification.
func (b *ConfigBuilder) Insecure(insecure bool) *ConfigBuilder {
	b.cfg.insecure = insecure
	return b
}

func (b *ConfigBuilder) RequestTimeout(d time.Duration) *ConfigBuilder {
	b.cfg.requestTimeout = d
	return b
}

func (b *ConfigBuilder) PingInterval(d time.Duration) *ConfigBuilder {
	b.cfg.pingInterval = d
	return b
}

func (b *ConfigBuilder) RateLimit(rl RateLimitConfig) *ConfigBuilder {
	b.cfg.rateLimit = rl
	return b
}

func (b *ConfigBuilder) CircuitBreaker(cb BreakerConfig) *ConfigBuilder {
	b.cfg.breaker = cb
	return b
}

func (b *ConfigBuilder) Logger(l LoggerConfig) *ConfigBuilder {
	b.cfg.logger = l
	return b
}

func (b *ConfigBuilder) Tracer(t TracerConfig) *ConfigBuilder {
	b.cfg.tracer = t
	return b
}

// Build validates the settings and returns an immutable Config. All
// validation failures are reported together and match ErrConfig.
func (b *ConfigBuilder) Build() (Config, error) {
	c := b.cfg
	var errs []error
	fail := func(msg string) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrConfig, msg))
	}

	if c.endpoint == "" {
		fail(ErrMsgMissingEndpoint)
	} else if u, err := url.Parse("ws://" + c.endpoint); err != nil || u.Host == "" || u.Path != "" {
		fail(fmt.Sprintf("invalid endpoint %q", c.endpoint))
	}
	if c.namespace == "" {
		fail(ErrMsgMissingNamespace)
	}
	if c.database == "" {
		fail(ErrMsgMissingDatabase)
	}

	hasBasic := c.username != "" || c.password != ""
	switch {
	case hasBasic && c.token != "":
		fail(ErrMsgConflictingAuth)
	case !hasBasic && c.token == "":
		fail(ErrMsgMissingAuth)
	case hasBasic && c.username == "":
		fail("username is required")
	}

	if c.rpcScheme != "ws" && c.rpcScheme != "wss" {
		fail(fmt.Sprintf("%s %q for rpc", ErrMsgInvalidScheme, c.rpcScheme))
	}
	if c.restScheme != "http" && c.restScheme != "https" {
		fail(fmt.Sprintf("%s %q for rest", ErrMsgInvalidScheme, c.restScheme))
	}
	if c.requestTimeout < 0 {
		fail("request timeout must not be negative")
	}
	if c.pingInterval < 0 {
		fail("ping interval must not be negative")
	}
	if c.rateLimit.Enabled && (c.rateLimit.RequestsPerSecond <= 0 || c.rateLimit.Burst <= 0) {
		fail("rate limit needs positive requests_per_second and burst")
	}

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	c.valid = true
	return c, nil
}
