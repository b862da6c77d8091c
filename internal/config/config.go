// Package config defines the gateway configuration file format: YAML
// with environment variable substitution, validated and normalized on
// load, with a file watcher for hot-reloadable fields.
package config

import (
	"fmt"
	"time"
)

// Config is the root gateway configuration.
type Config struct {
	Pool          PoolConfig          `json:"pool" yaml:"pool"`
	Session       SessionConfig       `json:"session" yaml:"session"`
	Fairness      FairnessConfig      `json:"fairness" yaml:"fairness"`
	Admission     AdmissionConfig     `json:"admission" yaml:"admission"`
	Breaker       BreakerConfig       `json:"breaker" yaml:"breaker"`
	Retry         RetryConfig         `json:"retry" yaml:"retry"`
	Gateway       GatewayConfig       `json:"gateway" yaml:"gateway"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
	Admin         AdminConfig         `json:"admin" yaml:"admin"`
}

// PoolConfig configures the warehouse connection pool. Pool sizing is
// immutable after start; changing it requires a restart.
type PoolConfig struct {
	MinSize             int      `json:"minSize" yaml:"minSize"`
	MaxSize             int      `json:"maxSize" yaml:"maxSize"`
	AcquireTimeout      Duration `json:"acquireTimeout" yaml:"acquireTimeout"`
	WaitQueue           bool     `json:"waitQueue" yaml:"waitQueue"`
	IdleRetireAge       Duration `json:"idleRetireAge" yaml:"idleRetireAge"`
	HealthCheckInterval Duration `json:"healthCheckInterval" yaml:"healthCheckInterval"`
	HealthCheckTimeout  Duration `json:"healthCheckTimeout" yaml:"healthCheckTimeout"`
	DialTimeout         Duration `json:"dialTimeout" yaml:"dialTimeout"`
}

// SessionConfig configures session tracking.
type SessionConfig struct {
	IdleTimeout   Duration `json:"idleTimeout" yaml:"idleTimeout"`
	MaxAge        Duration `json:"maxAge" yaml:"maxAge"`
	SweepInterval Duration `json:"sweepInterval" yaml:"sweepInterval"`
	DefaultClass  string   `json:"defaultClass" yaml:"defaultClass"`

	// Classes maps client id prefixes to fairness classes.
	Classes map[string]string `json:"classes" yaml:"classes"`
}

// FairnessConfig configures the fair allocator. Weights are
// hot-reloadable.
type FairnessConfig struct {
	Strategy      string         `json:"strategy" yaml:"strategy"`
	MaxConcurrent int            `json:"maxConcurrent" yaml:"maxConcurrent"`
	MaxWait       Duration       `json:"maxWait" yaml:"maxWait"`
	Weights       map[string]int `json:"weights" yaml:"weights"`
	DefaultWeight int            `json:"defaultWeight" yaml:"defaultWeight"`
}

// AdmissionConfig configures admission control. Rates and quota are
// hot-reloadable.
type AdmissionConfig struct {
	Enabled        bool        `json:"enabled" yaml:"enabled"`
	GlobalRate     float64     `json:"globalRate" yaml:"globalRate"`
	GlobalBurst    int         `json:"globalBurst" yaml:"globalBurst"`
	PerClientRate  float64     `json:"perClientRate" yaml:"perClientRate"`
	PerClientBurst int         `json:"perClientBurst" yaml:"perClientBurst"`
	ClientTTL      Duration    `json:"clientTTL" yaml:"clientTTL"`
	Quota          int64       `json:"quota" yaml:"quota"`
	QuotaWindow    Duration    `json:"quotaWindow" yaml:"quotaWindow"`
	Redis          RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig configures the optional distributed admission store.
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// BreakerConfig configures the backend circuit breaker.
type BreakerConfig struct {
	MaxFailures      int      `json:"maxFailures" yaml:"maxFailures"`
	CoolDown         Duration `json:"coolDown" yaml:"coolDown"`
	MaxCoolDown      Duration `json:"maxCoolDown" yaml:"maxCoolDown"`
	CoolDownFactor   float64  `json:"coolDownFactor" yaml:"coolDownFactor"`
	FailureRatio     float64  `json:"failureRatio" yaml:"failureRatio"`
	MinRequests      int      `json:"minRequests" yaml:"minRequests"`
	SamplingDuration Duration `json:"samplingDuration" yaml:"samplingDuration"`
	HalfOpenMax      int      `json:"halfOpenMax" yaml:"halfOpenMax"`
	SuccessThreshold int      `json:"successThreshold" yaml:"successThreshold"`
}

// RetryConfig configures retry of transient backend failures.
type RetryConfig struct {
	MaxAttempts    int      `json:"maxAttempts" yaml:"maxAttempts"`
	Strategy       string   `json:"strategy" yaml:"strategy"`
	InitialBackoff Duration `json:"initialBackoff" yaml:"initialBackoff"`
	MaxBackoff     Duration `json:"maxBackoff" yaml:"maxBackoff"`
	BackoffFactor  float64  `json:"backoffFactor" yaml:"backoffFactor"`
	Jitter         float64  `json:"jitter" yaml:"jitter"`
}

// GatewayConfig configures the request path itself.
type GatewayConfig struct {
	ExecTimeout  Duration `json:"execTimeout" yaml:"execTimeout"`
	DrainTimeout Duration `json:"drainTimeout" yaml:"drainTimeout"`
}

// ObservabilityConfig configures logging and tracing.
type ObservabilityConfig struct {
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	ServiceName string  `json:"serviceName" yaml:"serviceName"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	SampleRate  float64 `json:"sampleRate" yaml:"sampleRate"`
}

// AdminConfig configures the admin/status HTTP listener.
type AdminConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			MinSize:             2,
			MaxSize:             10,
			AcquireTimeout:      Duration(5 * time.Second),
			WaitQueue:           true,
			IdleRetireAge:       Duration(10 * time.Minute),
			HealthCheckInterval: Duration(30 * time.Second),
			HealthCheckTimeout:  Duration(3 * time.Second),
			DialTimeout:         Duration(10 * time.Second),
		},
		Session: SessionConfig{
			IdleTimeout:   Duration(15 * time.Minute),
			MaxAge:        Duration(12 * time.Hour),
			SweepInterval: Duration(time.Minute),
			DefaultClass:  "default",
		},
		Fairness: FairnessConfig{
			Strategy:      "weighted_fair",
			MaxConcurrent: 10,
			MaxWait:       Duration(10 * time.Second),
			DefaultWeight: 1,
		},
		Admission: AdmissionConfig{
			Enabled:        true,
			GlobalRate:     1000,
			GlobalBurst:    200,
			PerClientRate:  100,
			PerClientBurst: 20,
			ClientTTL:      Duration(10 * time.Minute),
			QuotaWindow:    Duration(time.Minute),
		},
		Breaker: BreakerConfig{
			MaxFailures:      5,
			CoolDown:         Duration(10 * time.Second),
			MaxCoolDown:      Duration(5 * time.Minute),
			CoolDownFactor:   2.0,
			HalfOpenMax:      1,
			SuccessThreshold: 1,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			Strategy:       "exponential",
			InitialBackoff: Duration(100 * time.Millisecond),
			MaxBackoff:     Duration(10 * time.Second),
			BackoffFactor:  2.0,
			Jitter:         0.1,
		},
		Gateway: GatewayConfig{
			ExecTimeout:  Duration(30 * time.Second),
			DrainTimeout: Duration(30 * time.Second),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{Level: "info", Format: "json"},
			Tracing: TracingConfig{ServiceName: "awgw", SampleRate: 1.0},
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":8081",
		},
	}
}

// Validate checks cross-field constraints the component packages cannot
// normalize away on their own.
func (c *Config) Validate() error {
	if c.Pool.MaxSize < 1 {
		return fmt.Errorf("pool.maxSize must be at least 1")
	}
	if c.Pool.MinSize > c.Pool.MaxSize {
		return fmt.Errorf("pool.minSize %d exceeds pool.maxSize %d", c.Pool.MinSize, c.Pool.MaxSize)
	}
	for class, w := range c.Fairness.Weights {
		if w < 1 {
			return fmt.Errorf("fairness.weights[%s] must be at least 1", class)
		}
	}
	if c.Admin.Enabled && c.Admin.Address == "" {
		return fmt.Errorf("admin.address required when admin is enabled")
	}
	return nil
}
