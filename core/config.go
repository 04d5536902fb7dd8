package core

import "time"

type Config struct {
	// Public base URL of this service, used to build re-authentication links
	APIEndpoint string `yaml:"api_endpoint"`

	JWT      JWTConfig      `yaml:"jwt"`
	Crypto   CryptoConfig   `yaml:"crypto"`
	Resolver ResolverConfig `yaml:"resolver"`

	// Requests per minute allowed per client IP, 0 disables throttling
	RateLimitRPM int `yaml:"rate_limit_rpm"`
}

type JWTConfig struct {
	Secret        string        `yaml:"secret"`         // HS256 key shared with the issuer of caller tokens
	StateDuration time.Duration `yaml:"state_duration"` // Lifetime of the signed OAuth state
}

type CryptoConfig struct {
	EncryptionKey string `yaml:"encryption_key"` // Empty disables sealing tokens at rest
}

type ResolverConfig struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	BaseBackoff        time.Duration `yaml:"base_backoff"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`
	ResolveTimeout     time.Duration `yaml:"resolve_timeout"`
	ValidationInterval time.Duration `yaml:"validation_interval"` // Skip the probe when validated this recently
}

const (
	DefaultMaxAttempts    = 3
	DefaultBaseBackoff    = 200 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
	DefaultResolveTimeout = 30 * time.Second
	DefaultStateDuration  = 10 * time.Minute
)

// withDefaults fills zero values.
func (c ResolverConfig) withDefaults() ResolverConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = DefaultResolveTimeout
	}
	return c
}

func (c JWTConfig) stateDuration() time.Duration {
	if c.StateDuration <= 0 {
		return DefaultStateDuration
	}
	return c.StateDuration
}
