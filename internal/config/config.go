package config

import (
	"fmt"
	"time"
)

// Config is an immutable snapshot of the agent configuration. A reload
// always produces a new value; nothing mutates a published snapshot.
type Config struct {
	Account  Account  `toml:"account" yaml:"account"`
	Zone     Zone     `toml:"zone" yaml:"zone"`
	HTTP     HTTP     `toml:"http" yaml:"http"`
	Retry    Retry    `toml:"retry" yaml:"retry"`
	Refresh  Refresh  `toml:"refresh" yaml:"refresh"`
	Resolver Resolver `toml:"resolver" yaml:"resolver"`
}

// Account holds the provider credentials. Exactly one of APIToken and
// AuthKey must be set.
type Account struct {
	Email    string `toml:"email" yaml:"email" validate:"required,email"`
	APIToken string `toml:"api-token" yaml:"api-token" validate:"required_without=AuthKey,excluded_with=AuthKey,omitempty,apitoken"`
	AuthKey  string `toml:"auth-key" yaml:"auth-key" validate:"required_without=APIToken,omitempty,apitoken"`
}

// Zone identifies the managed record.
type Zone struct {
	ID      string `toml:"id" yaml:"id" validate:"required,zoneid"`
	Record  string `toml:"record" yaml:"record" validate:"required,hostname_rfc1123"`
	Proxied bool   `toml:"proxied" yaml:"proxied"`
}

// HTTP tunes the provider client.
type HTTP struct {
	Timeout        Duration `toml:"timeout" yaml:"timeout" validate:"gt=0"`
	MaxIdlePerHost int      `toml:"max-idle-per-host" yaml:"max-idle-per-host" validate:"gte=0"`
	RateLimit      float64  `toml:"rate-limit" yaml:"rate-limit" validate:"gte=0"`
}

// Retry bounds the backoff applied to transient provider failures.
type Retry struct {
	MaxRetries   int      `toml:"max-retries" yaml:"max-retries" validate:"gte=1,lte=100"`
	InitialDelay Duration `toml:"initial-delay" yaml:"initial-delay" validate:"gt=0"`
	MaxDelay     Duration `toml:"max-delay" yaml:"max-delay" validate:"gtefield=InitialDelay"`
	Factor       float64  `toml:"factor" yaml:"factor" validate:"gte=1,lte=10"`
	Jitter       float64  `toml:"jitter" yaml:"jitter" validate:"gte=0,lte=1"`
}

// Refresh controls what triggers reconciliation passes.
type Refresh struct {
	// Interval is the cadence of authoritative provider re-reads. Zero
	// disables the periodic pass.
	Interval         Duration `toml:"interval" yaml:"interval" validate:"gte=0"`
	NetworkDetection bool     `toml:"network-detection" yaml:"network-detection"`
	Debounce         Duration `toml:"debounce" yaml:"debounce" validate:"gte=0"`
}

// Resolver configures public address discovery.
type Resolver struct {
	Concurrent int      `toml:"concurrent" yaml:"concurrent" validate:"gte=1"`
	DNS        bool     `toml:"dns" yaml:"dns"`
	Sources    []Source `toml:"sources" yaml:"sources" validate:"dive"`
}

// Source is one "what is my IP" HTTP endpoint and how to extract the
// address from its response body.
type Source struct {
	URL         string `toml:"url" yaml:"url" validate:"required,url"`
	StripPrefix string `toml:"strip-prefix" yaml:"strip-prefix"`
	StripSuffix string `toml:"strip-suffix" yaml:"strip-suffix"`
	JSONKey     string `toml:"json-key" yaml:"json-key"`
}

// Identity returns the zone/record pair the configuration targets.
func (c *Config) Identity() string {
	return c.Zone.ID + "/" + c.Zone.Record
}

// Default returns a configuration with every optional field populated.
func Default() *Config {
	return &Config{
		HTTP: HTTP{
			Timeout:        Duration(30 * time.Second),
			MaxIdlePerHost: 2,
			RateLimit:      4,
		},
		Retry: Retry{
			MaxRetries:   5,
			InitialDelay: Duration(2 * time.Second),
			MaxDelay:     Duration(5 * time.Minute),
			Factor:       2,
			Jitter:       0.1,
		},
		Refresh: Refresh{
			Interval:         Duration(time.Hour),
			NetworkDetection: true,
			Debounce:         Duration(2 * time.Second),
		},
		Resolver: Resolver{
			Concurrent: 3,
			DNS:        true,
		},
	}
}

// Duration is a time.Duration that decodes from strings such as "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }
