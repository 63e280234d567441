/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package agentlimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/acronis/go-ingestgate/config"
)

const cfgDefaultKeyPrefix = "agentRateLimit"

const (
	cfgKeyEnabled = "enabled"
	cfgKeyAlg     = "alg"
	cfgKeyRate    = "rate"
	cfgKeyBurst   = "burst"
	cfgKeyMaxKeys = "maxKeys"

	cfgKeyExcludedAgents = "excludedAgents"
)

// Supported algorithms.
const (
	AlgLeakyBucket   = "leaky_bucket"
	AlgSlidingWindow = "sliding_window"
)

// Default values.
const (
	DefaultAlg     = AlgLeakyBucket
	DefaultRate    = "100/s"
	DefaultMaxKeys = 10000
)

// Config represents a set of configuration parameters for the per-agent rate limiting.
type Config struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Alg     string `mapstructure:"alg" yaml:"alg" json:"alg"`
	Rate    Rate   `mapstructure:"rate" yaml:"rate" json:"rate"`
	Burst   int    `mapstructure:"burst" yaml:"burst" json:"burst"`
	MaxKeys int    `mapstructure:"maxKeys" yaml:"maxKeys" json:"maxKeys"`

	// ExcludedAgents is a list of glob patterns of agent ids that are not limited.
	ExcludedAgents []string `mapstructure:"excludedAgents" yaml:"excludedAgents" json:"excludedAgents"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new instance of the Config.
func NewConfig() *Config {
	return NewConfigWithKeyPrefix(cfgDefaultKeyPrefix)
}

// NewConfigWithKeyPrefix creates a new instance of the Config with the key prefix.
func NewConfigWithKeyPrefix(keyPrefix string) *Config {
	return &Config{keyPrefix: keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig() *Config {
	cfg := NewConfig()
	cfg.Alg = DefaultAlg
	cfg.Rate, _ = ParseRate(DefaultRate)
	cfg.MaxKeys = DefaultMaxKeys
	return cfg
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyEnabled, false)
	dp.SetDefault(cfgKeyAlg, DefaultAlg)
	dp.SetDefault(cfgKeyRate, DefaultRate)
	dp.SetDefault(cfgKeyBurst, 0)
	dp.SetDefault(cfgKeyMaxKeys, DefaultMaxKeys)
}

// Set sets rate limiting configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.Enabled, err = dp.GetBool(cfgKeyEnabled); err != nil {
		return err
	}
	if c.Alg, err = dp.GetStringFromSet(cfgKeyAlg, []string{AlgLeakyBucket, AlgSlidingWindow}, true); err != nil {
		return err
	}
	c.Alg = strings.ToLower(c.Alg)

	var rate string
	if rate, err = dp.GetString(cfgKeyRate); err != nil {
		return err
	}
	if c.Rate, err = ParseRate(rate); err != nil {
		return dp.WrapKeyErr(cfgKeyRate, err)
	}
	if c.Rate.Count <= 0 {
		return dp.WrapKeyErr(cfgKeyRate, fmt.Errorf("count must be greater than 0"))
	}

	if c.Burst, err = dp.GetInt(cfgKeyBurst); err != nil {
		return err
	}
	if c.Burst < 0 {
		return dp.WrapKeyErr(cfgKeyBurst, fmt.Errorf("cannot be negative"))
	}

	if c.MaxKeys, err = dp.GetInt(cfgKeyMaxKeys); err != nil {
		return err
	}
	if c.MaxKeys <= 0 {
		return dp.WrapKeyErr(cfgKeyMaxKeys, fmt.Errorf("must be greater than 0"))
	}

	if c.ExcludedAgents, err = dp.GetStringSlice(cfgKeyExcludedAgents); err != nil {
		return err
	}

	return nil
}

// NewLimiter creates a limiter according to the configured algorithm.
func (c *Config) NewLimiter() (Limiter, error) {
	switch c.Alg {
	case AlgLeakyBucket, "":
		return NewLeakyBucketLimiter(c.Rate, c.Burst, c.MaxKeys)
	case AlgSlidingWindow:
		return NewSlidingWindowLimiter(c.Rate, c.MaxKeys)
	default:
		return nil, fmt.Errorf("unknown rate limiting algorithm %q", c.Alg)
	}
}

// InterceptorOptions returns options for the interceptors according to the configuration.
func (c *Config) InterceptorOptions() []Option {
	if len(c.ExcludedAgents) == 0 {
		return nil
	}
	return []Option{WithExcludedAgents(c.ExcludedAgents...)}
}

// ParseRate parses the rate in the N/(s|m|h) format.
func ParseRate(rate string) (Rate, error) {
	incorrectFormatErr := fmt.Errorf(
		"incorrect format for rate %q, should be N/(s|m|h), for example 10/s, 100/m, 1000/h", rate)
	parts := strings.SplitN(rate, "/", 2)
	if len(parts) != 2 {
		return Rate{}, incorrectFormatErr
	}
	count, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return Rate{}, incorrectFormatErr
	}
	var dur time.Duration
	switch strings.ToLower(strings.TrimSpace(parts[1])) {
	case "s":
		dur = time.Second
	case "m":
		dur = time.Minute
	case "h":
		dur = time.Hour
	default:
		return Rate{}, incorrectFormatErr
	}
	return Rate{Count: count, Duration: dur}, nil
}

// String returns a string representation of the rate.
func (r Rate) String() string {
	if r.Count == 0 && r.Duration == 0 {
		return ""
	}
	switch r.Duration {
	case time.Second:
		return fmt.Sprintf("%d/s", r.Count)
	case time.Minute:
		return fmt.Sprintf("%d/m", r.Count)
	case time.Hour:
		return fmt.Sprintf("%d/h", r.Count)
	default:
		return fmt.Sprintf("%d/%s", r.Count, r.Duration)
	}
}

// MarshalText implements the encoding.TextMarshaler interface.
func (r Rate) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}
