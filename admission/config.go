/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"fmt"
	"time"

	"github.com/acronis/go-ingestgate/config"
)

const cfgDefaultKeyPrefix = "admission"

const (
	cfgKeyMaxConcurrent = "maxConcurrent"
	cfgKeyMaxQueue      = "maxQueue"
	cfgKeyWaitTimeout   = "waitTimeout"
)

// Default values match a small collector node: 8 workers with a backlog of 16 calls.
const (
	DefaultMaxConcurrent = 8
	DefaultMaxQueue      = 16
)

// Config represents a set of configuration parameters for the admission gate.
type Config struct {
	MaxConcurrent int                 `mapstructure:"maxConcurrent" yaml:"maxConcurrent" json:"maxConcurrent"`
	MaxQueue      int                 `mapstructure:"maxQueue" yaml:"maxQueue" json:"maxQueue"`
	WaitTimeout   config.TimeDuration `mapstructure:"waitTimeout" yaml:"waitTimeout" json:"waitTimeout"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	cfg := NewConfig(options...)
	cfg.MaxConcurrent = DefaultMaxConcurrent
	cfg.MaxQueue = DefaultMaxQueue
	cfg.WaitTimeout = config.TimeDuration(DefaultWaitTimeout)
	return cfg
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values for the admission gate in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyMaxConcurrent, DefaultMaxConcurrent)
	dp.SetDefault(cfgKeyMaxQueue, DefaultMaxQueue)
	dp.SetDefault(cfgKeyWaitTimeout, DefaultWaitTimeout)
}

// Set sets admission gate configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.MaxConcurrent, err = dp.GetInt(cfgKeyMaxConcurrent); err != nil {
		return err
	}
	if c.MaxConcurrent <= 0 {
		return dp.WrapKeyErr(cfgKeyMaxConcurrent, fmt.Errorf("must be greater than 0"))
	}

	if c.MaxQueue, err = dp.GetInt(cfgKeyMaxQueue); err != nil {
		return err
	}
	if c.MaxQueue < 0 {
		return dp.WrapKeyErr(cfgKeyMaxQueue, fmt.Errorf("cannot be negative"))
	}

	var dur time.Duration
	if dur, err = dp.GetDuration(cfgKeyWaitTimeout); err != nil {
		return err
	}
	if dur < 0 || (dur == 0 && c.MaxQueue > 0) {
		return dp.WrapKeyErr(cfgKeyWaitTimeout, fmt.Errorf("must be greater than 0 when queueing is enabled"))
	}
	c.WaitTimeout = config.TimeDuration(dur)

	return nil
}

// GateConfig converts the configuration to the limits of the gate.
func (c *Config) GateConfig() GateConfig {
	return GateConfig{
		MaxConcurrent: c.MaxConcurrent,
		MaxQueue:      c.MaxQueue,
		WaitTimeout:   time.Duration(c.WaitTimeout),
	}
}
