/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dispatch

import (
	"fmt"
	"time"

	"github.com/acronis/go-ingestgate/config"
)

const cfgDefaultKeyPrefix = "dispatch"

const (
	cfgKeyProcessingDelay           = "processingDelay"
	cfgKeyAgentDirectoryMaxEntries  = "agentDirectory.maxEntries"
	cfgKeyAgentDirectoryTTL         = "agentDirectory.ttl"
	cfgKeyAgentDirectoryCleanupTick = "agentDirectory.cleanupInterval"
)

const (
	defaultAgentDirectoryMaxEntries  = 10000
	defaultAgentDirectoryTTL         = time.Hour
	defaultAgentDirectoryCleanupTick = time.Minute
)

// Config represents a set of configuration parameters for the dispatch handler.
type Config struct {
	// ProcessingDelay is an artificial delay added to every fire-and-forget message.
	// It is useful for load testing of the admission gate.
	ProcessingDelay config.TimeDuration  `mapstructure:"processingDelay" yaml:"processingDelay" json:"processingDelay"`
	AgentDirectory  AgentDirectoryConfig `mapstructure:"agentDirectory" yaml:"agentDirectory" json:"agentDirectory"`

	keyPrefix string
}

// AgentDirectoryConfig configures the in-memory directory of known agents.
type AgentDirectoryConfig struct {
	MaxEntries      int                 `mapstructure:"maxEntries" yaml:"maxEntries" json:"maxEntries"`
	TTL             config.TimeDuration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`
	CleanupInterval config.TimeDuration `mapstructure:"cleanupInterval" yaml:"cleanupInterval" json:"cleanupInterval"`
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new instance of the Config.
func NewConfig() *Config {
	return NewConfigWithKeyPrefix(cfgDefaultKeyPrefix)
}

// NewConfigWithKeyPrefix creates a new instance of the Config.
// Allows specifying key prefix which will be used for parsing configuration parameters.
func NewConfigWithKeyPrefix(keyPrefix string) *Config {
	return &Config{keyPrefix: keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig() *Config {
	cfg := NewConfig()
	cfg.AgentDirectory = AgentDirectoryConfig{
		MaxEntries:      defaultAgentDirectoryMaxEntries,
		TTL:             config.TimeDuration(defaultAgentDirectoryTTL),
		CleanupInterval: config.TimeDuration(defaultAgentDirectoryCleanupTick),
	}
	return cfg
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values for the dispatch handler in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyProcessingDelay, time.Duration(0))
	dp.SetDefault(cfgKeyAgentDirectoryMaxEntries, defaultAgentDirectoryMaxEntries)
	dp.SetDefault(cfgKeyAgentDirectoryTTL, defaultAgentDirectoryTTL)
	dp.SetDefault(cfgKeyAgentDirectoryCleanupTick, defaultAgentDirectoryCleanupTick)
}

// Set sets dispatch handler configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	var err error
	var dur time.Duration

	if dur, err = dp.GetDuration(cfgKeyProcessingDelay); err != nil {
		return err
	}
	if dur < 0 {
		return dp.WrapKeyErr(cfgKeyProcessingDelay, fmt.Errorf("cannot be negative"))
	}
	c.ProcessingDelay = config.TimeDuration(dur)

	if c.AgentDirectory.MaxEntries, err = dp.GetInt(cfgKeyAgentDirectoryMaxEntries); err != nil {
		return err
	}
	if c.AgentDirectory.MaxEntries <= 0 {
		return dp.WrapKeyErr(cfgKeyAgentDirectoryMaxEntries, fmt.Errorf("must be greater than 0"))
	}

	if dur, err = dp.GetDuration(cfgKeyAgentDirectoryTTL); err != nil {
		return err
	}
	c.AgentDirectory.TTL = config.TimeDuration(dur)

	if dur, err = dp.GetDuration(cfgKeyAgentDirectoryCleanupTick); err != nil {
		return err
	}
	c.AgentDirectory.CleanupInterval = config.TimeDuration(dur)

	return nil
}
