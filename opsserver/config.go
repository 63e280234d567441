/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package opsserver

import (
	"time"

	"github.com/acronis/go-ingestgate/config"
)

const cfgDefaultKeyPrefix = "opsServer"

const (
	cfgKeyEnabled         = "enabled"
	cfgKeyAddress         = "address"
	cfgKeyPprofEnabled    = "pprof"
	cfgKeyShutdownTimeout = "shutdownTimeout"
)

const (
	defaultAddress         = ":8081"
	defaultShutdownTimeout = time.Second * 5
)

// Config represents a set of configuration parameters for the operational HTTP server.
type Config struct {
	Enabled         bool                `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Address         string              `mapstructure:"address" yaml:"address" json:"address"`
	Pprof           bool                `mapstructure:"pprof" yaml:"pprof" json:"pprof"`
	ShutdownTimeout config.TimeDuration `mapstructure:"shutdownTimeout" yaml:"shutdownTimeout" json:"shutdownTimeout"`

	keyPrefix string
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
	cfg.Enabled = true
	cfg.Address = defaultAddress
	cfg.Pprof = true
	cfg.ShutdownTimeout = config.TimeDuration(defaultShutdownTimeout)
	return cfg
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values for the ops server in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyEnabled, true)
	dp.SetDefault(cfgKeyAddress, defaultAddress)
	dp.SetDefault(cfgKeyPprofEnabled, true)
	dp.SetDefault(cfgKeyShutdownTimeout, defaultShutdownTimeout)
}

// Set sets ops server configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	var err error
	if c.Enabled, err = dp.GetBool(cfgKeyEnabled); err != nil {
		return err
	}
	if c.Address, err = dp.GetString(cfgKeyAddress); err != nil {
		return err
	}
	if c.Pprof, err = dp.GetBool(cfgKeyPprofEnabled); err != nil {
		return err
	}
	var dur time.Duration
	if dur, err = dp.GetDuration(cfgKeyShutdownTimeout); err != nil {
		return err
	}
	c.ShutdownTimeout = config.TimeDuration(dur)
	return nil
}
