/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcserver

import (
	"errors"
	"time"

	"github.com/acronis/go-ingestgate/config"
)

const cfgDefaultKeyPrefix = "grpcServer"

const (
	cfgKeyAddress               = "address"
	cfgKeyUnixSocketPath        = "unixSocketPath"
	cfgKeyTLSEnabled            = "tls.enabled"
	cfgKeyTLSCert               = "tls.cert"
	cfgKeyTLSKey                = "tls.key"
	cfgKeyShutdownTimeout       = "timeouts.shutdown"
	cfgKeyKeepaliveTime         = "keepalive.time"
	cfgKeyKeepaliveTimeout      = "keepalive.timeout"
	cfgKeyKeepaliveMinTime      = "keepalive.minTime"
	cfgKeyMaxConcurrentStreams  = "limits.maxConcurrentStreams"
	cfgKeyMaxRecvMessageSize    = "limits.maxRecvMessageSize"
	cfgKeyMaxSendMessageSize    = "limits.maxSendMessageSize"
	cfgKeyNumStreamWorkers      = "limits.numStreamWorkers"
	cfgKeyLogCallStart          = "log.callStart"
	cfgKeyLogExcludedMethods    = "log.excludedMethods"
	cfgKeyLogSlowCallThreshold  = "log.slowCallThreshold"
	cfgKeyLogTimeSlotsThreshold = "log.timeSlotsThreshold"
)

const (
	defaultAddress            = ":9090"
	defaultShutdownTimeout    = 5 * time.Second
	defaultKeepaliveTime      = 2 * time.Minute
	defaultKeepaliveTimeout   = 20 * time.Second
	defaultMaxRecvMessageSize = 4 << 20
	defaultMaxSendMessageSize = 4 << 20
	defaultSlowCallThreshold  = time.Second
)

var errNegative = errors.New("cannot be negative")

// Config represents a set of configuration parameters for the gRPC server of the gateway.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader, viper,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	Address        string          `mapstructure:"address" yaml:"address" json:"address"`
	UnixSocketPath string          `mapstructure:"unixSocketPath" yaml:"unixSocketPath" json:"unixSocketPath"`
	Timeouts       TimeoutsConfig  `mapstructure:"timeouts" yaml:"timeouts" json:"timeouts"`
	Keepalive      KeepaliveConfig `mapstructure:"keepalive" yaml:"keepalive" json:"keepalive"`
	Limits         LimitsConfig    `mapstructure:"limits" yaml:"limits" json:"limits"`
	Log            LogConfig       `mapstructure:"log" yaml:"log" json:"log"`
	TLS            TLSConfig       `mapstructure:"tls" yaml:"tls" json:"tls"`

	keyPrefix string
}

// TimeoutsConfig contains server timeouts.
type TimeoutsConfig struct {
	Shutdown config.TimeDuration `mapstructure:"shutdown" yaml:"shutdown" json:"shutdown"`
}

// KeepaliveConfig contains keepalive parameters and the enforcement policy for agent connections.
type KeepaliveConfig struct {
	Time    config.TimeDuration `mapstructure:"time" yaml:"time" json:"time"`
	Timeout config.TimeDuration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	MinTime config.TimeDuration `mapstructure:"minTime" yaml:"minTime" json:"minTime"`
}

// LimitsConfig contains transport level limits. Zero values mean the gRPC defaults.
type LimitsConfig struct {
	// MaxConcurrentStreams is the maximum number of concurrent streams per connection.
	MaxConcurrentStreams uint32 `mapstructure:"maxConcurrentStreams" yaml:"maxConcurrentStreams" json:"maxConcurrentStreams"`
	// MaxRecvMessageSize bounds a single received message (e.g. a span batch).
	MaxRecvMessageSize config.ByteSize `mapstructure:"maxRecvMessageSize" yaml:"maxRecvMessageSize" json:"maxRecvMessageSize"`
	MaxSendMessageSize config.ByteSize `mapstructure:"maxSendMessageSize" yaml:"maxSendMessageSize" json:"maxSendMessageSize"`
	// NumStreamWorkers is the number of goroutines that serve incoming streams.
	// Zero means a new goroutine per stream.
	NumStreamWorkers uint32 `mapstructure:"numStreamWorkers" yaml:"numStreamWorkers" json:"numStreamWorkers"`
}

// LogConfig contains parameters of call logging.
type LogConfig struct {
	CallStart          bool                `mapstructure:"callStart" yaml:"callStart" json:"callStart"`
	ExcludedMethods    []string            `mapstructure:"excludedMethods" yaml:"excludedMethods" json:"excludedMethods"`
	SlowCallThreshold  config.TimeDuration `mapstructure:"slowCallThreshold" yaml:"slowCallThreshold" json:"slowCallThreshold"`
	TimeSlotsThreshold config.TimeDuration `mapstructure:"timeSlotsThreshold" yaml:"timeSlotsThreshold" json:"timeSlotsThreshold"`
}

// TLSConfig contains the server certificate. TLS is off unless Enabled is set.
type TLSConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Certificate string `mapstructure:"cert" yaml:"cert" json:"cert"`
	Key         string `mapstructure:"key" yaml:"key" json:"key"`
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
	cfg.Address = defaultAddress
	cfg.Timeouts.Shutdown = config.TimeDuration(defaultShutdownTimeout)
	cfg.Keepalive.Time = config.TimeDuration(defaultKeepaliveTime)
	cfg.Keepalive.Timeout = config.TimeDuration(defaultKeepaliveTimeout)
	cfg.Limits.MaxRecvMessageSize = defaultMaxRecvMessageSize
	cfg.Limits.MaxSendMessageSize = defaultMaxSendMessageSize
	cfg.Log.SlowCallThreshold = config.TimeDuration(defaultSlowCallThreshold)
	return cfg
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values for the gRPC server in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyAddress, defaultAddress)
	dp.SetDefault(cfgKeyShutdownTimeout, defaultShutdownTimeout)
	dp.SetDefault(cfgKeyKeepaliveTime, defaultKeepaliveTime)
	dp.SetDefault(cfgKeyKeepaliveTimeout, defaultKeepaliveTimeout)
	dp.SetDefault(cfgKeyMaxRecvMessageSize, defaultMaxRecvMessageSize)
	dp.SetDefault(cfgKeyMaxSendMessageSize, defaultMaxSendMessageSize)
	dp.SetDefault(cfgKeyLogSlowCallThreshold, defaultSlowCallThreshold)
}

// Set sets gRPC server configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	var err error
	if c.Address, err = dp.GetString(cfgKeyAddress); err != nil {
		return err
	}
	if c.UnixSocketPath, err = dp.GetString(cfgKeyUnixSocketPath); err != nil {
		return err
	}
	if c.TLS.Enabled, err = dp.GetBool(cfgKeyTLSEnabled); err != nil {
		return err
	}
	if c.TLS.Certificate, err = dp.GetString(cfgKeyTLSCert); err != nil {
		return err
	}
	if c.TLS.Key, err = dp.GetString(cfgKeyTLSKey); err != nil {
		return err
	}
	if c.Log.CallStart, err = dp.GetBool(cfgKeyLogCallStart); err != nil {
		return err
	}
	if c.Log.ExcludedMethods, err = dp.GetStringSlice(cfgKeyLogExcludedMethods); err != nil {
		return err
	}

	for key, dst := range map[string]*config.TimeDuration{
		cfgKeyShutdownTimeout:       &c.Timeouts.Shutdown,
		cfgKeyKeepaliveTime:         &c.Keepalive.Time,
		cfgKeyKeepaliveTimeout:      &c.Keepalive.Timeout,
		cfgKeyKeepaliveMinTime:      &c.Keepalive.MinTime,
		cfgKeyLogSlowCallThreshold:  &c.Log.SlowCallThreshold,
		cfgKeyLogTimeSlotsThreshold: &c.Log.TimeSlotsThreshold,
	} {
		dur, durErr := dp.GetDuration(key)
		if durErr != nil {
			return durErr
		}
		*dst = config.TimeDuration(dur)
	}

	return c.Limits.set(dp)
}

func (l *LimitsConfig) set(dp config.DataProvider) error {
	var err error
	if l.MaxConcurrentStreams, err = getUint32(dp, cfgKeyMaxConcurrentStreams); err != nil {
		return err
	}
	if l.NumStreamWorkers, err = getUint32(dp, cfgKeyNumStreamWorkers); err != nil {
		return err
	}
	if l.MaxRecvMessageSize, err = dp.GetByteSize(cfgKeyMaxRecvMessageSize); err != nil {
		return err
	}
	l.MaxSendMessageSize, err = dp.GetByteSize(cfgKeyMaxSendMessageSize)
	return err
}

func getUint32(dp config.DataProvider, key string) (uint32, error) {
	val, err := dp.GetInt(key)
	if err != nil {
		return 0, err
	}
	if val < 0 {
		return 0, dp.WrapKeyErr(key, errNegative)
	}
	return uint32(val), nil //nolint:gosec // validated non-negative above
}
