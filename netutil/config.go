/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package netutil

import (
	"github.com/acronis/go-ingestgate/config"
)

const cfgDefaultKeyPrefix = "addressFilter"

const (
	cfgKeyAllow = "allow"
	cfgKeyDeny  = "deny"
)

// AddressFilterConfig represents a set of configuration parameters for CIDRFilter.
type AddressFilterConfig struct {
	Allow []string `mapstructure:"allow" yaml:"allow" json:"allow"`
	Deny  []string `mapstructure:"deny" yaml:"deny" json:"deny"`

	keyPrefix string
}

var _ config.Config = (*AddressFilterConfig)(nil)
var _ config.KeyPrefixProvider = (*AddressFilterConfig)(nil)

// NewAddressFilterConfig creates a new instance of the AddressFilterConfig.
func NewAddressFilterConfig() *AddressFilterConfig {
	return NewAddressFilterConfigWithKeyPrefix(cfgDefaultKeyPrefix)
}

// NewAddressFilterConfigWithKeyPrefix creates a new instance of the AddressFilterConfig with the key prefix.
func NewAddressFilterConfigWithKeyPrefix(keyPrefix string) *AddressFilterConfig {
	return &AddressFilterConfig{keyPrefix: keyPrefix}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *AddressFilterConfig) KeyPrefix() string {
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *AddressFilterConfig) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyAllow, []string{})
	dp.SetDefault(cfgKeyDeny, []string{})
}

// Set sets address filter configuration values from config.DataProvider.
func (c *AddressFilterConfig) Set(dp config.DataProvider) error {
	var err error
	if c.Allow, err = dp.GetStringSlice(cfgKeyAllow); err != nil {
		return err
	}
	if c.Deny, err = dp.GetStringSlice(cfgKeyDeny); err != nil {
		return err
	}
	if _, err = parseNetworks(c.Allow); err != nil {
		return dp.WrapKeyErr(cfgKeyAllow, err)
	}
	if _, err = parseNetworks(c.Deny); err != nil {
		return dp.WrapKeyErr(cfgKeyDeny, err)
	}
	return nil
}

// Enabled reports whether any network is configured.
func (c *AddressFilterConfig) Enabled() bool {
	return len(c.Allow) != 0 || len(c.Deny) != 0
}

// NewFilter creates a CIDRFilter from the configuration.
func (c *AddressFilterConfig) NewFilter() (*CIDRFilter, error) {
	return NewCIDRFilter(c.Allow, c.Deny)
}
