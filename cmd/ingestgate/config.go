/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"bytes"

	"github.com/acronis/go-ingestgate/admission"
	"github.com/acronis/go-ingestgate/agentlimit"
	"github.com/acronis/go-ingestgate/config"
	"github.com/acronis/go-ingestgate/dispatch"
	"github.com/acronis/go-ingestgate/grpcserver"
	"github.com/acronis/go-ingestgate/log"
	"github.com/acronis/go-ingestgate/netutil"
	"github.com/acronis/go-ingestgate/opsserver"
)

const envVarsPrefix = "INGESTGATE"

// AppConfig is the configuration of the whole gateway.
type AppConfig struct {
	Server         *grpcserver.Config
	Admission      *admission.Config
	AddressFilter  *netutil.AddressFilterConfig
	AgentRateLimit *agentlimit.Config
	OpsServer      *opsserver.Config
	Dispatch       *dispatch.Config
	Log            *log.Config
}

var _ config.Config = (*AppConfig)(nil)

// NewAppConfig creates a new instance of the AppConfig.
func NewAppConfig() *AppConfig {
	return &AppConfig{
		Server:         grpcserver.NewConfig(),
		Admission:      admission.NewConfig(),
		AddressFilter:  netutil.NewAddressFilterConfig(),
		AgentRateLimit: agentlimit.NewConfig(),
		OpsServer:      opsserver.NewConfig(),
		Dispatch:       dispatch.NewConfig(),
		Log:            log.NewConfig(),
	}
}

// SetProviderDefaults sets default values for all nested configurations.
func (c *AppConfig) SetProviderDefaults(dp config.DataProvider) {
	config.CallSetProviderDefaultsForFields(c, dp)
}

// Set sets values of all nested configurations.
func (c *AppConfig) Set(dp config.DataProvider) error {
	return config.CallSetForFields(c, dp)
}

// loadAppConfig loads the configuration from the file (if the path is not empty) and environment variables.
func loadAppConfig(path string) (*AppConfig, error) {
	cfg := NewAppConfig()
	loader := config.NewDefaultLoader(envVarsPrefix)
	if path == "" {
		return cfg, loader.LoadFromReader(bytes.NewBufferString("{}"), config.DataTypeJSON, cfg)
	}
	return cfg, loader.LoadFromFile(path, config.DataTypeFromPath(path), cfg)
}
