/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcserver

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/acronis/go-ingestgate/config"
)

type gatewayConfig struct {
	GRPCServer *Config `mapstructure:"grpcServer" json:"grpcServer" yaml:"grpcServer"`
}

const fullConfigYAML = `
grpcServer:
  address: "127.0.0.1:4317"
  unixSocketPath: "/run/ingestgate/grpc.sock"
  timeouts:
    shutdown: 30s
  keepalive:
    time: 5m
    timeout: 1m
    minTime: 30s
  limits:
    maxConcurrentStreams: 100
    maxRecvMessageSize: 8M
    maxSendMessageSize: 1M
    numStreamWorkers: 16
  log:
    callStart: true
    excludedMethods:
      - "/telemetry.v1.Agent/PingSession"
      - "/grpc.health.v1.Health/Check"
    slowCallThreshold: 2s
    timeSlotsThreshold: 500ms
  tls:
    enabled: true
    cert: "/etc/ingestgate/cert.pem"
    key: "/etc/ingestgate/key.pem"
`

func expectedFullConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.Address = "127.0.0.1:4317"
	cfg.UnixSocketPath = "/run/ingestgate/grpc.sock"
	cfg.Timeouts.Shutdown = config.TimeDuration(30 * time.Second)
	cfg.Keepalive = KeepaliveConfig{
		Time:    config.TimeDuration(5 * time.Minute),
		Timeout: config.TimeDuration(time.Minute),
		MinTime: config.TimeDuration(30 * time.Second),
	}
	cfg.Limits = LimitsConfig{
		MaxConcurrentStreams: 100,
		MaxRecvMessageSize:   8 << 20,
		MaxSendMessageSize:   1 << 20,
		NumStreamWorkers:     16,
	}
	cfg.Log = LogConfig{
		CallStart:          true,
		ExcludedMethods:    []string{"/telemetry.v1.Agent/PingSession", "/grpc.health.v1.Health/Check"},
		SlowCallThreshold:  config.TimeDuration(2 * time.Second),
		TimeSlotsThreshold: config.TimeDuration(500 * time.Millisecond),
	}
	cfg.TLS = TLSConfig{Enabled: true, Certificate: "/etc/ingestgate/cert.pem", Key: "/etc/ingestgate/key.pem"}
	return cfg
}

func TestConfig_Load(t *testing.T) {
	t.Run("config loader", func(t *testing.T) {
		cfg := NewConfig()
		require.NoError(t, config.NewDefaultLoader("").LoadFromReader(
			bytes.NewBufferString(fullConfigYAML), config.DataTypeYAML, cfg))
		require.Equal(t, expectedFullConfig(), cfg)
	})

	t.Run("viper unmarshal", func(t *testing.T) {
		appCfg := gatewayConfig{GRPCServer: NewDefaultConfig()}
		vpr := viper.New()
		vpr.SetConfigType("yaml")
		require.NoError(t, vpr.ReadConfig(bytes.NewBufferString(fullConfigYAML)))
		require.NoError(t, vpr.Unmarshal(&appCfg, func(c *mapstructure.DecoderConfig) {
			c.DecodeHook = mapstructure.TextUnmarshallerHookFunc()
		}))
		require.Equal(t, expectedFullConfig(), appCfg.GRPCServer)
	})

	t.Run("yaml unmarshal", func(t *testing.T) {
		appCfg := gatewayConfig{GRPCServer: NewDefaultConfig()}
		require.NoError(t, yaml.Unmarshal([]byte(fullConfigYAML), &appCfg))
		require.Equal(t, expectedFullConfig(), appCfg.GRPCServer)
	})

	t.Run("json unmarshal", func(t *testing.T) {
		appCfg := gatewayConfig{GRPCServer: NewDefaultConfig()}
		require.NoError(t, json.Unmarshal([]byte(`{"grpcServer": {
			"address": "127.0.0.1:4317",
			"limits": {"maxRecvMessageSize": "8M", "numStreamWorkers": 16},
			"log": {"slowCallThreshold": "2s"}
		}}`), &appCfg))
		want := NewDefaultConfig()
		want.Address = "127.0.0.1:4317"
		want.Limits.MaxRecvMessageSize = 8 << 20
		want.Limits.NumStreamWorkers = 16
		want.Log.SlowCallThreshold = config.TimeDuration(2 * time.Second)
		require.Equal(t, want, appCfg.GRPCServer)
	})
}

func TestConfig_Defaults(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, config.NewDefaultLoader("").LoadFromReader(bytes.NewBuffer(nil), config.DataTypeYAML, cfg))
	require.Equal(t, NewDefaultConfig(), cfg)

	require.Equal(t, ":9090", cfg.Address)
	require.Equal(t, config.ByteSize(4<<20), cfg.Limits.MaxRecvMessageSize)
	require.Equal(t, config.TimeDuration(time.Second), cfg.Log.SlowCallThreshold)
}

func TestConfig_KeyPrefix(t *testing.T) {
	require.Equal(t, "grpcServer", NewConfig().KeyPrefix())
	require.Equal(t, "grpcServer", (&Config{}).KeyPrefix())

	cfg := NewConfigWithKeyPrefix("agentGRPC")
	require.Equal(t, "agentGRPC", cfg.KeyPrefix())
	require.NoError(t, config.NewDefaultLoader("").LoadFromReader(
		bytes.NewBufferString("agentGRPC:\n  address: 127.0.0.1:9999\n"), config.DataTypeYAML, cfg))
	require.Equal(t, "127.0.0.1:9999", cfg.Address)
}

func TestConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name:    "invalid address",
			data:    "grpcServer:\n  address: []\n",
			wantErr: "grpcServer.address: unable to cast",
		},
		{
			name:    "invalid shutdown timeout",
			data:    "grpcServer:\n  timeouts:\n    shutdown: soon\n",
			wantErr: "grpcServer.timeouts.shutdown: time: invalid duration",
		},
		{
			name:    "negative maxConcurrentStreams",
			data:    "grpcServer:\n  limits:\n    maxConcurrentStreams: -1\n",
			wantErr: "grpcServer.limits.maxConcurrentStreams: cannot be negative",
		},
		{
			name:    "negative numStreamWorkers",
			data:    "grpcServer:\n  limits:\n    numStreamWorkers: -4\n",
			wantErr: "grpcServer.limits.numStreamWorkers: cannot be negative",
		},
		{
			name:    "invalid message size",
			data:    "grpcServer:\n  limits:\n    maxRecvMessageSize: huge\n",
			wantErr: "grpcServer.limits.maxRecvMessageSize",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := config.NewDefaultLoader("").LoadFromReader(
				bytes.NewBufferString(tt.data), config.DataTypeYAML, NewConfig())
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}
