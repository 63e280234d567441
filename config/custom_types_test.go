/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type limitsConfig struct {
	MaxMessageSize ByteSize     `json:"maxMessageSize" yaml:"maxMessageSize"`
	WaitTimeout    TimeDuration `json:"waitTimeout" yaml:"waitTimeout"`
}

func TestByteSize_Unmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ByteSize
		wantErr bool
	}{
		{name: "integer", input: "1024", want: 1024},
		{name: "megabytes", input: "4M", want: 4 * 1024 * 1024},
		{name: "gigabytes with B", input: "1GB", want: 1024 * 1024 * 1024},
		{name: "k8s suffix", input: "512Ki", want: 512 * 1024},
		{name: "negative", input: "-1", wantErr: true},
		{name: "garbage", input: "lots", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fromJSON, fromYAML limitsConfig
			jsonErr := json.Unmarshal([]byte(`{"maxMessageSize": "`+tt.input+`"}`), &fromJSON)
			yamlErr := yaml.Unmarshal([]byte("maxMessageSize: "+tt.input), &fromYAML)
			if tt.wantErr {
				require.Error(t, jsonErr)
				require.Error(t, yamlErr)
				return
			}
			require.NoError(t, jsonErr)
			require.NoError(t, yamlErr)
			require.Equal(t, tt.want, fromJSON.MaxMessageSize)
			require.Equal(t, tt.want, fromYAML.MaxMessageSize)
		})
	}

	var cfg limitsConfig
	require.NoError(t, json.Unmarshal([]byte(`{"maxMessageSize": 2048}`), &cfg))
	require.Equal(t, ByteSize(2048), cfg.MaxMessageSize)
}

func TestTimeDuration_Unmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    TimeDuration
		wantErr bool
	}{
		{name: "nanoseconds", input: "1000000", want: TimeDuration(time.Millisecond)},
		{name: "string", input: "1m30s", want: TimeDuration(90 * time.Second)},
		{name: "negative", input: "-5", wantErr: true},
		{name: "garbage", input: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fromJSON, fromYAML limitsConfig
			jsonErr := json.Unmarshal([]byte(`{"waitTimeout": "`+tt.input+`"}`), &fromJSON)
			yamlErr := yaml.Unmarshal([]byte("waitTimeout: "+tt.input), &fromYAML)
			if tt.wantErr {
				require.Error(t, jsonErr)
				require.Error(t, yamlErr)
				return
			}
			require.NoError(t, jsonErr)
			require.NoError(t, yamlErr)
			require.Equal(t, tt.want, fromJSON.WaitTimeout)
			require.Equal(t, tt.want, fromYAML.WaitTimeout)
		})
	}
}

func TestCustomTypes_Marshal(t *testing.T) {
	cfg := limitsConfig{MaxMessageSize: 4 * 1024 * 1024, WaitTimeout: TimeDuration(1500 * time.Millisecond)}

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.JSONEq(t, `{"maxMessageSize": "4M", "waitTimeout": "1.5s"}`, string(data))

	data, err = yaml.Marshal(cfg)
	require.NoError(t, err)
	require.Equal(t, "maxMessageSize: 4M\nwaitTimeout: 1.5s\n", string(data))

	var decoded limitsConfig
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	require.Equal(t, cfg, decoded)
}
