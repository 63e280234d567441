/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/acronis/go-ingestgate/config"
)

func TestConfig(t *testing.T) {
	tests := []struct {
		name        string
		cfgDataType config.DataType
		cfgData     string
		expectedCfg func() *Config
		wantErrKey  string
	}{
		{
			name:        "defaults",
			cfgDataType: config.DataTypeYAML,
			cfgData:     "",
			expectedCfg: NewDefaultConfig,
		},
		{
			name:        "file output with rotation",
			cfgDataType: config.DataTypeYAML,
			cfgData: `
log:
  level: WARN
  format: text
  output: file
  nocolor: true
  addCaller: true
  file:
    path: /var/log/ingestgate-{{pid}}.log
    rotation:
      compress: true
      maxSize: 100M
      maxBackups: 42
      maxAgeDays: 7
  error:
    noVerbose: true
`,
			expectedCfg: func() *Config {
				cfg := NewDefaultConfig()
				cfg.Level = LevelWarn
				cfg.Format = FormatText
				cfg.Output = OutputFile
				cfg.NoColor = true
				cfg.AddCaller = true
				cfg.File.Path = "/var/log/ingestgate-{{pid}}.log"
				cfg.File.Rotation = FileRotationConfig{Compress: true, MaxSize: 100 * 1024 * 1024, MaxBackups: 42, MaxAgeDays: 7}
				cfg.Error.NoVerbose = true
				return cfg
			},
		},
		{
			name:        "masking rules in json",
			cfgDataType: config.DataTypeJSON,
			cfgData: `{"log": {"masking": {"enabled": true, "useDefaultRules": false, "rules": [
				{"field": "x-tenant-key", "formats": ["grpc_metadata", "json"]},
				{"field": "token", "masks": [{"regexp": "token [a-z0-9]+", "mask": "token ***"}]}
			]}}}`,
			expectedCfg: func() *Config {
				cfg := NewDefaultConfig()
				cfg.Masking = MaskingConfig{
					Enabled: true,
					Rules: []MaskingRuleConfig{
						{Field: "x-tenant-key", Formats: []FieldMaskFormat{FieldMaskFormatMetadata, FieldMaskFormatJSON}},
						{Field: "token", Masks: []MaskConfig{{RegExp: "token [a-z0-9]+", Mask: "token ***"}}},
					},
				}
				return cfg
			},
		},
		{
			name:        "unknown level",
			cfgDataType: config.DataTypeYAML,
			cfgData:     "log:\n  level: trace\n",
			wantErrKey:  "log.level",
		},
		{
			name:        "file output without path",
			cfgDataType: config.DataTypeYAML,
			cfgData:     "log:\n  output: file\n",
			wantErrKey:  "log.file.path",
		},
		{
			name:        "too small rotation size",
			cfgDataType: config.DataTypeYAML,
			cfgData:     "log:\n  file:\n    rotation:\n      maxSize: 512K\n",
			wantErrKey:  "log.file.rotation.maxSize",
		},
		{
			name:        "no rotation backups",
			cfgDataType: config.DataTypeYAML,
			cfgData:     "log:\n  file:\n    rotation:\n      maxBackups: 0\n",
			wantErrKey:  "log.file.rotation.maxBackups",
		},
		{
			name:        "unknown mask format",
			cfgDataType: config.DataTypeYAML,
			cfgData:     "log:\n  masking:\n    rules:\n      - field: secret\n        formats: [http_header]\n",
			wantErrKey:  "log.masking.rules.0.formats",
		},
		{
			name:        "empty mask field",
			cfgDataType: config.DataTypeYAML,
			cfgData:     "log:\n  masking:\n    rules:\n      - formats: [json]\n",
			wantErrKey:  "log.masking.rules.0.field",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			err := config.NewLoader(config.NewViperAdapter()).LoadFromReader(
				bytes.NewBufferString(tt.cfgData), tt.cfgDataType, cfg)
			if tt.wantErrKey != "" {
				require.ErrorContains(t, err, tt.wantErrKey)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expectedCfg(), cfg)
		})
	}
}

func TestConfig_YAMLUnmarshal(t *testing.T) {
	var appCfg struct {
		Log *Config `yaml:"log"`
	}
	appCfg.Log = NewDefaultConfig()
	require.NoError(t, yaml.Unmarshal([]byte("log:\n  level: debug\n  file:\n    rotation:\n      maxSize: 10M\n"), &appCfg))

	expected := NewDefaultConfig()
	expected.Level = LevelDebug
	expected.File.Rotation.MaxSize = 10 * 1024 * 1024
	require.Equal(t, expected, appCfg.Log)
}
