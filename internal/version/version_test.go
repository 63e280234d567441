/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package version

import (
	"debug/buildinfo"
	"runtime/debug"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestExtractModuleVersion(t *testing.T) {
	tests := []struct {
		name        string
		info        *buildinfo.BuildInfo
		expectedVer string
	}{
		{
			name:        "main module",
			info:        &buildinfo.BuildInfo{Main: debug.Module{Path: moduleName, Version: "v1.4.0"}},
			expectedVer: "v1.4.0",
		},
		{
			name:        "main module, development build",
			info:        &buildinfo.BuildInfo{Main: debug.Module{Path: moduleName, Version: "(devel)"}},
			expectedVer: "",
		},
		{
			name: "dependency, v2",
			info: &buildinfo.BuildInfo{
				Main: debug.Module{Path: "github.com/acme/collector", Version: "v0.1.0"},
				Deps: []*debug.Module{{Path: moduleName + "/v2", Version: "v2.0.1"}},
			},
			expectedVer: "v2.0.1",
		},
		{
			name: "not found",
			info: &buildinfo.BuildInfo{
				Deps: []*debug.Module{{Path: moduleName + "-contrib", Version: "v1.0.0"}},
			},
			expectedVer: "",
		},
		{
			name:        "nil build info",
			expectedVer: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expectedVer, extractModuleVersion(tt.info, moduleName))
		})
	}
}

func TestAddPrometheusLabel(t *testing.T) {
	labels := prometheus.Labels{"cache": "agents"}
	got := AddPrometheusLabel(labels)
	require.Equal(t, prometheus.Labels{"cache": "agents", PrometheusLabel: Get()}, got)
	require.Len(t, labels, 1)
	require.NotEmpty(t, Get())
}
