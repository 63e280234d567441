/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package version reports the version of the gateway module the binary is built from.
package version

import (
	"debug/buildinfo"
	"regexp"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const moduleName = "github.com/acronis/go-ingestgate"

// PrometheusLabel is the name of the constant label with the module version added to the gateway metrics.
const PrometheusLabel = "ingestgate_version"

const unknownVersion = "v0.0.0"

var (
	moduleVersion     string
	moduleVersionOnce sync.Once
)

// Get returns the module version, or "v0.0.0" if it cannot be determined (e.g. a development build).
func Get() string {
	moduleVersionOnce.Do(func() {
		if info, ok := debug.ReadBuildInfo(); ok {
			moduleVersion = extractModuleVersion(info, moduleName)
		}
		if moduleVersion == "" {
			moduleVersion = unknownVersion
		}
	})
	return moduleVersion
}

// AddPrometheusLabel returns a copy of the labels with the module version label added.
func AddPrometheusLabel(labels prometheus.Labels) prometheus.Labels {
	labelsCopy := make(prometheus.Labels, len(labels)+1)
	for k, v := range labels {
		labelsCopy[k] = v
	}
	labelsCopy[PrometheusLabel] = Get()
	return labelsCopy
}

// extractModuleVersion looks for the module as the main module first (binaries of this repository),
// then among the dependencies. Major version suffixes ("/vN") are accepted.
func extractModuleVersion(info *buildinfo.BuildInfo, modName string) string {
	if info == nil {
		return ""
	}
	re := regexp.MustCompile(`^` + regexp.QuoteMeta(modName) + `(/v[0-9]+)?$`)
	if re.MatchString(info.Main.Path) && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	for _, dep := range info.Deps {
		if re.MatchString(dep.Path) {
			return dep.Version
		}
	}
	return ""
}
