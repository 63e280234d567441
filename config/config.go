/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"path/filepath"
	"reflect"
	"strings"
)

// Config is a common interface for configuration objects that may be used by Loader.
type Config interface {
	SetProviderDefaults(dp DataProvider)
	Set(dp DataProvider) error
}

// KeyPrefixProvider is implemented by configs whose parameters live under a key prefix (e.g. "admission").
type KeyPrefixProvider interface {
	KeyPrefix() string
}

// CallSetProviderDefaultsForFields calls SetProviderDefaults for every exported non-nil field
// of the struct pointed to by obj that implements Config.
// It allows composing an application config from the configs of its components.
func CallSetProviderDefaultsForFields(obj interface{}, dp DataProvider) {
	_ = forEachConfigField(obj, dp, func(cfg Config, cfgDP DataProvider) error {
		cfg.SetProviderDefaults(cfgDP)
		return nil
	})
}

// CallSetForFields calls Set for every exported non-nil field of the struct pointed to by obj
// that implements Config. It stops at the first error.
func CallSetForFields(obj interface{}, dp DataProvider) error {
	return forEachConfigField(obj, dp, func(cfg Config, cfgDP DataProvider) error {
		return cfg.Set(cfgDP)
	})
}

func forEachConfigField(obj interface{}, dp DataProvider, fn func(cfg Config, cfgDP DataProvider) error) error {
	el := reflect.ValueOf(obj).Elem()
	for i := 0; i < el.NumField(); i++ {
		if !el.Type().Field(i).IsExported() {
			continue
		}
		field := el.Field(i)
		if field.Kind() == reflect.Ptr && field.IsNil() {
			continue
		}
		cfg, ok := field.Interface().(Config)
		if !ok {
			continue
		}
		if err := fn(cfg, dataProviderFor(cfg, dp)); err != nil {
			return err
		}
	}
	return nil
}

func dataProviderFor(cfg Config, dp DataProvider) DataProvider {
	if kp, ok := cfg.(KeyPrefixProvider); ok && kp.KeyPrefix() != "" {
		return NewKeyPrefixedDataProvider(dp, kp.KeyPrefix())
	}
	return dp
}

// DataTypeFromPath detects the data type by the file extension. YAML is used for unknown extensions.
func DataTypeFromPath(path string) DataType {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return DataTypeJSON
	}
	return DataTypeYAML
}
