/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"regexp"
	"strings"
)

// Mask is a single regexp replacement applied to a logged string.
type Mask struct {
	RegExp *regexp.Regexp
	Mask   string
}

// NewMask compiles the mask configuration. It panics if the regexp is invalid.
func NewMask(cfg MaskConfig) Mask {
	return Mask{RegExp: regexp.MustCompile(cfg.RegExp), Mask: cfg.Mask}
}

// FieldMasker masks a single named field in all configured formats.
type FieldMasker struct {
	Field string // lowercased, used as a cheap pre-check before running regexps
	Masks []Mask
}

// NewFieldMasker creates a FieldMasker for the rule.
func NewFieldMasker(rule MaskingRuleConfig) FieldMasker {
	fm := FieldMasker{Field: strings.ToLower(rule.Field), Masks: make([]Mask, 0, len(rule.Masks)+len(rule.Formats))}
	for _, maskCfg := range rule.Masks {
		fm.Masks = append(fm.Masks, NewMask(maskCfg))
	}
	field := regexp.QuoteMeta(rule.Field)
	for _, format := range rule.Formats {
		switch format {
		case FieldMaskFormatMetadata:
			fm.Masks = append(fm.Masks, NewMask(MaskConfig{
				RegExp: `(?i)` + field + `:\[[^\]]*\]`,
				Mask:   rule.Field + ":[***]",
			}))
		case FieldMaskFormatJSON:
			fm.Masks = append(fm.Masks, NewMask(MaskConfig{
				RegExp: `(?i)"` + field + `"\s*:\s*"(?:[^"\\]|\\.)*"`,
				Mask:   `"` + rule.Field + `": "***"`,
			}))
		case FieldMaskFormatURLEncoded:
			fm.Masks = append(fm.Masks, NewMask(MaskConfig{
				RegExp: `(?i)` + field + `\s*=\s*[^&\s]+`,
				Mask:   rule.Field + "=***",
			}))
		}
	}
	return fm
}

// Masker masks secrets in strings according to a set of field rules.
type Masker struct {
	FieldMasks []FieldMasker
}

// NewMasker creates a Masker for the given rules.
func NewMasker(rules []MaskingRuleConfig) *Masker {
	m := &Masker{FieldMasks: make([]FieldMasker, 0, len(rules))}
	for _, rule := range rules {
		m.FieldMasks = append(m.FieldMasks, NewFieldMasker(rule))
	}
	return m
}

// Mask returns s with all secrets replaced.
func (m *Masker) Mask(s string) string {
	lower := strings.ToLower(s)
	for _, fm := range m.FieldMasks {
		if !strings.Contains(lower, fm.Field) {
			continue
		}
		for _, mask := range fm.Masks {
			s = mask.RegExp.ReplaceAllString(s, mask.Mask)
		}
	}
	return s
}

// DefaultMasks covers credentials that agents may send in call metadata or embed in collector URLs.
var DefaultMasks = []MaskingRuleConfig{
	{
		Field:   "authorization",
		Formats: []FieldMaskFormat{FieldMaskFormatMetadata, FieldMaskFormatJSON},
	},
	{
		Field:   "x-agent-token",
		Formats: []FieldMaskFormat{FieldMaskFormatMetadata, FieldMaskFormatJSON},
	},
	{
		Field:   "password",
		Formats: []FieldMaskFormat{FieldMaskFormatJSON, FieldMaskFormatURLEncoded},
	},
	{
		Field:   "api_key",
		Formats: []FieldMaskFormat{FieldMaskFormatJSON, FieldMaskFormatURLEncoded},
	},
	{
		Field:   "access_token",
		Formats: []FieldMaskFormat{FieldMaskFormatJSON, FieldMaskFormatURLEncoded},
	},
	{
		Field: "@",
		Masks: []MaskConfig{{
			// user:password@host in URLs
			RegExp: `://([^:/@\s]+):[^@/\s]+@`,
			Mask:   "://$1:***@",
		}},
	},
}
