/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"unsafe"

	"github.com/ssgreg/logf"
)

// StringMasker replaces secrets in a string.
type StringMasker interface {
	Mask(s string) string
}

// MaskingLogger masks secrets in messages and string-like fields before passing them to the delegate.
// Fields of arbitrary types (log.Any) are not inspected.
type MaskingLogger struct {
	log    FieldLogger
	masker StringMasker
}

// NewMaskingLogger wraps the logger.
func NewMaskingLogger(l FieldLogger, m StringMasker) FieldLogger {
	return MaskingLogger{l, m}
}

// With returns a new logger with the given additional fields.
func (l MaskingLogger) With(fs ...Field) FieldLogger {
	return MaskingLogger{l.log.With(l.maskFields(fs)...), l.masker}
}

// Debug logs a message at "debug" level.
func (l MaskingLogger) Debug(text string, fs ...Field) {
	l.log.Debug(l.masker.Mask(text), l.maskFields(fs)...)
}

// Info logs a message at "info" level.
func (l MaskingLogger) Info(text string, fs ...Field) {
	l.log.Info(l.masker.Mask(text), l.maskFields(fs)...)
}

// Warn logs a message at "warn" level.
func (l MaskingLogger) Warn(text string, fs ...Field) {
	l.log.Warn(l.masker.Mask(text), l.maskFields(fs)...)
}

// Error logs a message at "error" level.
func (l MaskingLogger) Error(text string, fs ...Field) {
	l.log.Error(l.masker.Mask(text), l.maskFields(fs)...)
}

// Debugf logs a formatted message at "debug" level.
func (l MaskingLogger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

// Infof logs a formatted message at "info" level.
func (l MaskingLogger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

// Warnf logs a formatted message at "warn" level.
func (l MaskingLogger) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

// Errorf logs a formatted message at "error" level.
func (l MaskingLogger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}

// AtLevel calls fn if the level is enabled, passing a LogFunc that masks its arguments.
func (l MaskingLogger) AtLevel(level Level, fn func(logFunc LogFunc)) {
	l.log.AtLevel(level, func(logFunc LogFunc) {
		fn(func(msg string, fs ...Field) {
			logFunc(l.masker.Mask(msg), l.maskFields(fs)...)
		})
	})
}

// WithLevel returns a new logger that additionally drops entries below the given level.
func (l MaskingLogger) WithLevel(level Level) FieldLogger {
	return MaskingLogger{l.log.WithLevel(level), l.masker}
}

// maskFields returns the original slice if nothing was masked.
func (l MaskingLogger) maskFields(fields []Field) []Field {
	var res []Field
	for i := range fields {
		masked, changed := l.maskField(fields[i])
		if !changed {
			continue
		}
		if res == nil {
			res = make([]Field, len(fields))
			copy(res, fields)
		}
		res[i] = masked
	}
	if res == nil {
		return fields
	}
	return res
}

var stringSliceType = reflect.TypeOf([]string{})

func (l MaskingLogger) maskField(field Field) (Field, bool) {
	switch field.Type {
	case logf.FieldTypeBytesToString:
		s := *(*string)(unsafe.Pointer(&field.Bytes)) // nolint: gosec
		if masked := l.masker.Mask(s); masked != s {
			return String(field.Key, masked), true
		}

	case logf.FieldTypeBytes, logf.FieldTypeRawBytes:
		if field.Bytes == nil {
			break
		}
		if masked := l.masker.Mask(string(field.Bytes)); masked != string(field.Bytes) {
			return logf.ConstBytes(field.Key, []byte(masked)), true
		}

	case logf.FieldTypeError:
		err, ok := field.Any.(error)
		if !ok || err == nil {
			break
		}
		if masked := l.masker.Mask(err.Error()); masked != err.Error() {
			return NamedError(field.Key, newMaskedError(err, l.masker, masked)), true
		}

	case logf.FieldTypeArray:
		if field.Any == nil {
			break
		}
		value := reflect.ValueOf(field.Any)
		if !value.CanConvert(stringSliceType) {
			break
		}
		ss := value.Convert(stringSliceType).Interface().([]string)
		masked := make([]string, len(ss))
		changed := false
		for i, s := range ss {
			masked[i] = l.masker.Mask(s)
			changed = changed || masked[i] != s
		}
		if changed {
			return Strings(field.Key, masked), true
		}
	}
	return field, false
}

func newMaskedError(err error, m StringMasker, masked string) error {
	if _, ok := err.(fmt.Formatter); ok {
		return maskedError{s: masked, verbose: m.Mask(fmt.Sprintf("%+v", err))}
	}
	return errors.New(masked)
}

// maskedError keeps the masked verbose form for the "error_verbose" field.
type maskedError struct {
	s       string
	verbose string
}

func (e maskedError) Error() string {
	return e.s
}

func (e maskedError) Format(f fmt.State, verb rune) {
	_, _ = io.WriteString(f, e.verbose)
}
