/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package receiver

import (
	"errors"
	"reflect"
	"sync"

	"google.golang.org/grpc"
)

// ErrNilDispatchHandler is returned by NewBinder when no dispatch handler is provided.
var ErrNilDispatchHandler = errors.New("dispatch handler must not be nil")

// ErrNilDefinitionFactory is returned by NewBinder when no definition factory is provided.
var ErrNilDefinitionFactory = errors.New("definition factory must not be nil")

// DefinitionFactory creates a service definition that routes calls to the dispatch handler.
// It must not have side effects.
type DefinitionFactory func(handler DispatchHandler) ServiceDefinition

// BinderOption represents a functional option for configuring Binder.
type BinderOption func(*binderOptions)

type binderOptions struct {
	interceptor *Interceptor
}

// WithInterceptor decorates all methods of the bound service with the interceptor.
func WithInterceptor(ic *Interceptor) BinderOption {
	return func(o *binderOptions) {
		o.interceptor = ic
	}
}

// Binder binds a telemetry service to a DispatchHandler.
type Binder struct {
	factory     DefinitionFactory
	handler     DispatchHandler
	interceptor *Interceptor

	endpointOnce sync.Once
	endpoint     ServiceDefinition
}

// NewBinder creates a new Binder. The dispatch handler is required.
func NewBinder(factory DefinitionFactory, handler DispatchHandler, options ...BinderOption) (*Binder, error) {
	if factory == nil {
		return nil, ErrNilDefinitionFactory
	}
	if isNilHandler(handler) {
		return nil, ErrNilDispatchHandler
	}
	opts := binderOptions{}
	for _, opt := range options {
		opt(&opts)
	}
	return &Binder{factory: factory, handler: handler, interceptor: opts.interceptor}, nil
}

// Endpoint returns the composed service definition.
// It is built on the first call, all subsequent calls return the same definition.
func (b *Binder) Endpoint() ServiceDefinition {
	b.endpointOnce.Do(func() {
		b.endpoint = Intercept(b.factory(b.handler), b.interceptor)
	})
	return b.endpoint
}

// Register registers the composed service in the registrar.
func (b *Binder) Register(registrar grpc.ServiceRegistrar) {
	b.Endpoint().Register(registrar)
}

func isNilHandler(handler DispatchHandler) bool {
	if handler == nil {
		return true
	}
	v := reflect.ValueOf(handler)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Func, reflect.Chan, reflect.Interface, reflect.Slice:
		return v.IsNil()
	default:
		return false
	}
}
