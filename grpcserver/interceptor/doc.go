/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package interceptor provides gRPC server interceptors of the gateway:
// call info and request ids, call logging, Prometheus metrics, panic recovery
// and admission control of calls through an admission.Gate.
//
// The interceptors share the call info put into the context by CallInfoUnaryInterceptor
// (or CallInfoStreamInterceptor), which should be the first one in the chain.
package interceptor
