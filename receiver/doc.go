/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package receiver binds telemetry gRPC services to the application's DispatchHandler.
//
// A Binder composes a service definition (descriptor plus implementation) from a DefinitionFactory and
// a DispatchHandler and optionally decorates every method of the service with an Interceptor
// (typically the admission interceptor). The composed definition is built once and then registered
// in a grpc.Server.
//
// Three services are provided: telemetry.v1.Span and telemetry.v1.Stat accept client streams of
// fire-and-forget messages, telemetry.v1.Agent answers request/response calls.
package receiver
