/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package receiver

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceDefinition is a gRPC service descriptor together with its implementation.
type ServiceDefinition struct {
	Desc *grpc.ServiceDesc
	Impl interface{}
}

// Register registers the service in the registrar (usually *grpc.Server).
func (d ServiceDefinition) Register(registrar grpc.ServiceRegistrar) {
	registrar.RegisterService(d.Desc, d.Impl)
}

// Interceptor is a pair of interceptors that are applied to the methods of a single service.
// Either of them may be nil.
type Interceptor struct {
	Unary  grpc.UnaryServerInterceptor
	Stream grpc.StreamServerInterceptor
}

// Intercept returns a copy of the definition whose every method is decorated with the interceptor.
// Server-wide interceptors keep running before the service interceptor.
// The original descriptor is not modified. A nil interceptor returns the definition as is.
func Intercept(def ServiceDefinition, ic *Interceptor) ServiceDefinition {
	if ic == nil || (ic.Unary == nil && ic.Stream == nil) {
		return def
	}

	desc := *def.Desc
	desc.Methods = make([]grpc.MethodDesc, len(def.Desc.Methods))
	for i, md := range def.Desc.Methods {
		desc.Methods[i] = md
		if ic.Unary != nil {
			desc.Methods[i].Handler = interceptMethodHandler(md.Handler, ic.Unary)
		}
	}
	desc.Streams = make([]grpc.StreamDesc, len(def.Desc.Streams))
	for i, sd := range def.Desc.Streams {
		desc.Streams[i] = sd
		if ic.Stream != nil {
			info := &grpc.StreamServerInfo{
				FullMethod:     "/" + desc.ServiceName + "/" + sd.StreamName,
				IsClientStream: sd.ClientStreams,
				IsServerStream: sd.ServerStreams,
			}
			desc.Streams[i].Handler = interceptStreamHandler(sd.Handler, ic.Stream, info)
		}
	}
	return ServiceDefinition{Desc: &desc, Impl: def.Impl}
}

// methodHandlerFunc has the same underlying type as grpc.MethodDesc.Handler.
type methodHandlerFunc = func(
	srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor,
) (interface{}, error)

func interceptMethodHandler(handler methodHandlerFunc, inner grpc.UnaryServerInterceptor) methodHandlerFunc {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, outer grpc.UnaryServerInterceptor) (interface{}, error) {
		if outer == nil {
			return handler(srv, ctx, dec, inner)
		}
		chained := func(
			ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, h grpc.UnaryHandler,
		) (interface{}, error) {
			return outer(ctx, req, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return inner(ctx, req, info, h)
			})
		}
		return handler(srv, ctx, dec, chained)
	}
}

func interceptStreamHandler(
	handler grpc.StreamHandler, ic grpc.StreamServerInterceptor, info *grpc.StreamServerInfo,
) grpc.StreamHandler {
	return func(srv interface{}, stream grpc.ServerStream) error {
		return ic(srv, stream, info, handler)
	}
}
