/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"fmt"
	"runtime"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/acronis/go-ingestgate/log"
)

// RecoveryDefaultStackSize defines the default size of stack part which will be logged.
const RecoveryDefaultStackSize = 8192

// InternalError is the error returned to the client when a panic is recovered.
var InternalError = status.Error(codes.Internal, "Internal error")

// RecoveryOption is a function type for configuring the recovery interceptor.
type RecoveryOption func(*recoveryOptions)

type recoveryOptions struct {
	stackSize int
}

// WithRecoveryStackSize sets the size of the logged stack trace. Zero disables stack logging.
func WithRecoveryStackSize(size int) RecoveryOption {
	return func(opts *recoveryOptions) {
		opts.stackSize = size
	}
}

func newRecoveryOptions(options []RecoveryOption) recoveryOptions {
	opts := recoveryOptions{stackSize: RecoveryDefaultStackSize}
	for _, option := range options {
		option(&opts)
	}
	return opts
}

// RecoveryUnaryInterceptor is a gRPC unary interceptor that recovers from panics and returns Internal error.
func RecoveryUnaryInterceptor(options ...RecoveryOption) grpc.UnaryServerInterceptor {
	opts := newRecoveryOptions(options)
	return func(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer opts.recover(ctx, &err)
		return handler(ctx, req)
	}
}

// RecoveryStreamInterceptor is a gRPC stream interceptor that recovers from panics and returns Internal error.
func RecoveryStreamInterceptor(options ...RecoveryOption) grpc.StreamServerInterceptor {
	opts := newRecoveryOptions(options)
	return func(srv interface{}, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer opts.recover(ss.Context(), &err)
		return handler(srv, ss)
	}
}

// recover must be called directly by a deferred statement.
func (opts recoveryOptions) recover(ctx context.Context, err *error) {
	p := recover()
	if p == nil {
		return
	}
	if logger := GetLoggerFromContext(ctx); logger != nil {
		var fields []log.Field
		if opts.stackSize > 0 {
			stack := make([]byte, opts.stackSize)
			fields = append(fields, log.Bytes("stack", stack[:runtime.Stack(stack, false)]))
		}
		logger.Error(fmt.Sprintf("Panic: %+v", p), fields...)
	}
	*err = InternalError
}
